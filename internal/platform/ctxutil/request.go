package ctxutil

import "context"

type requestDataKey struct{}

// RequestData is the authenticated caller of a request.
type RequestData struct {
	UserID    string
	Workspace string
	// Role is the caller's permission on graphs: viewer, editor or owner.
	Role string
	// Lang is the Accept-Language value used for user-facing messages.
	Lang string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestDataKey{})
	if rd, ok := val.(*RequestData); ok {
		return rd
	}
	return nil
}
