package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/graphpilot-backend/internal/llm/llmerr"
	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/graphrag"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/threads"
	"github.com/yungbote/graphpilot-backend/internal/pkg/keylock"
	"github.com/yungbote/graphpilot-backend/internal/platform/ctxutil"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/realtime"
	"github.com/yungbote/graphpilot-backend/internal/realtime/bus"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrPendingAction    = errors.New("thread has a proposed action awaiting approval")
	ErrNoPendingAction  = agent.ErrNoPendingAction
	ErrTurnInProgress   = agent.ErrTurnInProgress
	ErrThreadNotFound   = threads.ErrThreadNotFound
	ErrGraphNotFound    = graphrag.ErrGraphNotFound
)

type ChatRequest struct {
	GraphKey string `json:"graphKey"`
	Message  string `json:"message"`
	ThreadID string `json:"threadId,omitempty"`
}

type ResumeRequest struct {
	ThreadID string `json:"threadId"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

type TurnResponse struct {
	ThreadID       string                `json:"threadId"`
	Type           agent.ResultType      `json:"type"`
	Message        string                `json:"message"`
	ToolCalls      []agent.ToolCallLog   `json:"toolCalls"`
	ProposedAction *agent.ProposedAction `json:"proposedAction,omitempty"`
	ToolCall       *agent.ToolCallLog    `json:"toolCall,omitempty"`
}

// GraphCache drops cached retrieval results for a graph.
type GraphCache interface {
	InvalidateGraph(graphKey string)
}

type AssistantService interface {
	Chat(ctx context.Context, rd *ctxutil.RequestData, req ChatRequest) (*TurnResponse, error)
	ChatStream(ctx context.Context, rd *ctxutil.RequestData, req ChatRequest, onEvent agent.EventFunc) (*TurnResponse, error)
	Resume(ctx context.Context, rd *ctxutil.RequestData, req ResumeRequest) (*TurnResponse, error)
	ResumeStream(ctx context.Context, rd *ctxutil.RequestData, req ResumeRequest, onEvent agent.EventFunc) (*TurnResponse, error)
	ListThreads(ctx context.Context, rd *ctxutil.RequestData, graphKey string) ([]threads.Summary, error)
	DeleteThread(ctx context.Context, rd *ctxutil.RequestData, threadID string) error
	Usage() usage.Summary
	// StartSync drops retrieval caches when another instance changes a graph.
	StartSync(ctx context.Context) error
}

type AssistantOptions struct {
	// Provider and Model label classified errors.
	Provider        string
	Model           string
	MaxMessageChars int
	// OnTurn observes every finished turn. kind is "chat" or "resume";
	// outcome is the result type or an error code.
	OnTurn func(kind, outcome string)
}

type assistantService struct {
	log      *logger.Logger
	store    *threads.Store
	newAgent threads.AgentFactory
	cache    GraphCache
	bus      bus.Bus
	tracker  *usage.Tracker
	locks    *keylock.Locker
	opts     AssistantOptions
}

func NewAssistantService(
	baseLog *logger.Logger,
	store *threads.Store,
	newAgent threads.AgentFactory,
	cache GraphCache,
	b bus.Bus,
	tracker *usage.Tracker,
	opts AssistantOptions,
) AssistantService {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = 16000
	}
	return &assistantService{
		log:      baseLog.With("service", "AssistantService"),
		store:    store,
		newAgent: newAgent,
		cache:    cache,
		bus:      b,
		tracker:  tracker,
		locks:    keylock.New(),
		opts:     opts,
	}
}

func (s *assistantService) Chat(ctx context.Context, rd *ctxutil.RequestData, req ChatRequest) (*TurnResponse, error) {
	return s.observed("chat")(s.chat(ctx, rd, req, nil))
}

func (s *assistantService) ChatStream(ctx context.Context, rd *ctxutil.RequestData, req ChatRequest, onEvent agent.EventFunc) (*TurnResponse, error) {
	if onEvent == nil {
		onEvent = func(agent.Event) {}
	}
	return s.observed("chat")(s.chat(ctx, rd, req, onEvent))
}

func (s *assistantService) Resume(ctx context.Context, rd *ctxutil.RequestData, req ResumeRequest) (*TurnResponse, error) {
	return s.observed("resume")(s.resume(ctx, rd, req, nil))
}

func (s *assistantService) ResumeStream(ctx context.Context, rd *ctxutil.RequestData, req ResumeRequest, onEvent agent.EventFunc) (*TurnResponse, error) {
	if onEvent == nil {
		onEvent = func(agent.Event) {}
	}
	return s.observed("resume")(s.resume(ctx, rd, req, onEvent))
}

func (s *assistantService) observed(kind string) func(*TurnResponse, error) (*TurnResponse, error) {
	return func(res *TurnResponse, err error) (*TurnResponse, error) {
		if s.opts.OnTurn != nil {
			s.opts.OnTurn(kind, TurnOutcome(res, err))
		}
		return res, err
	}
}

// TurnOutcome names how a turn ended, for metrics labels.
func TurnOutcome(res *TurnResponse, err error) string {
	var ce *llmerr.ClassifiedError
	switch {
	case err == nil && res != nil:
		return string(res.Type)
	case errors.As(err, &ce):
		return string(ce.Code)
	case errors.Is(err, ErrPendingAction), errors.Is(err, ErrNoPendingAction), errors.Is(err, ErrTurnInProgress):
		return "conflict"
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrGraphNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNotAuthenticated):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (s *assistantService) chat(ctx context.Context, rd *ctxutil.RequestData, req ChatRequest, onEvent agent.EventFunc) (*TurnResponse, error) {
	if err := requireIdentity(rd); err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if len([]rune(msg)) > s.opts.MaxMessageChars {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, s.opts.MaxMessageChars)
	}
	graphKey := strings.TrimSpace(req.GraphKey)
	threadID := strings.TrimSpace(req.ThreadID)

	var (
		t       *threads.Thread
		created bool
		unlock  func()
		err     error
	)
	if threadID == "" {
		if graphKey == "" {
			return nil, fmt.Errorf("%w: graphKey is required", ErrInvalidRequest)
		}
		t, err = s.store.Create(ctx, graphKey, rd.Workspace, rd.UserID, s.agentDeps(rd))
		if err != nil {
			return nil, err
		}
		created = true
		if unlock, err = s.locks.Lock(ctx, t.ThreadID); err != nil {
			return nil, err
		}
	} else {
		if unlock, err = s.locks.Lock(ctx, threadID); err != nil {
			return nil, err
		}
		t, err = s.ownedThread(ctx, rd, threadID)
		if err != nil {
			unlock()
			return nil, err
		}
		if graphKey != "" && graphKey != t.GraphKey {
			unlock()
			return nil, fmt.Errorf("%w: thread belongs to another graph", ErrInvalidRequest)
		}
		if t.Agent.State() == agent.StateAwaitingApproval {
			unlock()
			return nil, ErrPendingAction
		}
	}
	defer unlock()

	log := s.log.With("thread_id", t.ThreadID, "graph_key", t.GraphKey, "user_id", rd.UserID)
	start := time.Now()

	var res *agent.Result
	if onEvent != nil {
		res, err = t.Agent.ChatStream(ctx, msg, onEvent)
	} else {
		res, err = t.Agent.Chat(ctx, msg)
	}
	if err != nil {
		if created {
			// the caller never saw this thread id
			_ = s.store.Delete(context.WithoutCancel(ctx), t.ThreadID)
		}
		return nil, s.turnError(log, rd, "chat", err)
	}

	s.afterTurn(ctx, t, res.GraphChanged)
	log.Info("chat turn finished",
		"result", res.Type,
		"tool_calls", len(res.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return toResponse(t.ThreadID, res), nil
}

func (s *assistantService) resume(ctx context.Context, rd *ctxutil.RequestData, req ResumeRequest, onEvent agent.EventFunc) (*TurnResponse, error) {
	if err := requireIdentity(rd); err != nil {
		return nil, err
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		return nil, fmt.Errorf("%w: threadId is required", ErrInvalidRequest)
	}
	unlock, err := s.locks.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.ownedThread(ctx, rd, threadID)
	if err != nil {
		return nil, err
	}
	log := s.log.With("thread_id", t.ThreadID, "graph_key", t.GraphKey, "user_id", rd.UserID)
	start := time.Now()

	var res *agent.Result
	if onEvent != nil {
		res, err = t.Agent.ResumeStream(ctx, req.Approved, req.Feedback, onEvent)
	} else {
		res, err = t.Agent.ResumeConversation(ctx, req.Approved, req.Feedback)
	}
	if err != nil {
		if errors.Is(err, agent.ErrNoPendingAction) {
			return nil, ErrNoPendingAction
		}
		// the approved action may have been applied before the failure
		s.afterTurn(ctx, t, req.Approved)
		return nil, s.turnError(log, rd, "resume", err)
	}

	s.afterTurn(ctx, t, res.GraphChanged)
	log.Info("resume turn finished",
		"approved", req.Approved,
		"result", res.Type,
		"graph_changed", res.GraphChanged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return toResponse(t.ThreadID, res), nil
}

func (s *assistantService) ListThreads(ctx context.Context, rd *ctxutil.RequestData, graphKey string) ([]threads.Summary, error) {
	if err := requireIdentity(rd); err != nil {
		return nil, err
	}
	graphKey = strings.TrimSpace(graphKey)
	if graphKey == "" {
		return nil, fmt.Errorf("%w: graphKey is required", ErrInvalidRequest)
	}
	all := s.store.ListByGraph(ctx, graphKey, rd.Workspace)
	out := make([]threads.Summary, 0, len(all))
	for _, sm := range all {
		if sm.UserID == rd.UserID && sm.Workspace == rd.Workspace {
			out = append(out, sm)
		}
	}
	return out, nil
}

func (s *assistantService) DeleteThread(ctx context.Context, rd *ctxutil.RequestData, threadID string) error {
	if err := requireIdentity(rd); err != nil {
		return err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return fmt.Errorf("%w: threadId is required", ErrInvalidRequest)
	}
	unlock, err := s.locks.Lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.ownedThread(ctx, rd, threadID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, threadID); err != nil {
		return err
	}
	s.log.Info("thread deleted", "thread_id", threadID, "user_id", rd.UserID)
	return nil
}

func (s *assistantService) Usage() usage.Summary {
	if s.tracker == nil {
		return usage.Summary{ByModel: map[string]usage.ModelSummary{}}
	}
	return s.tracker.Summary()
}

func (s *assistantService) StartSync(ctx context.Context) error {
	if s.bus == nil || s.cache == nil {
		return nil
	}
	origin := s.store.InstanceID()
	return s.bus.StartForwarder(ctx, func(ev realtime.Event) {
		if ev.Type != realtime.EventGraphChanged || ev.FromOrigin(origin) || ev.GraphKey == "" {
			return
		}
		s.cache.InvalidateGraph(ev.GraphKey)
		s.log.Debug("graph changed elsewhere, cache dropped", "graph_key", ev.GraphKey, "origin", ev.Origin)
	})
}

func (s *assistantService) agentDeps(rd *ctxutil.RequestData) threads.AgentDeps {
	return threads.AgentDeps{NewAgent: s.newAgent, Role: rd.Role}
}

// ownedThread loads threadID and hides threads that belong to someone else.
func (s *assistantService) ownedThread(ctx context.Context, rd *ctxutil.RequestData, threadID string) (*threads.Thread, error) {
	t, err := s.store.LoadThread(ctx, threadID, s.agentDeps(rd))
	if err != nil {
		return nil, err
	}
	if t.UserID != rd.UserID || t.Workspace != rd.Workspace {
		return nil, ErrThreadNotFound
	}
	return t, nil
}

func (s *assistantService) afterTurn(ctx context.Context, t *threads.Thread, graphChanged bool) {
	ctx = context.WithoutCancel(ctx)
	if graphChanged {
		if s.cache != nil {
			s.cache.InvalidateGraph(t.GraphKey)
		}
		if s.bus != nil {
			ev := realtime.Event{
				Type:     realtime.EventGraphChanged,
				GraphKey: t.GraphKey,
				ThreadID: t.ThreadID,
				Origin:   s.store.InstanceID(),
				Time:     time.Now().UTC(),
			}
			if err := s.bus.Publish(ctx, ev); err != nil {
				s.log.Warn("graph.changed publish failed", "graph_key", t.GraphKey, "error", err)
			}
		}
	}
	s.store.Save(ctx, t)
}

// turnError maps agent failures to service errors. Provider failures become
// *llmerr.ClassifiedError; the full cause is only logged.
func (s *assistantService) turnError(log *logger.Logger, rd *ctxutil.RequestData, op string, err error) error {
	switch {
	case errors.Is(err, agent.ErrAwaitingApproval):
		return ErrPendingAction
	case errors.Is(err, agent.ErrTurnInProgress):
		return ErrTurnInProgress
	case errors.Is(err, graphrag.ErrGraphNotFound):
		return ErrGraphNotFound
	case errors.Is(err, context.Canceled):
		log.Info(op + " turn canceled")
		return err
	}
	var limitErr *usage.CallLimitError
	if errors.As(err, &limitErr) {
		log.Warn(op+" turn refused by call limit", "tokens", limitErr.Tokens, "error", err)
	}
	ce := llmerr.ClassifyWith(err, llmerr.Options{Provider: s.opts.Provider, Model: s.opts.Model, Lang: rd.Lang})
	log.Error(op+" turn failed",
		"code", ce.Code,
		"retryable", ce.Retryable,
		"status", ce.Status(),
		"provider", ce.Provider,
		"model", ce.Model,
		"error", err,
	)
	return ce
}

func requireIdentity(rd *ctxutil.RequestData) error {
	if rd == nil || strings.TrimSpace(rd.UserID) == "" {
		return ErrNotAuthenticated
	}
	return nil
}

func toResponse(threadID string, res *agent.Result) *TurnResponse {
	calls := res.ToolCalls
	if calls == nil {
		calls = []agent.ToolCallLog{}
	}
	return &TurnResponse{
		ThreadID:       threadID,
		Type:           res.Type,
		Message:        res.Message,
		ToolCalls:      calls,
		ProposedAction: res.ProposedAction,
		ToolCall:       res.ToolCall,
	}
}
