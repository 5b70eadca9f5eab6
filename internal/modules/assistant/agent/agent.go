// Package agent runs the assistant's tool-calling loop. Read-only tools run
// automatically; a mutating tool call pauses the conversation until the user
// approves or rejects the proposed change.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/graphpilot-backend/internal/llm"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/graphrag"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

var (
	ErrAwaitingApproval = errors.New("agent: a proposed action is awaiting approval")
	ErrNoPendingAction  = errors.New("agent: no pending action")
	ErrTurnInProgress   = errors.New("agent: another turn is in progress")
	ErrEmptyMessage     = errors.New("agent: empty message")
)

var tracer = otel.Tracer("github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent")

const DefaultMaxToolRounds = 8

type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
)

type ContextRetriever interface {
	Retrieve(ctx context.Context, graphKey, query string) (*graphrag.Context, error)
}

type Config struct {
	GraphKey string
	// ThreadID only labels logs and spans.
	ThreadID      string
	Role          string
	MaxToolRounds int
	Model         string
	MaxTokens     int
	Temperature   *float32
}

type Deps struct {
	Provider  llm.Provider
	Retriever ContextRetriever
	Tools     *ToolSet
	Executor  ActionExecutor
	Log       *logger.Logger
}

type ToolCallStatus string

const (
	StatusOK       ToolCallStatus = "ok"
	StatusError    ToolCallStatus = "error"
	StatusPending  ToolCallStatus = "pending"
	StatusApproved ToolCallStatus = "approved"
	StatusRejected ToolCallStatus = "rejected"
)

type ToolCallLog struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result,omitempty"`
	Status ToolCallStatus `json:"status"`
}

type ResultType string

const (
	ResultMessage   ResultType = "message"
	ResultInterrupt ResultType = "interrupt"
)

type Result struct {
	Type           ResultType      `json:"type"`
	Message        string          `json:"message"`
	ToolCalls      []ToolCallLog   `json:"toolCalls"`
	ProposedAction *ProposedAction `json:"proposedAction,omitempty"`
	ToolCall       *ToolCallLog    `json:"toolCall,omitempty"`
	// GraphChanged is set when an approved action was applied in this turn.
	GraphChanged bool `json:"-"`
}

// PendingInterrupt is everything needed to continue after the user decides.
// Deferred holds tool calls the model issued in the same message after the
// gated one; they run once the decision is in.
type PendingInterrupt struct {
	ToolCall  llm.ToolCall   `json:"toolCall"`
	Args      map[string]any `json:"args"`
	Action    ProposedAction `json:"action"`
	Executed  []ToolCallLog  `json:"executed,omitempty"`
	Deferred  []llm.ToolCall `json:"deferred,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type EventType string

const (
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventInterrupt  EventType = "interrupt"
)

type Event struct {
	Type     EventType       `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCallLog    `json:"toolCall,omitempty"`
	Action   *ProposedAction `json:"proposedAction,omitempty"`
}

type EventFunc func(Event)

// Agent owns one conversation. Turns must not overlap; a second concurrent
// turn fails with ErrTurnInProgress.
type Agent struct {
	cfg       Config
	provider  llm.Provider
	retriever ContextRetriever
	tools     *ToolSet
	executor  ActionExecutor
	log       *logger.Logger

	turnMu sync.Mutex

	mu      sync.RWMutex
	history []llm.Message
	pending *PendingInterrupt
	system  string
}

func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("agent: provider required")
	}
	if deps.Retriever == nil {
		return nil, fmt.Errorf("agent: retriever required")
	}
	if strings.TrimSpace(cfg.GraphKey) == "" {
		return nil, fmt.Errorf("agent: graph key required")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Role == "" {
		cfg.Role = RoleEditor
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Agent{
		cfg:       cfg,
		provider:  deps.Provider,
		retriever: deps.Retriever,
		tools:     deps.Tools.ForRole(cfg.Role),
		executor:  deps.Executor,
		log:       log.With("service", "Agent", "graph_key", cfg.GraphKey, "thread_id", cfg.ThreadID),
	}, nil
}

func (a *Agent) GraphKey() string { return a.cfg.GraphKey }
func (a *Agent) Role() string     { return a.cfg.Role }

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pending != nil {
		return StateAwaitingApproval
	}
	return StateIdle
}

// History returns a copy of the transcript, without the system prompt.
func (a *Agent) History() []llm.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.history)
}

func (a *Agent) PendingInterrupt() *PendingInterrupt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pending == nil {
		return nil
	}
	p := *a.pending
	return &p
}

// Restore replaces the conversation state, e.g. after loading a persisted
// thread. The system prompt is rebuilt on the next turn.
func (a *Agent) Restore(history []llm.Message, pending *PendingInterrupt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = slices.Clone(history)
	a.pending = nil
	if pending != nil {
		p := *pending
		a.pending = &p
	}
	a.system = ""
}

func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.pending = nil
	a.system = ""
}

func (a *Agent) Chat(ctx context.Context, message string) (*Result, error) {
	return a.chat(ctx, message, &turn{})
}

// ChatStream is Chat with provider output streamed to onEvent.
func (a *Agent) ChatStream(ctx context.Context, message string, onEvent EventFunc) (*Result, error) {
	return a.chat(ctx, message, &turn{stream: true, onEvent: onEvent})
}

func (a *Agent) ResumeConversation(ctx context.Context, approved bool, feedback string) (*Result, error) {
	return a.resume(ctx, approved, feedback, &turn{})
}

func (a *Agent) ResumeStream(ctx context.Context, approved bool, feedback string, onEvent EventFunc) (*Result, error) {
	return a.resume(ctx, approved, feedback, &turn{stream: true, onEvent: onEvent})
}

type turn struct {
	stream  bool
	onEvent EventFunc
	logs    []ToolCallLog
	changed bool
}

func (t *turn) emit(ev Event) {
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

func (a *Agent) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("graph.key", a.cfg.GraphKey),
		attribute.String("thread.id", a.cfg.ThreadID),
	))
}

func (a *Agent) chat(ctx context.Context, message string, t *turn) (res *Result, err error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	if !a.turnMu.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer a.turnMu.Unlock()
	if a.State() == StateAwaitingApproval {
		return nil, ErrAwaitingApproval
	}

	ctx, span := a.startSpan(ctx, "agent.Chat")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := a.prepare(ctx, message); err != nil {
		return nil, err
	}

	a.mu.Lock()
	mark := len(a.history)
	a.history = append(a.history, llm.Message{Role: llm.RoleUser, Content: message})
	a.mu.Unlock()

	res, err = a.loop(ctx, t)
	if err != nil {
		// Chat never mutates the graph, so the turn can be dropped whole and
		// retried by the caller.
		a.mu.Lock()
		if a.pending == nil && len(a.history) >= mark {
			a.history = a.history[:mark]
		}
		a.mu.Unlock()
		return nil, err
	}
	return res, nil
}

func (a *Agent) resume(ctx context.Context, approved bool, feedback string, t *turn) (res *Result, err error) {
	if !a.turnMu.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer a.turnMu.Unlock()

	a.mu.Lock()
	p := a.pending
	a.mu.Unlock()
	if p == nil {
		return nil, ErrNoPendingAction
	}

	ctx, span := a.startSpan(ctx, "agent.ResumeConversation")
	span.SetAttributes(attribute.Bool("approved", approved), attribute.String("action.type", string(p.Action.Type)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	a.mu.RLock()
	needPrompt := a.system == ""
	a.mu.RUnlock()
	if needPrompt {
		if err := a.prepare(ctx, a.lastUserMessage()); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()

	log := ToolCallLog{ID: p.ToolCall.ID, Name: p.ToolCall.Name, Args: p.Args}
	var result any
	switch {
	case !approved:
		log.Status = StatusRejected
		result = map[string]any{"status": "rejected", "feedback": feedback}
	case a.executor == nil:
		log.Status = StatusError
		result = map[string]any{"status": "failed", "error": "no executor configured"}
	default:
		applied, applyErr := a.executor.Apply(ctx, a.cfg.GraphKey, p.Action)
		t.changed = true
		if applyErr != nil {
			a.log.Warn("approved action failed", "action", p.Action.Describe(), "error", applyErr)
			log.Status = StatusError
			result = map[string]any{"status": "failed", "error": applyErr.Error(), "partial": applied}
		} else {
			log.Status = StatusApproved
			result = map[string]any{"status": "applied", "result": applied}
		}
	}
	a.recordToolResult(t, p.ToolCall, log, result)

	if res := a.runToolCalls(ctx, t, p.Deferred); res != nil {
		return res, nil
	}
	return a.loop(ctx, t)
}

func (a *Agent) lastUserMessage() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := len(a.history) - 1; i >= 0; i-- {
		if a.history[i].Role == llm.RoleUser {
			return a.history[i].Content
		}
	}
	return ""
}

// prepare retrieves fresh graph context for query and renders the system
// prompt used for the rest of the turn.
func (a *Agent) prepare(ctx context.Context, query string) error {
	gctx, err := a.retriever.Retrieve(ctx, a.cfg.GraphKey, query)
	if err != nil {
		return fmt.Errorf("retrieve graph context: %w", err)
	}
	prompt := graphrag.BuildSystemPrompt(gctx, graphrag.PromptOptions{
		Role:     a.cfg.Role,
		ReadOnly: IsReadOnlyRole(a.cfg.Role),
	})
	a.mu.Lock()
	a.system = prompt
	a.mu.Unlock()
	return nil
}

func (a *Agent) loop(ctx context.Context, t *turn) (*Result, error) {
	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		resp, err := a.ask(ctx, t)
		if err != nil {
			return nil, err
		}
		for i := range resp.ToolCalls {
			if resp.ToolCalls[i].ID == "" {
				resp.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		a.mu.Lock()
		a.history = append(a.history, resp.Message())
		a.mu.Unlock()

		if len(resp.ToolCalls) == 0 {
			return a.result(t, ResultMessage, resp.Content), nil
		}
		if res := a.runToolCalls(ctx, t, resp.ToolCalls); res != nil {
			return res, nil
		}
	}

	notice := fmt.Sprintf("I stopped after %d tool rounds without reaching an answer. Ask me to continue or narrow the question.", a.cfg.MaxToolRounds)
	a.log.Warn("tool round budget exhausted", "rounds", a.cfg.MaxToolRounds)
	a.mu.Lock()
	a.history = append(a.history, llm.Message{Role: llm.RoleAssistant, Content: notice})
	a.mu.Unlock()
	t.emit(Event{Type: EventToken, Text: notice})
	return a.result(t, ResultMessage, notice), nil
}

func (a *Agent) result(t *turn, typ ResultType, message string) *Result {
	logs := t.logs
	if logs == nil {
		logs = []ToolCallLog{}
	}
	return &Result{Type: typ, Message: message, ToolCalls: logs, GraphChanged: t.changed}
}

func (a *Agent) ask(ctx context.Context, t *turn) (*llm.Response, error) {
	a.mu.RLock()
	msgs := make([]llm.Message, 0, len(a.history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.system})
	msgs = append(msgs, a.history...)
	a.mu.RUnlock()

	tools := a.tools.Definitions()
	opts := llm.Options{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Label:       "assistant.chat",
	}
	if !t.stream {
		return a.provider.ChatCompletionWithTools(ctx, msgs, tools, opts)
	}
	s, err := a.provider.StreamCompletionWithTools(ctx, msgs, tools, opts)
	if err != nil {
		return nil, err
	}
	return llm.Collect(s, func(ev llm.StreamEvent) {
		if ev.Type == llm.EventToken && ev.Text != "" {
			t.emit(Event{Type: EventToken, Text: ev.Text})
		}
	})
}

// runToolCalls executes calls in order. It returns a non-nil interrupt
// result at the first mutating call; the calls after it are deferred.
func (a *Agent) runToolCalls(ctx context.Context, t *turn, calls []llm.ToolCall) *Result {
	for i, call := range calls {
		args := a.parseArgs(call)
		log := ToolCallLog{ID: call.ID, Name: call.Name, Args: args}

		tool, ok := a.tools.Get(call.Name)
		if !ok {
			log.Status = StatusError
			a.recordToolResult(t, call, log, map[string]any{"error": "unknown tool: " + call.Name})
			continue
		}

		if tool.Mutating {
			action, err := tool.Propose(args)
			if err != nil {
				log.Status = StatusError
				a.recordToolResult(t, call, log, map[string]any{"error": err.Error()})
				continue
			}
			log.Status = StatusPending
			p := &PendingInterrupt{
				ToolCall:  call,
				Args:      args,
				Action:    *action,
				Executed:  slices.Clone(t.logs),
				Deferred:  slices.Clone(calls[i+1:]),
				CreatedAt: time.Now().UTC(),
			}
			a.mu.Lock()
			a.pending = p
			a.mu.Unlock()

			a.log.Info("action proposed", "tool", call.Name, "action", action.Describe())
			t.emit(Event{Type: EventInterrupt, ToolCall: &log, Action: action})
			res := a.result(t, ResultInterrupt, "")
			res.ProposedAction = action
			res.ToolCall = &log
			return res
		}

		t.emit(Event{Type: EventToolStart, ToolCall: &ToolCallLog{ID: call.ID, Name: call.Name, Args: args}})
		out, err := tool.Run(ctx, a.cfg.GraphKey, args)
		if err != nil {
			log.Status = StatusError
			a.recordToolResult(t, call, log, map[string]any{"error": err.Error()})
			continue
		}
		log.Status = StatusOK
		a.recordToolResult(t, call, log, out)
	}
	return nil
}

func (a *Agent) recordToolResult(t *turn, call llm.ToolCall, log ToolCallLog, result any) {
	log.Result = result
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	a.mu.Lock()
	a.history = append(a.history, llm.Message{
		Role:       llm.RoleTool,
		Content:    string(content),
		ToolCallID: call.ID,
		Name:       call.Name,
	})
	a.mu.Unlock()
	t.logs = append(t.logs, log)
	t.emit(Event{Type: EventToolResult, ToolCall: &log})
}

func (a *Agent) parseArgs(call llm.ToolCall) map[string]any {
	args, ok := call.ParsedArguments()
	if !ok {
		raw := []rune(call.Arguments)
		if len(raw) > 200 {
			raw = raw[:200]
		}
		a.log.Warn("malformed tool arguments, using empty object",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"raw", string(raw),
		)
	}
	return args
}
