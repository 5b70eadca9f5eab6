// Package threads keeps live assistant conversations in memory and projects
// them to durable storage so any instance can pick a thread back up.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	threadrepo "github.com/yungbote/graphpilot-backend/internal/data/repos/assistant"
	types "github.com/yungbote/graphpilot-backend/internal/domain/assistant"
	"github.com/yungbote/graphpilot-backend/internal/llm"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent"
	"github.com/yungbote/graphpilot-backend/internal/pkg/dbctx"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/realtime"
	"github.com/yungbote/graphpilot-backend/internal/realtime/bus"
)

var ErrThreadNotFound = errors.New("threads: thread not found")

var idCounter atomic.Uint64

// GenerateThreadID returns thread_<unix millis>_<counter>_<8 hex>.
func GenerateThreadID() string {
	n := idCounter.Add(1)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("thread_%d_%d_%s", time.Now().UnixMilli(), n, random)
}

// AgentFactory builds a fresh agent for a thread.
type AgentFactory func(cfg agent.Config) (*agent.Agent, error)

// AgentDeps carries what the store needs to build or rebuild a thread's
// agent. Role overrides the persisted role when set.
type AgentDeps struct {
	NewAgent AgentFactory
	Role     string
}

type Thread struct {
	ThreadID  string
	GraphKey  string
	Workspace string
	UserID    string
	Role      string
	Agent     *agent.Agent

	CreatedTime     time.Time
	LastUpdatedTime time.Time
}

type Summary struct {
	ThreadID         string    `json:"threadId"`
	GraphKey         string    `json:"graphKey"`
	CreatedTime      time.Time `json:"createdTime"`
	LastUpdatedTime  time.Time `json:"lastUpdatedTime"`
	HasPendingAction bool      `json:"hasPendingAction"`

	Workspace string `json:"-"`
	UserID    string `json:"-"`
}

type Config struct {
	// InstanceID tags published events so this instance can skip its own.
	InstanceID string
	// ListLimit caps durable rows read by ListByGraph.
	ListLimit int
	// InitTimeout bounds the storage health check at construction.
	InitTimeout time.Duration
	// LoadTimeout bounds a coalesced reconstruction, which runs detached
	// from any single caller's cancellation.
	LoadTimeout time.Duration
	// IdleTTL evicts stored threads from the cache once untouched for this
	// long. Threads whose last save failed, and all threads in memory-only
	// mode, stay cached.
	IdleTTL time.Duration
}

type cacheEntry struct {
	thread  *Thread
	touched time.Time
	// unsaved marks a thread whose latest state never reached storage.
	unsaved bool
}

type Store struct {
	repo threadrepo.ThreadRepo
	bus  bus.Bus
	log  *logger.Logger
	cfg  Config
	now  func() time.Time

	durable bool
	loads   singleflight.Group

	mu        sync.RWMutex
	cache     map[string]*cacheEntry
	lastSweep time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore probes repo once. A nil repo, or one that fails its ping or
// migration, leaves the store in memory-only mode. b may be nil.
func NewStore(ctx context.Context, repo threadrepo.ThreadRepo, b bus.Bus, log *logger.Logger, cfg Config, opts ...Option) *Store {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 5 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	s := &Store{
		repo:  repo,
		bus:   b,
		log:   log.With("service", "ThreadStore"),
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		cache: map[string]*cacheEntry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.durable = s.probe(ctx)
	return s
}

func (s *Store) probe(ctx context.Context) bool {
	if s.repo == nil {
		s.log.Debug("no thread repo, running memory-only")
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		s.log.Debug("thread storage unreachable, running memory-only", "error", err)
		return false
	}
	if err := s.repo.AutoMigrate(ctx); err != nil {
		s.log.Debug("thread storage migration failed, running memory-only", "error", err)
		return false
	}
	return true
}

func (s *Store) Durable() bool { return s.durable }

func (s *Store) InstanceID() string { return s.cfg.InstanceID }

// StartSync evicts cached threads that another instance updated or deleted.
func (s *Store) StartSync(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.StartForwarder(ctx, s.onEvent)
}

func (s *Store) onEvent(ev realtime.Event) {
	if ev.FromOrigin(s.cfg.InstanceID) || ev.ThreadID == "" {
		return
	}
	switch ev.Type {
	case realtime.EventThreadUpdated, realtime.EventThreadDeleted:
		s.mu.Lock()
		_, ok := s.cache[ev.ThreadID]
		delete(s.cache, ev.ThreadID)
		s.mu.Unlock()
		if ok {
			s.log.Debug("evicted thread changed elsewhere", "thread_id", ev.ThreadID, "event", ev.Type, "origin", ev.Origin)
		}
	}
}

// Get only consults the in-memory cache. Use LoadThread to reconstruct a
// thread from storage.
func (s *Store) Get(id string) (*Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	return e.thread, true
}

// putLocked caches t and sweeps idle stored threads at most once per IdleTTL.
// s.mu must be held.
func (s *Store) putLocked(t *Thread, unsaved bool) {
	now := s.now()
	s.cache[t.ThreadID] = &cacheEntry{thread: t, touched: now, unsaved: unsaved}
	if !s.durable || now.Sub(s.lastSweep) < s.cfg.IdleTTL {
		return
	}
	s.lastSweep = now
	for id, e := range s.cache {
		if !e.unsaved && now.Sub(e.touched) >= s.cfg.IdleTTL {
			delete(s.cache, id)
		}
	}
}

func (s *Store) Create(ctx context.Context, graphKey, workspace, userID string, deps AgentDeps) (*Thread, error) {
	id := GenerateThreadID()
	role := deps.Role
	if role == "" {
		role = agent.RoleEditor
	}
	a, err := s.newAgent(deps, graphKey, id, role)
	if err != nil {
		return nil, err
	}
	now := s.now()
	t := &Thread{
		ThreadID:        id,
		GraphKey:        graphKey,
		Workspace:       workspace,
		UserID:          userID,
		Role:            role,
		Agent:           a,
		CreatedTime:     now,
		LastUpdatedTime: now,
	}
	s.mu.Lock()
	s.putLocked(t, true)
	s.mu.Unlock()
	s.log.Debug("thread created", "thread_id", id, "graph_key", graphKey)
	return t, nil
}

func (s *Store) newAgent(deps AgentDeps, graphKey, id, role string) (*agent.Agent, error) {
	if deps.NewAgent == nil {
		return nil, fmt.Errorf("threads: agent factory required")
	}
	a, err := deps.NewAgent(agent.Config{GraphKey: graphKey, ThreadID: id, Role: role})
	if err != nil {
		return nil, fmt.Errorf("build agent: %w", err)
	}
	return a, nil
}

// LoadThread returns the cached thread or rebuilds it from storage with its
// history and pending interrupt restored.
func (s *Store) LoadThread(ctx context.Context, id string, deps AgentDeps) (*Thread, error) {
	if t, ok := s.Get(id); ok {
		return t, nil
	}
	if !s.durable {
		return nil, ErrThreadNotFound
	}
	ch := s.loads.DoChan(id, func() (any, error) {
		if t, ok := s.Get(id); ok {
			return t, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LoadTimeout)
		defer cancel()
		t, err := s.load(lctx, id, deps)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.cache[id]; ok {
			return existing.thread, nil
		}
		s.putLocked(t, false)
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Thread), nil
	}
}

func (s *Store) load(ctx context.Context, id string, deps AgentDeps) (*Thread, error) {
	doc, err := s.repo.Get(dbctx.New(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}
	if doc == nil {
		return nil, ErrThreadNotFound
	}
	history, pending, err := decodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", id, err)
	}
	role := deps.Role
	if role == "" {
		role = doc.Role
	}
	a, err := s.newAgent(deps, doc.GraphKey, id, role)
	if err != nil {
		return nil, err
	}
	a.Restore(history, pending)
	s.log.Debug("thread reconstructed", "thread_id", id, "messages", len(history), "pending", pending != nil)
	return &Thread{
		ThreadID:        id,
		GraphKey:        doc.GraphKey,
		Workspace:       doc.Workspace,
		UserID:          doc.UserID,
		Role:            role,
		Agent:           a,
		CreatedTime:     doc.CreatedTime,
		LastUpdatedTime: doc.LastUpdatedTime,
	}, nil
}

// Save stamps the thread and writes its projection. Storage and bus failures
// are logged, never returned.
func (s *Store) Save(ctx context.Context, t *Thread) {
	if t == nil {
		return
	}
	s.mu.Lock()
	t.LastUpdatedTime = s.now()
	s.putLocked(t, true)
	s.mu.Unlock()

	saved := false
	if s.durable {
		doc, err := s.encodeDocument(t)
		if err != nil {
			s.log.Warn("thread encode failed", "thread_id", t.ThreadID, "error", err)
		} else if err := s.repo.Upsert(dbctx.New(ctx), doc); err != nil {
			s.log.Warn("thread save failed", "thread_id", t.ThreadID, "error", err)
		} else {
			saved = true
		}
	}
	if saved {
		s.mu.Lock()
		if e, ok := s.cache[t.ThreadID]; ok && e.thread == t {
			e.unsaved = false
		}
		s.mu.Unlock()
	}
	s.publish(ctx, realtime.EventThreadUpdated, t.ThreadID, t.GraphKey)
}

// Delete removes the thread from cache and storage. Unknown ids are not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.cache[id]
	delete(s.cache, id)
	s.mu.Unlock()

	if s.durable {
		if err := s.repo.Delete(dbctx.New(ctx), id); err != nil {
			return fmt.Errorf("delete thread %s: %w", id, err)
		}
	}
	graphKey := ""
	if ok {
		graphKey = e.thread.GraphKey
	}
	s.publish(ctx, realtime.EventThreadDeleted, id, graphKey)
	return nil
}

// ListByGraph merges cached and stored threads for a graph, newest first.
// Cached entries win over their stored copies. An empty workspace matches
// every workspace.
func (s *Store) ListByGraph(ctx context.Context, graphKey, workspace string) []Summary {
	seen := map[string]bool{}
	var out []Summary

	s.mu.RLock()
	for _, e := range s.cache {
		t := e.thread
		if t.GraphKey != graphKey || (workspace != "" && t.Workspace != workspace) {
			continue
		}
		seen[t.ThreadID] = true
		out = append(out, Summary{
			ThreadID:         t.ThreadID,
			GraphKey:         t.GraphKey,
			CreatedTime:      t.CreatedTime,
			LastUpdatedTime:  t.LastUpdatedTime,
			HasPendingAction: t.Agent != nil && t.Agent.State() == agent.StateAwaitingApproval,
			Workspace:        t.Workspace,
			UserID:           t.UserID,
		})
	}
	s.mu.RUnlock()

	if s.durable {
		docs, err := s.repo.ListByGraph(dbctx.New(ctx), graphKey, workspace, s.cfg.ListLimit)
		if err != nil {
			s.log.Warn("thread list failed, returning cached threads only", "graph_key", graphKey, "error", err)
		}
		for _, doc := range docs {
			if seen[doc.Key] {
				continue
			}
			seen[doc.Key] = true
			out = append(out, Summary{
				ThreadID:         doc.Key,
				GraphKey:         doc.GraphKey,
				CreatedTime:      doc.CreatedTime,
				LastUpdatedTime:  doc.LastUpdatedTime,
				HasPendingAction: doc.HasPendingInterrupt(),
				Workspace:        doc.Workspace,
				UserID:           doc.UserID,
			})
		}
	}

	slices.SortStableFunc(out, func(a, b Summary) int {
		return b.LastUpdatedTime.Compare(a.LastUpdatedTime)
	})
	return out
}

func (s *Store) publish(ctx context.Context, typ realtime.EventType, threadID, graphKey string) {
	if s.bus == nil {
		return
	}
	ev := realtime.Event{
		Type:     typ,
		ThreadID: threadID,
		GraphKey: graphKey,
		Origin:   s.cfg.InstanceID,
		Time:     s.now(),
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("thread event publish failed", "thread_id", threadID, "event", typ, "error", err)
	}
}

func (s *Store) encodeDocument(t *Thread) (*types.ThreadDocument, error) {
	history, err := json.Marshal(t.Agent.History())
	if err != nil {
		return nil, err
	}
	var pending []byte
	if p := t.Agent.PendingInterrupt(); p != nil {
		if pending, err = json.Marshal(p); err != nil {
			return nil, err
		}
	}
	return &types.ThreadDocument{
		Key:                 t.ThreadID,
		GraphKey:            t.GraphKey,
		Workspace:           t.Workspace,
		UserID:              t.UserID,
		Role:                t.Role,
		ConversationHistory: history,
		PendingInterrupt:    pending,
		CreatedTime:         t.CreatedTime,
		LastUpdatedTime:     t.LastUpdatedTime,
	}, nil
}

func decodeDocument(doc *types.ThreadDocument) ([]llm.Message, *agent.PendingInterrupt, error) {
	var history []llm.Message
	if len(doc.ConversationHistory) > 0 {
		if err := json.Unmarshal(doc.ConversationHistory, &history); err != nil {
			return nil, nil, fmt.Errorf("history: %w", err)
		}
	}
	if !doc.HasPendingInterrupt() {
		return history, nil, nil
	}
	var pending agent.PendingInterrupt
	if err := json.Unmarshal(doc.PendingInterrupt, &pending); err != nil {
		return nil, nil, fmt.Errorf("pending interrupt: %w", err)
	}
	return history, &pending, nil
}
