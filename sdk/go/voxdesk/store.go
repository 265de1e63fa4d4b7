package voxdesk

import (
	"context"
	"errors"
	"sync"
)

// State is a snapshot of a store: the last loaded data, whether a load or
// mutation is in flight, and the message of the most recent failure.
// A failed operation keeps the previous Data.
type State[T any] struct {
	Data    T
	Loading bool
	Error   string
}

// keyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// store is the state machine shared by the typed stores. Concurrent fetches
// of the same key share one request; mutations on the same key run one at a
// time and are followed by a fresh fetch.
type store[T any] struct {
	c        *Client
	key      string
	fetch    func(ctx context.Context) (T, error)
	onChange func(State[T])

	mu    sync.Mutex
	state State[T]
}

func newStore[T any](c *Client, key string, fetch func(context.Context) (T, error), onChange func(State[T])) *store[T] {
	return &store[T]{c: c, key: key, fetch: fetch, onChange: onChange}
}

func (s *store[T]) snapshot() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *store[T]) update(fn func(*State[T])) {
	s.mu.Lock()
	fn(&s.state)
	st := s.state
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(st)
	}
}

// refresh loads the key, joining a fetch already in flight. The shared fetch
// runs detached from any one caller's context, bounded by the client timeout;
// each caller stops waiting when its own ctx is done.
func (s *store[T]) refresh(ctx context.Context) error {
	s.update(func(st *State[T]) { st.Loading = true })

	ch := s.c.flights.DoChan(s.key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.timeout)
		defer cancel()
		return s.fetch(fetchCtx)
	})

	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.update(func(st *State[T]) {
			st.Loading = false
			st.Error = err.Error()
		})
		return err
	}
	s.update(func(st *State[T]) {
		st.Data = v.(T)
		st.Loading = false
		st.Error = ""
	})
	return nil
}

// mutate runs op under the key's lock and then reloads. A fetch already in
// flight may predate op, so it is forgotten rather than joined.
//
// Once op succeeds the mutation has been applied, so mutate returns nil even
// if the reload fails; the reload error is left in State.Error.
func (s *store[T]) mutate(ctx context.Context, op func(ctx context.Context) error) error {
	unlock := s.c.locks.lock(s.key)
	defer unlock()

	s.update(func(st *State[T]) { st.Loading = true })
	if err := op(ctx); err != nil {
		s.update(func(st *State[T]) {
			st.Loading = false
			st.Error = err.Error()
		})
		return err
	}
	s.c.flights.Forget(s.key)
	_ = s.refresh(ctx)
	return nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// AgentStore tracks one agent.
type AgentStore struct {
	s       *store[*Agent]
	agentID string
}

// AgentStore returns a store for agentID. onChange, if non-nil, is called
// after every state transition.
func (c *Client) AgentStore(agentID string, onChange func(State[*Agent])) *AgentStore {
	fetch := func(ctx context.Context) (*Agent, error) { return c.GetAgent(ctx, agentID) }
	return &AgentStore{
		s:       newStore(c, "agent:"+agentID, fetch, onChange),
		agentID: agentID,
	}
}

// State returns the current snapshot.
func (a *AgentStore) State() State[*Agent] { return a.s.snapshot() }

// Refresh reloads the agent.
func (a *AgentStore) Refresh(ctx context.Context) error { return a.s.refresh(ctx) }

// Update patches the agent and reloads it. A nil error means the patch was
// applied; a failed reload only shows in State().Error.
func (a *AgentStore) Update(ctx context.Context, patch AgentPatch) error {
	return a.s.mutate(ctx, func(ctx context.Context) error {
		_, err := a.s.c.UpdateAgent(ctx, a.agentID, patch)
		return err
	})
}

// Delete deletes the agent and clears Data. Nothing is refetched.
func (a *AgentStore) Delete(ctx context.Context) error {
	unlock := a.s.c.locks.lock(a.s.key)
	defer unlock()

	a.s.update(func(st *State[*Agent]) { st.Loading = true })
	if err := a.s.c.DeleteAgent(ctx, a.agentID); err != nil {
		a.s.update(func(st *State[*Agent]) {
			st.Loading = false
			st.Error = err.Error()
		})
		return err
	}
	a.s.c.flights.Forget(a.s.key)
	a.s.update(func(st *State[*Agent]) {
		st.Data = nil
		st.Loading = false
		st.Error = ""
	})
	return nil
}

// ---------------------------------------------------------------------------
// MCP servers
// ---------------------------------------------------------------------------

// McpServerStore tracks the MCP servers of one agent.
type McpServerStore struct {
	s       *store[[]McpServer]
	agentID string
}

// McpServerStore returns a store for the MCP servers of agentID.
func (c *Client) McpServerStore(agentID string, onChange func(State[[]McpServer])) *McpServerStore {
	fetch := func(ctx context.Context) ([]McpServer, error) { return c.ListMcpServers(ctx, agentID) }
	return &McpServerStore{
		s:       newStore(c, "mcp:"+agentID, fetch, onChange),
		agentID: agentID,
	}
}

// State returns the current snapshot.
func (m *McpServerStore) State() State[[]McpServer] { return m.s.snapshot() }

// Refresh reloads the list.
func (m *McpServerStore) Refresh(ctx context.Context) error { return m.s.refresh(ctx) }

// Upsert creates or replaces a server and reloads the list.
func (m *McpServerStore) Upsert(ctx context.Context, in McpServerInput) error {
	return m.s.mutate(ctx, func(ctx context.Context) error {
		_, err := m.s.c.UpsertMcpServer(ctx, m.agentID, in)
		return err
	})
}

// Remove deletes the named server and reloads the list. As with Upsert, a
// failed reload is reported through State().Error, not the return value.
func (m *McpServerStore) Remove(ctx context.Context, name string) error {
	return m.s.mutate(ctx, func(ctx context.Context) error {
		return m.s.c.DeleteMcpServer(ctx, m.agentID, name)
	})
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// SessionStore tracks the caller's sessions, optionally for one agent.
type SessionStore struct {
	s       *store[[]Session]
	agentID string
}

// SessionStore returns a store listing sessions for agentID, or for every
// agent when agentID is empty.
func (c *Client) SessionStore(agentID string, onChange func(State[[]Session])) *SessionStore {
	fetch := func(ctx context.Context) ([]Session, error) {
		return c.ListSessions(ctx, SessionListOptions{AgentID: agentID})
	}
	return &SessionStore{
		s:       newStore(c, "sessions:"+agentID, fetch, onChange),
		agentID: agentID,
	}
}

// State returns the current snapshot.
func (ss *SessionStore) State() State[[]Session] { return ss.s.snapshot() }

// Refresh reloads the list, newest session first.
func (ss *SessionStore) Refresh(ctx context.Context) error { return ss.s.refresh(ctx) }

// Create opens a session and reloads the list.
func (ss *SessionStore) Create(ctx context.Context) (*Session, error) {
	if ss.agentID == "" {
		return nil, errNoAgent
	}
	var created *Session
	err := ss.s.mutate(ctx, func(ctx context.Context) error {
		var err error
		created, err = ss.s.c.CreateSession(ctx, ss.agentID)
		return err
	})
	return created, err
}

var errNoAgent = errors.New("voxdesk: session store has no agent")
