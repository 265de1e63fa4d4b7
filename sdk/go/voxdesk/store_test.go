package voxdesk

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentStoreRefreshAndUpdate(t *testing.T) {
	var mu sync.Mutex
	current := Agent{ID: "a1", Name: "Receptionist"}

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			writeJSON(w, http.StatusOK, current)
		},
		"PATCH /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			var p AgentPatch
			_ = json.NewDecoder(r.Body).Decode(&p)
			mu.Lock()
			defer mu.Unlock()
			if p.Name != nil {
				current.Name = *p.Name
			}
			writeJSON(w, http.StatusOK, current)
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	var transitions []State[*Agent]
	store := c.AgentStore("a1", func(s State[*Agent]) { transitions = append(transitions, s) })

	require.NoError(t, store.Refresh(ctx))
	st := store.State()
	require.NotNil(t, st.Data)
	assert.Equal(t, "Receptionist", st.Data.Name)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Error)
	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Loading)
	assert.False(t, transitions[1].Loading)

	name := "Front Desk"
	require.NoError(t, store.Update(ctx, AgentPatch{Name: &name}))
	assert.Equal(t, "Front Desk", store.State().Data.Name)
}

func TestAgentStoreFailedMutationKeepsData(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, Agent{ID: "a1", Name: "Receptionist"})
		},
		"PATCH /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusBadRequest, "validation", "name too long")
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	store := c.AgentStore("a1", nil)
	require.NoError(t, store.Refresh(ctx))

	name := "x"
	err := store.Update(ctx, AgentPatch{Name: &name})
	assert.True(t, IsValidation(err))

	st := store.State()
	require.NotNil(t, st.Data)
	assert.Equal(t, "Receptionist", st.Data.Name)
	assert.False(t, st.Loading)
	assert.Contains(t, st.Error, "name too long")
}

func TestAgentStoreDeleteClearsData(t *testing.T) {
	var gets atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			gets.Add(1)
			writeJSON(w, http.StatusOK, Agent{ID: "a1", Name: "Receptionist"})
		},
		"DELETE /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	store := c.AgentStore("a1", nil)
	require.NoError(t, store.Refresh(ctx))
	require.NoError(t, store.Delete(ctx))

	st := store.State()
	assert.Nil(t, st.Data)
	assert.Empty(t, st.Error)
	assert.Equal(t, int32(1), gets.Load(), "delete must not refetch")
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	var gets atomic.Int32
	release := make(chan struct{})
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/mcp-servers/{agentId}": func(w http.ResponseWriter, r *http.Request) {
			gets.Add(1)
			<-release
			writeJSON(w, http.StatusOK, []McpServer{{AgentID: "a1", Name: "calendar"}})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	// Warm the token so both refreshes go straight to the fetch.
	_, err := c.tokenMgr.getToken(ctx)
	require.NoError(t, err)

	s1 := c.McpServerStore("a1", nil)
	s2 := c.McpServerStore("a1", nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, s1.Refresh(ctx)) }()
	go func() { defer wg.Done(); assert.NoError(t, s2.Refresh(ctx)) }()

	// Give both goroutines time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), gets.Load())
	require.Len(t, s1.State().Data, 1)
	require.Len(t, s2.State().Data, 1)
	assert.Equal(t, "calendar", s2.State().Data[0].Name)
}

func TestMcpServerStoreUpsertReloads(t *testing.T) {
	var mu sync.Mutex
	servers := []McpServer{}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/mcp-servers/{agentId}": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			writeJSON(w, http.StatusOK, servers)
		},
		"POST /api/mcp-servers": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AgentID string         `json:"agentId"`
				Server  McpServerInput `json:"server"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			s := McpServer{AgentID: req.AgentID, Name: req.Server.Name, Env: req.Server.Env}
			mu.Lock()
			servers = append(servers, s)
			mu.Unlock()
			writeJSON(w, http.StatusOK, s)
		},
		"DELETE /api/mcp-servers/{agentId}/{name}": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			servers = servers[:0]
			mu.Unlock()
			writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	store := c.McpServerStore("a1", nil)
	require.NoError(t, store.Upsert(ctx, McpServerInput{Name: "calendar", Env: map[string]string{"K": "v"}}))
	require.Len(t, store.State().Data, 1)
	assert.Equal(t, "calendar", store.State().Data[0].Name)

	require.NoError(t, store.Remove(ctx, "calendar"))
	assert.Empty(t, store.State().Data)
}

func TestSessionStoreCreate(t *testing.T) {
	var mu sync.Mutex
	sessions := []Session{}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/sessions": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			writeJSON(w, http.StatusOK, sessions)
		},
		"POST /api/sessions": func(w http.ResponseWriter, r *http.Request) {
			agentID := "a1"
			s := Session{ID: "s1", AgentID: &agentID, StartedAt: time.Now()}
			mu.Lock()
			sessions = append([]Session{s}, sessions...)
			mu.Unlock()
			writeJSON(w, http.StatusCreated, s)
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	store := c.SessionStore("a1", nil)
	created, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", created.ID)
	require.Len(t, store.State().Data, 1)

	_, err = c.SessionStore("", nil).Create(ctx)
	assert.Error(t, err)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.lock("a")
	done := make(chan struct{})
	go func() {
		u := k.lock("a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

func TestSharedFetchSurvivesJoinerCancel(t *testing.T) {
	var gets atomic.Int32
	release := make(chan struct{})
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/agents/{id}": func(w http.ResponseWriter, r *http.Request) {
			gets.Add(1)
			<-release
			writeJSON(w, http.StatusOK, Agent{ID: "a1", Name: "Receptionist"})
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.tokenMgr.getToken(context.Background())
	require.NoError(t, err)

	a := c.AgentStore("a1", nil)
	b := c.AgentStore("a1", nil)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	aErr := make(chan error, 1)
	go func() { aErr <- a.Refresh(short) }()
	time.Sleep(10 * time.Millisecond)

	bErr := make(chan error, 1)
	go func() { bErr <- b.Refresh(context.Background()) }()

	// A gives up on its own deadline while the shared fetch keeps going.
	assert.ErrorIs(t, <-aErr, context.DeadlineExceeded)
	assert.Contains(t, a.State().Error, "deadline exceeded")

	close(release)
	require.NoError(t, <-bErr)

	st := b.State()
	require.NotNil(t, st.Data)
	assert.Equal(t, "Receptionist", st.Data.Name)
	assert.Empty(t, st.Error)
	assert.Equal(t, int32(1), gets.Load())
}

func TestMutationAppliedDespiteReloadFailure(t *testing.T) {
	var deletes atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/mcp-servers/{agentId}": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusInternalServerError, "storage", "boom")
		},
		"DELETE /api/mcp-servers/{agentId}/{name}": func(w http.ResponseWriter, r *http.Request) {
			deletes.Add(1)
			writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
		},
	})
	c := newTestClient(t, srv.URL)

	store := c.McpServerStore("a1", nil)
	require.NoError(t, store.Remove(context.Background(), "calendar"))
	assert.Equal(t, int32(1), deletes.Load())

	st := store.State()
	assert.False(t, st.Loading)
	assert.Contains(t, st.Error, "boom")
}
