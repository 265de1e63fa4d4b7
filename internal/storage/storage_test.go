package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/storage"
	"github.com/ashita-ai/voxdesk/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newUserID() string {
	return "user_" + uuid.NewString()[:12]
}

func ptr[T any](v T) *T { return &v }

func createAgent(t *testing.T, userID string) model.Agent {
	t.Helper()
	a, err := testDB.CreateAgent(context.Background(), userID, model.AgentInput{
		Name:         "Demo",
		Instructions: "Say hi",
	})
	require.NoError(t, err)
	return a
}

func TestSetupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Setup(ctx))
	require.NoError(t, testDB.Setup(ctx))
}

func TestAgentCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()

	in := model.AgentInput{
		Name:         "Support",
		Instructions: "Answer billing questions",
		FirstMessage: ptr("Hello! How can I help?"),
		Language:     ptr("en-US"),
		Tools: []model.Tool{{
			Type:        "function",
			Name:        "lookup_invoice",
			Description: "Find an invoice by number",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"number":{"type":"string"}}}`),
		}},
		ToolLogic: map[string]model.ToolLogic{
			"lookup_invoice": {Kind: "http", Endpoint: "https://api.example.com/invoices", Method: "GET"},
		},
		DownstreamAgents: []model.AgentRef{{AgentID: "agent-2", Description: "Escalations"}},
	}

	created, err := testDB.CreateAgent(ctx, userID, in)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, userID, created.UserID)

	got, err := testDB.GetAgent(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Support", got.Name)
	assert.Equal(t, "Answer billing questions", got.Instructions)
	assert.Equal(t, "Hello! How can I help?", *got.FirstMessage)
	assert.Equal(t, "en-US", *got.Language)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "lookup_invoice", got.Tools[0].Name)
	assert.JSONEq(t, string(in.Tools[0].Parameters), string(got.Tools[0].Parameters))
	assert.Equal(t, "https://api.example.com/invoices", got.ToolLogic["lookup_invoice"].Endpoint)
	require.Len(t, got.DownstreamAgents, 1)
	assert.Equal(t, "agent-2", got.DownstreamAgents[0].AgentID)
}

func TestAgentWithoutToolsHasEmptyList(t *testing.T) {
	a := createAgent(t, newUserID())
	assert.NotNil(t, a.Tools)
	assert.Empty(t, a.Tools)
	assert.Nil(t, a.ToolLogic)
	assert.Nil(t, a.FirstMessage)
}

func TestGetAgentUnknown(t *testing.T) {
	_, err := testDB.GetAgent(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListAgentsScopedToUser(t *testing.T) {
	ctx := context.Background()
	alice, bob := newUserID(), newUserID()
	createAgent(t, alice)
	createAgent(t, alice)
	createAgent(t, bob)

	agents, err := testDB.ListAgents(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
	for _, a := range agents {
		assert.Equal(t, alice, a.UserID)
	}

	none, err := testDB.ListAgents(ctx, newUserID())
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestUpdateAgentPartial(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	a := createAgent(t, userID)

	updated, err := testDB.UpdateAgent(ctx, a.ID, userID, model.AgentPatch{
		Instructions: ptr("Say goodbye"),
		FirstMessage: ptr("Bye"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Demo", updated.Name, "unpatched field keeps its value")
	assert.Equal(t, "Say goodbye", updated.Instructions)
	assert.Equal(t, "Bye", *updated.FirstMessage)
	assert.False(t, updated.UpdatedAt.Before(a.UpdatedAt))

	cleared, err := testDB.UpdateAgent(ctx, a.ID, userID, model.AgentPatch{FirstMessage: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, cleared.FirstMessage)
	assert.Equal(t, "Say goodbye", cleared.Instructions)

	tools := []model.Tool{{Type: "function", Name: "ping"}}
	withTools, err := testDB.UpdateAgent(ctx, a.ID, userID, model.AgentPatch{Tools: &tools})
	require.NoError(t, err)
	require.Len(t, withTools.Tools, 1)
	assert.Equal(t, "ping", withTools.Tools[0].Name)
}

func TestUpdateAgentWrongOwner(t *testing.T) {
	a := createAgent(t, newUserID())
	_, err := testDB.UpdateAgent(context.Background(), a.ID, newUserID(), model.AgentPatch{Name: ptr("Stolen")})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteAgentCascades(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	a := createAgent(t, userID)

	_, err := testDB.UpsertMcpServer(ctx, a.ID, model.McpServer{Name: "files", Env: map[string]string{"ROOT": "/tmp"}})
	require.NoError(t, err)
	sess, err := testDB.CreateSession(ctx, model.Session{AgentID: &a.ID, UserID: &userID})
	require.NoError(t, err)
	_, err = testDB.LogEvent(ctx, userID, sess.ID, model.EventInput{
		ID: uuid.NewString(), Direction: model.DirectionInbound, EventName: "session.created",
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, testDB.DeleteAgent(ctx, a.ID, userID))

	_, err = testDB.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	servers, err := testDB.ListMcpServers(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, servers)

	got, err := testDB.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AgentID, "session is detached, not deleted")

	events, err := testDB.ListSessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.ErrorIs(t, testDB.DeleteAgent(ctx, a.ID, userID), storage.ErrNotFound)
}

func TestMcpServerUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	a := createAgent(t, newUserID())

	first, err := testDB.UpsertMcpServer(ctx, a.ID, model.McpServer{Name: "github", Env: map[string]string{"TOKEN": "a"}})
	require.NoError(t, err)
	assert.Equal(t, a.ID, first.AgentID)

	second, err := testDB.UpsertMcpServer(ctx, a.ID, model.McpServer{Name: "github", Env: map[string]string{"TOKEN": "b"}})
	require.NoError(t, err)
	assert.Equal(t, "b", second.Env["TOKEN"])
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at survives upsert")

	_, err = testDB.UpsertMcpServer(ctx, a.ID, model.McpServer{Name: "calendar"})
	require.NoError(t, err)

	servers, err := testDB.ListMcpServers(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "calendar", servers[0].Name)
	assert.NotNil(t, servers[0].Env)
	assert.Equal(t, "github", servers[1].Name)

	require.NoError(t, testDB.DeleteMcpServer(ctx, a.ID, "github"))
	assert.ErrorIs(t, testDB.DeleteMcpServer(ctx, a.ID, "github"), storage.ErrNotFound)
}

func TestUpsertMcpServerUnknownAgent(t *testing.T) {
	_, err := testDB.UpsertMcpServer(context.Background(), uuid.NewString(), model.McpServer{Name: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	_, err := testDB.CreateSession(context.Background(), model.Session{AgentID: ptr(uuid.NewString())})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListSessionsOrdering(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	base := time.Now().UTC().Truncate(time.Second)

	// Inserted out of order; two share a timestamp to exercise the id tiebreak.
	offsets := []time.Duration{2 * time.Minute, 0, 5 * time.Minute, 2 * time.Minute}
	for _, off := range offsets {
		_, err := testDB.CreateSession(ctx, model.Session{UserID: &userID, StartedAt: base.Add(off)})
		require.NoError(t, err)
	}

	sessions, err := testDB.ListSessions(ctx, model.SessionFilter{UserID: userID})
	require.NoError(t, err)
	require.Len(t, sessions, 4)
	for i := 1; i < len(sessions); i++ {
		prev, cur := sessions[i-1], sessions[i]
		assert.False(t, cur.StartedAt.After(prev.StartedAt), "started_at must be descending")
		if cur.StartedAt.Equal(prev.StartedAt) {
			assert.Less(t, prev.ID, cur.ID, "ties broken by id")
		}
	}
}

func TestLogEventCreatesSessionImplicitly(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	sessionID := "sess_" + uuid.NewString()

	ev, err := testDB.LogEvent(ctx, userID, sessionID, model.EventInput{
		ID:        uuid.NewString(),
		Direction: model.DirectionOutbound,
		EventName: "response.audio.delta",
		EventData: json.RawMessage(`{ "delta" : "abc" }`),
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, `{"delta":"abc"}`, ev.EventData)

	sess, err := testDB.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.AgentID)
	require.NotNil(t, sess.UserID)
	assert.Equal(t, userID, *sess.UserID)
}

func TestLogEventRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	owner, intruder := newUserID(), newUserID()
	sessionID := "sess_" + uuid.NewString()

	_, err := testDB.LogEvent(ctx, owner, sessionID, model.EventInput{
		ID: uuid.NewString(), Direction: model.DirectionInbound, EventName: "session.created",
	}, time.Now())
	require.NoError(t, err)

	_, err = testDB.LogEvent(ctx, intruder, sessionID, model.EventInput{
		ID: uuid.NewString(), Direction: model.DirectionInbound, EventName: "input_audio_buffer.append",
	}, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events, err := testDB.ListSessionEvents(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLogEventReplay(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	sessionID := "sess_" + uuid.NewString()
	in := model.EventInput{
		ID:        uuid.NewString(),
		Direction: model.DirectionInbound,
		EventName: "input_audio_buffer.committed",
		EventData: json.RawMessage(`{"item_id":"it_1"}`),
	}

	first, err := testDB.LogEvent(ctx, userID, sessionID, in, time.Now())
	require.NoError(t, err)

	// Same content with different whitespace is the same event.
	replay := in
	replay.EventData = json.RawMessage(`{"item_id": "it_1"}`)
	second, err := testDB.LogEvent(ctx, userID, sessionID, replay, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "replay returns the stored row")

	events, err := testDB.ListSessionEvents(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	changed := in
	changed.EventData = json.RawMessage(`{"item_id":"it_2"}`)
	_, err = testDB.LogEvent(ctx, userID, sessionID, changed, time.Now())
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestLogEventDistinctIDs(t *testing.T) {
	ctx := context.Background()
	sessionID := "sess_" + uuid.NewString()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := testDB.LogEvent(ctx, "", sessionID, model.EventInput{
			ID: uuid.NewString(), Direction: model.DirectionInbound, EventName: "tick",
		}, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	events, err := testDB.ListSessionEvents(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "null", events[0].EventData)
	assert.True(t, events[0].CreatedAt.Before(events[2].CreatedAt))
}

func TestLogEventConcurrentSameSession(t *testing.T) {
	ctx := context.Background()
	sessionID := "sess_" + uuid.NewString()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.LogEvent(ctx, "", sessionID, model.EventInput{
				ID: uuid.NewString(), Direction: model.DirectionInbound, EventName: "tick",
			}, time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Every successful call stored exactly one row.
	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	events, err := testDB.ListSessionEvents(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, events, ok)
	assert.Positive(t, ok)
}

func TestLogEventConcurrentReplay(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	sessionID := "sess_" + uuid.NewString()
	in := model.EventInput{
		ID:        uuid.NewString(),
		Direction: model.DirectionOutbound,
		EventName: "response.create",
		EventData: json.RawMessage(`{"n":1}`),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.LogEvent(ctx, userID, sessionID, in, time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Identical retries racing each other are replays, never conflicts.
	for err := range errs {
		assert.NoError(t, err)
	}
	events, err := testDB.ListSessionEvents(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBudgetLifecycle(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	now := time.Now().UTC()
	refresh := 720 * time.Hour

	b, err := testDB.EnsureUserBudget(ctx, userID, 5.0, now.Add(refresh))
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, b.PlanType)
	assert.InDelta(t, 5.0, b.TotalBudget, 1e-9)
	assert.Zero(t, b.UsedAmount)

	again, err := testDB.EnsureUserBudget(ctx, userID, 99.0, now)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, again.TotalBudget, 1e-9, "ensure never overwrites")

	charged, err := testDB.ChargeUsage(ctx, userID, "sess-a", 4.5, now, refresh)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, charged.UsedAmount, 1e-9)

	_, err = testDB.ChargeUsage(ctx, userID, "sess-b", 0.75, now, refresh)
	assert.ErrorIs(t, err, storage.ErrBudgetExceeded)

	got, err := testDB.GetUserBudget(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, got.UsedAmount, 1e-9, "rejected charge writes nothing")

	// Once the refresh date passes the charge applies against a reset budget.
	later := got.NextRefreshDate.Add(time.Minute)
	after, err := testDB.ChargeUsage(ctx, userID, "sess-b", 0.75, later, refresh)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, after.UsedAmount, 1e-9)
	assert.True(t, after.NextRefreshDate.After(later))
}

func TestChargeUsageReplay(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	now := time.Now().UTC()

	_, err := testDB.EnsureUserBudget(ctx, userID, 5.0, now.Add(time.Hour))
	require.NoError(t, err)

	first, err := testDB.ChargeUsage(ctx, userID, "sess-1", 1.5, now, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, first.UsedAmount, 1e-9)

	replay, err := testDB.ChargeUsage(ctx, userID, "sess-1", 1.5, now, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, replay.UsedAmount, 1e-9, "a replayed session is not charged again")

	// A replay still succeeds once the budget could not fit it again.
	_, err = testDB.ChargeUsage(ctx, userID, "sess-2", 3.5, now, time.Hour)
	require.NoError(t, err)
	replay, err = testDB.ChargeUsage(ctx, userID, "sess-1", 1.5, now, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, replay.UsedAmount, 1e-9)
}

func TestChargeUsageConcurrentReplay(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	now := time.Now().UTC()

	_, err := testDB.EnsureUserBudget(ctx, userID, 5.0, now.Add(time.Hour))
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = testDB.ChargeUsage(ctx, userID, "sess-1", 0.5, now, time.Hour)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	b, err := testDB.GetUserBudget(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, b.UsedAmount, 1e-9)
}

func TestRefreshDueBudgets(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	now := time.Now().UTC()

	_, err := testDB.EnsureUserBudget(ctx, userID, 5.0, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = testDB.ChargeUsage(ctx, userID, "sess-a", 1.0, now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	n, err := testDB.RefreshDueBudgets(ctx, now, 720*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	b, err := testDB.GetUserBudget(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, b.UsedAmount)
	assert.True(t, b.NextRefreshDate.After(now))
}

func TestSetUserPlan(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	_, err := testDB.EnsureUserBudget(ctx, userID, 5.0, time.Now().Add(time.Hour))
	require.NoError(t, err)

	b, err := testDB.SetUserPlan(ctx, userID, model.PlanBYOK, ptr("sealed:v1:abc"))
	require.NoError(t, err)
	assert.Equal(t, model.PlanBYOK, b.PlanType)
	require.NotNil(t, b.OpenAIAPIKey)

	_, err = testDB.ChargeUsage(ctx, userID, "sess-a", 0.1, time.Now(), time.Hour)
	assert.ErrorIs(t, err, storage.ErrBudgetExceeded, "byok budgets are never charged")

	_, err = testDB.SetUserPlan(ctx, userID, model.PlanBYOK, nil)
	assert.Error(t, err, "byok without a key violates the check constraint")

	_, err = testDB.SetUserPlan(ctx, newUserID(), model.PlanFree, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()

	c, err := testDB.CreateCredential(ctx, model.Credential{
		UserID: userID, Prefix: "abcd1234", KeyHash: "$argon2id$fake", Label: "ci",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, c.ID)

	creds, err := testDB.ListCredentialsByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Nil(t, creds[0].LastUsedAt)

	require.NoError(t, testDB.TouchCredential(ctx, c.ID))
	creds, err = testDB.ListCredentialsByUser(ctx, userID)
	require.NoError(t, err)
	assert.NotNil(t, creds[0].LastUsedAt)

	err = testDB.RevokeCredential(ctx, c.ID, "someone-else")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.RevokeCredential(ctx, c.ID, userID))
	creds, err = testDB.ListCredentialsByUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, creds)

	err = testDB.RevokeCredential(ctx, c.ID, userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreditTopUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	_, err := testDB.EnsureUserBudget(ctx, userID, 5.0, time.Now().Add(time.Hour))
	require.NoError(t, err)

	checkoutID := "cs_test_" + uuid.NewString()
	b, applied, err := testDB.CreditTopUp(ctx, checkoutID, userID, 10.0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.InDelta(t, 15.0, b.TotalBudget, 1e-9)

	_, applied, err = testDB.CreditTopUp(ctx, checkoutID, userID, 10.0)
	require.NoError(t, err)
	assert.False(t, applied, "redelivered checkout credits nothing")

	got, err := testDB.GetUserBudget(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, got.TotalBudget, 1e-9)
}
