package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/ingest"
	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/query"
	"github.com/rbaliyan/progress-events/internal/queue"
	"github.com/rbaliyan/progress-events/internal/source"
	"github.com/rbaliyan/progress-events/internal/store"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeIngest struct {
	err    error
	inputs []progress.Input
	users  []string
	stats  queue.Stats
}

func (f *fakeIngest) ProcessEvent(_ context.Context, in progress.Input, userID string) (ingest.Receipt, error) {
	if f.err != nil {
		return ingest.Receipt{}, f.err
	}
	if _, err := in.Record(userID, fixedNow); err != nil {
		return ingest.Receipt{}, err
	}
	f.inputs = append(f.inputs, in)
	f.users = append(f.users, userID)
	return ingest.Receipt{QueueID: "evt_1_1", Status: ingest.StatusAccepted, Message: "queued", Timestamp: fixedNow}, nil
}

func (f *fakeIngest) GetProcessingStats() queue.Stats { return f.stats }

type fakeQuery struct {
	err         error
	history     []store.StoredEvent
	lastUser    string
	lastType    string
	lastLimit   int
	deletedID   string
	deadLetters []store.DeadLetterEntry
}

func (f *fakeQuery) History(_ context.Context, userID, eventType string, limit int) ([]store.StoredEvent, error) {
	f.lastUser, f.lastType, f.lastLimit = userID, eventType, limit
	if eventType == "bogus" {
		return nil, fmt.Errorf("%w: %q", progress.ErrUnknownEventType, eventType)
	}
	return f.history, f.err
}

func (f *fakeQuery) IsPersonalizationReady(_ context.Context, userID string) (query.Readiness, error) {
	return query.Readiness{UserID: userID, Ready: true, Count: 60, Threshold: 50}, f.err
}

func (f *fakeQuery) Summary(_ context.Context, userID string) (*store.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &store.Summary{UserID: userID, Total: 2, ByType: []store.TypeSummary{
		{EventType: progress.TypeQuizAttempt, Count: 2, LastAt: fixedNow},
	}}, nil
}

func (f *fakeQuery) Delete(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	if id != "65a000000000000000000001" {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	f.deletedID = id
	return nil
}

func (f *fakeQuery) DeadLetters(_ context.Context, limit int) ([]store.DeadLetterEntry, error) {
	f.lastLimit = limit
	return f.deadLetters, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type unhealthyBroker struct{ broker.Noop }

func (unhealthyBroker) Health(context.Context) *transport.HealthCheckResult {
	return &transport.HealthCheckResult{Status: transport.HealthStatusUnhealthy, Message: "circuit open"}
}

type fakeSource struct{}

func (fakeSource) Stats() source.Stats { return source.Stats{Running: true, Published: 3} }

type testServer struct {
	*Server
	ingest *fakeIngest
	query  *fakeQuery
}

func newTestServer(t *testing.T, deps Deps, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{ingest: &fakeIngest{}, query: &fakeQuery{}}
	if deps.Ingest == nil {
		deps.Ingest = ts.ingest
	}
	if deps.Query == nil {
		deps.Query = ts.query
	}
	if deps.DB == nil {
		deps.DB = fakePinger{}
	}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)

	s, err := NewServer(Config{MaxBodyBytes: 1024}, deps, opts...)
	require.NoError(t, err)
	ts.Server = s
	return ts
}

func (ts *testServer) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const videoBody = `{"eventType":"video-watch","eventData":{"videoId":"v1","watchedDuration":30,"totalDuration":120}}`

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestCreateEvent_Accepted(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.do(http.MethodPost, "/events", videoBody, map[string]string{HeaderUserID: "user-1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	receipt := decode[ingest.Receipt](t, rec)
	assert.Equal(t, "evt_1_1", receipt.QueueID)
	assert.Equal(t, ingest.StatusAccepted, receipt.Status)
	assert.Equal(t, []string{"user-1"}, ts.ingest.users)
}

func TestCreateEvent_RequiresUserHeader(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.do(http.MethodPost, "/events", videoBody, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "x-user-id", resp.Fields[0].Field)
	assert.Empty(t, ts.ingest.inputs)
}

func TestCreateEvent_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, Deps{})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"eventType":`, "body"},
		{"unknown type", `{"eventType":"nope","eventData":{}}`, "eventType"},
		{"missing data", `{"eventType":"video-watch"}`, "eventData"},
		{"payload mismatch", `{"eventType":"quiz-attempt","eventData":{"videoId":"v1"}}`, "eventData.quizId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/events", tt.body, map[string]string{HeaderUserID: "u1"})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			resp := decode[ErrorResponse](t, rec)
			fields := make([]string, 0, len(resp.Fields))
			for _, f := range resp.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
	assert.Empty(t, ts.ingest.inputs)
}

func TestCreateEvent_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, Deps{})

	body := `{"eventType":"video-watch","eventData":{"videoId":"` + strings.Repeat("x", 2048) + `"}}`
	rec := ts.do(http.MethodPost, "/events", body, map[string]string{HeaderUserID: "u1"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateEvent_QueueClosed(t *testing.T) {
	ts := newTestServer(t, Deps{Ingest: &fakeIngest{err: fmt.Errorf("enqueue: %w", queue.ErrClosed)}})

	rec := ts.do(http.MethodPost, "/events", videoBody, map[string]string{HeaderUserID: "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateEvent_InternalError(t *testing.T) {
	ts := newTestServer(t, Deps{Ingest: &fakeIngest{err: errors.New("boom")}})

	rec := ts.do(http.MethodPost, "/events", videoBody, map[string]string{HeaderUserID: "u1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode[ErrorResponse](t, rec).Error)
}

func TestCreateEvent_RateLimited(t *testing.T) {
	rl := ratelimit.New(&ratelimit.Config{Rate: 1, Burst: 1, Interval: time.Hour})
	ts := newTestServer(t, Deps{}, WithRateLimiter(rl))
	t.Cleanup(func() { _ = rl.Close() })

	first := ts.do(http.MethodPost, "/events", videoBody, map[string]string{HeaderUserID: "u1"})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := ts.do(http.MethodPost, "/events", videoBody, map[string]string{HeaderUserID: "u1"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, Deps{Ingest: &fakeIngest{stats: queue.Stats{Total: 4, IsProcessing: true}}})

	rec := ts.do(http.MethodGet, "/events/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":4,"isProcessing":true}`, rec.Body.String())
}

func TestUserEvents(t *testing.T) {
	ts := newTestServer(t, Deps{})
	ts.query.history = []store.StoredEvent{{ID: "a", UserID: "u1", EventType: progress.TypeVideoWatch, Timestamp: fixedNow}}

	rec := ts.do(http.MethodGet, "/events/user/u1?eventType=video-watch&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events := decode[[]store.StoredEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "u1", ts.query.lastUser)
	assert.Equal(t, "video-watch", ts.query.lastType)
	assert.Equal(t, 5, ts.query.lastLimit)
}

func TestUserEvents_BadParameters(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.do(http.MethodGet, "/events/user/u1?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/events/user/u1?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/events/user/u1?eventType=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersonalizationReady(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.do(http.MethodGet, "/events/user/u1/is-personalization-ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"u1","ready":true,"count":60,"threshold":50}`, rec.Body.String())
}

func TestUserSummary(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.do(http.MethodGet, "/events/user/u1/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	summary := decode[store.Summary](t, rec)
	assert.Equal(t, "u1", summary.UserID)
	assert.Equal(t, int64(2), summary.Total)
	require.Len(t, summary.ByType, 1)
}

func TestDeleteEvent(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.do(http.MethodDelete, "/events/65a000000000000000000001", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "65a000000000000000000001", ts.query.deletedID)

	rec = ts.do(http.MethodDelete, "/events/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	ts := newTestServer(t, Deps{})
	ts.query.deadLetters = []store.DeadLetterEntry{{QueueID: "evt_1_1", Reason: queue.ReasonRetriesExhausted}}

	rec := ts.do(http.MethodGet, "/events/dead-letters?limit=20", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := decode[[]store.DeadLetterEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt_1_1", entries[0].QueueID)
	assert.Equal(t, 20, ts.query.lastLimit)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Deps{Ingest: &fakeIngest{stats: queue.Stats{Total: 2}}})

	rec := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, 2, resp.Queue.Total)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestHealthDB(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t, Deps{Broker: broker.Noop{}, Source: fakeSource{}})

		rec := ts.do(http.MethodGet, "/health/db", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[DependencyHealthResponse](t, rec)
		assert.Equal(t, StatusHealthy, resp.Status)
		assert.Equal(t, StatusHealthy, resp.Checks["mongodb"].Status)
		assert.Equal(t, StatusHealthy, resp.Checks["broker"].Status)
		require.NotNil(t, resp.Source)
		assert.Equal(t, int64(3), resp.Source.Published)
	})

	t.Run("database down", func(t *testing.T) {
		ts := newTestServer(t, Deps{DB: fakePinger{err: errors.New("no primary")}})

		rec := ts.do(http.MethodGet, "/health/db", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		resp := decode[DependencyHealthResponse](t, rec)
		assert.Equal(t, StatusUnhealthy, resp.Status)
		assert.Equal(t, "no primary", resp.Checks["mongodb"].Message)
		assert.NotContains(t, resp.Checks, "broker")
	})

	t.Run("broker down", func(t *testing.T) {
		ts := newTestServer(t, Deps{Broker: unhealthyBroker{}})

		rec := ts.do(http.MethodGet, "/health/db", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, StatusUnhealthy, decode[DependencyHealthResponse](t, rec).Checks["broker"].Status)
	})
}

func TestCORS(t *testing.T) {
	s, err := NewServer(Config{CORSOrigins: []string{"https://app.example"}},
		Deps{Ingest: &fakeIngest{}, Query: &fakeQuery{}, DB: fakePinger{}},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, "/events", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t, Deps{})
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
