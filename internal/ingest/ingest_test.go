package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/queue"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQueue struct {
	mu      sync.Mutex
	err     error
	records []progress.Record
}

func (q *fakeQueue) Enqueue(record progress.Record) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.records = append(q.records, record)
	return "evt_1_" + strconv.Itoa(len(q.records)), nil
}

func (q *fakeQueue) Stats() queue.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Total: len(q.records)}
}

func newTestService(t *testing.T, q Enqueuer) *Service {
	t.Helper()
	s, err := NewService(q, WithLogger(discardLogger()), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
}

func videoInput() progress.Input {
	return progress.Input{
		EventType: "video-watch",
		EventData: json.RawMessage(`{"videoId":"v1","watchedDuration":30,"totalDuration":120}`),
		Metadata:  map[string]any{"userAgent": "test"},
	}
}

func TestNewService_RequiresQueue(t *testing.T) {
	_, err := NewService(nil)
	assert.ErrorIs(t, err, ErrQueueRequired)
}

func TestProcessEvent_Accepted(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	receipt, err := s.ProcessEvent(context.Background(), videoInput(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, "evt_1_1", receipt.QueueID)
	assert.Equal(t, StatusAccepted, receipt.Status)
	assert.NotEmpty(t, receipt.Message)
	assert.Equal(t, fixedNow, receipt.Timestamp)

	require.Len(t, q.records, 1)
	rec := q.records[0]
	assert.Equal(t, progress.TypeVideoWatch, rec.Type)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, fixedNow, rec.Timestamp, "missing timestamp is stamped")
	assert.Equal(t, "test", rec.Metadata["userAgent"])
}

func TestProcessEvent_KeepsClientTimestamp(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	at := fixedNow.Add(-time.Hour)
	in := videoInput()
	in.Timestamp = &at

	_, err := s.ProcessEvent(context.Background(), in, "user-1")
	require.NoError(t, err)
	assert.Equal(t, at, q.records[0].Timestamp)
}

func TestProcessEvent_PayloadUserIDWins(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	in := progress.Input{
		EventType: "question-attempt",
		EventData: json.RawMessage(`{"questionId":"q1","isCorrect":false,"user":{"id":"nested"}}`),
	}
	_, err := s.ProcessEvent(context.Background(), in, "header-user")
	require.NoError(t, err)
	assert.Equal(t, "nested", q.records[0].UserID)
}

func TestProcessEvent_ValidationNotQueued(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	in := progress.Input{EventType: "video-watch", EventData: json.RawMessage(`{"videoId":""}`)}
	_, err := s.ProcessEvent(context.Background(), in, "user-1")
	require.Error(t, err)
	assert.True(t, progress.IsInvalid(err))
	assert.NotEmpty(t, progress.FieldErrors(err))
	assert.Empty(t, q.records)
}

func TestProcessEvent_QueueClosed(t *testing.T) {
	s := newTestService(t, &fakeQueue{err: queue.ErrClosed})

	_, err := s.ProcessEvent(context.Background(), videoInput(), "user-1")
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.False(t, progress.IsInvalid(err))
}

func TestGetProcessingStats(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	_, err := s.ProcessEvent(context.Background(), videoInput(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Total: 1}, s.GetProcessingStats())
}

func questionMessage(t *testing.T, v any) broker.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	msg := broker.NewMessage("question", data)
	msg.Timestamp = fixedNow.Add(-time.Minute)
	return msg
}

func TestHandleQuestion(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	correct := true
	msg := questionMessage(t, QuestionMessage{
		UserID:      "player-1",
		QuestionID:  "q42",
		IsCorrect:   &correct,
		TimeSpentMs: 1500,
		MatchID:     "m1",
	})

	require.NoError(t, s.HandleQuestion(context.Background(), msg))
	require.Len(t, q.records, 1)

	rec := q.records[0]
	assert.Equal(t, progress.TypeQuestionAttempt, rec.Type)
	assert.Equal(t, "player-1", rec.UserID)
	assert.Equal(t, msg.Timestamp, rec.Timestamp)
	assert.Equal(t, sourceBroker, rec.Metadata[MetadataSource])
	assert.Equal(t, msg.ID, rec.Metadata[MetadataMessageID])
	assert.Equal(t, "m1", rec.Metadata[MetadataMatchID])

	qa, ok := rec.Data.(*progress.QuestionAttempt)
	require.True(t, ok)
	assert.Equal(t, "q42", qa.QuestionID)
	assert.Equal(t, int64(1500), qa.TimeSpentMs)
}

func TestHandleQuestion_FallsBackToMessageUser(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	correct := false
	msg := questionMessage(t, QuestionMessage{QuestionID: "q1", IsCorrect: &correct})
	msg.UserID = "envelope-user"

	require.NoError(t, s.HandleQuestion(context.Background(), msg))
	assert.Equal(t, "envelope-user", q.records[0].UserID)
}

func TestHandleQuestion_Rejects(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(t, q)

	t.Run("undecodable", func(t *testing.T) {
		msg := broker.NewMessage("question", json.RawMessage(`"nope"`))
		err := s.HandleQuestion(context.Background(), msg)
		assert.ErrorIs(t, err, event.ErrReject)
		assert.ErrorIs(t, err, ErrInvalidQuestion)
	})

	t.Run("missing fields", func(t *testing.T) {
		err := s.HandleQuestion(context.Background(), questionMessage(t, map[string]any{"userId": "u1"}))
		assert.ErrorIs(t, err, event.ErrReject)
		assert.True(t, progress.IsInvalid(err))
	})

	assert.Empty(t, q.records)
}

func TestHandleQuestion_QueueClosedIsRetryable(t *testing.T) {
	s := newTestService(t, &fakeQueue{err: queue.ErrClosed})

	correct := true
	err := s.HandleQuestion(context.Background(), questionMessage(t, QuestionMessage{QuestionID: "q1", IsCorrect: &correct}))
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.NotErrorIs(t, err, event.ErrReject)
}

type fakeWriter struct {
	mu    sync.Mutex
	err   error
	byQID map[string]string
}

func (w *fakeWriter) Create(_ context.Context, _ progress.Record, queueID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	if w.byQID == nil {
		w.byQID = make(map[string]string)
	}
	if id, ok := w.byQID[queueID]; ok {
		return id, nil
	}
	id := "doc-" + strconv.Itoa(len(w.byQID)+1)
	w.byQID[queueID] = id
	return id, nil
}

type fakeBroker struct {
	mu     sync.Mutex
	err    error
	topics []string
	msgs   []broker.Message
}

func (b *fakeBroker) Publish(_ context.Context, topic string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.topics = append(b.topics, topic)
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string, broker.Handler) error { return nil }

func (b *fakeBroker) published() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.msgs...)
}

func testItem(t *testing.T) *queue.Item {
	t.Helper()
	rec, err := videoInput().Record("user-1", fixedNow)
	require.NoError(t, err)
	return &queue.Item{ID: "evt_1_1", Record: rec, EnqueuedAt: fixedNow}
}

func TestNewDelivery_RequiresStore(t *testing.T) {
	_, err := NewDelivery(nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestDelivery_PersistsThenPublishes(t *testing.T) {
	w := &fakeWriter{}
	b := &fakeBroker{}
	d, err := NewDelivery(w, WithBroker(b), WithDeliveryLogger(discardLogger()))
	require.NoError(t, err)

	require.NoError(t, d.Process(context.Background(), testItem(t)))

	msgs := b.published()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, []string{broker.TopicEvents}, b.topics)
	assert.Equal(t, "doc-1", msg.StoreID)
	assert.Equal(t, "evt_1_1", msg.QueueID)
	assert.Equal(t, "video-watch", msg.Type)
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, fixedNow, msg.Timestamp)
	assert.Equal(t, "test", msg.Metadata["userAgent"])
	assert.JSONEq(t, `{"videoId":"v1","watchedDuration":30,"totalDuration":120}`, string(msg.Data))
}

func TestDelivery_StoreFailureSkipsPublish(t *testing.T) {
	down := errors.New("store down")
	b := &fakeBroker{}
	d, err := NewDelivery(&fakeWriter{err: down}, WithBroker(b), WithDeliveryLogger(discardLogger()))
	require.NoError(t, err)

	err = d.Process(context.Background(), testItem(t))
	assert.ErrorIs(t, err, down)
	assert.Empty(t, b.published())
}

func TestDelivery_PublishFailureFailsAttempt(t *testing.T) {
	down := errors.New("broker down")
	w := &fakeWriter{}
	d, err := NewDelivery(w, WithBroker(&fakeBroker{err: down}), WithTopic("custom"), WithDeliveryLogger(discardLogger()))
	require.NoError(t, err)

	item := testItem(t)
	assert.ErrorIs(t, d.Process(context.Background(), item), down)

	// The retry reuses the stored document.
	b := &fakeBroker{}
	d.broker = b
	require.NoError(t, d.Process(context.Background(), item))
	assert.Equal(t, "doc-1", b.published()[0].StoreID)
	assert.Equal(t, []string{"custom"}, b.topics)
	assert.Len(t, w.byQID, 1)
}

func TestDelivery_WithoutBrokerOnlyPersists(t *testing.T) {
	w := &fakeWriter{}
	d, err := NewDelivery(w, WithDeliveryLogger(discardLogger()))
	require.NoError(t, err)

	require.NoError(t, d.Process(context.Background(), testItem(t)))
	assert.Len(t, w.byQID, 1)
}

func TestPipeline_QueueDrainsThroughDelivery(t *testing.T) {
	w := &fakeWriter{}
	b := &fakeBroker{}
	d, err := NewDelivery(w, WithBroker(b), WithDeliveryLogger(discardLogger()))
	require.NoError(t, err)

	q, err := queue.New(d, queue.WithDrainInterval(5*time.Millisecond), queue.WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, q.Start())

	s, err := NewService(q, WithLogger(discardLogger()))
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		_, err := s.ProcessEvent(context.Background(), videoInput(), "user-"+strconv.Itoa(i))
		require.NoError(t, err)
	}

	require.NoError(t, q.Stop(context.Background()))
	assert.Len(t, b.published(), 25)
	assert.Equal(t, 0, s.GetProcessingStats().Total)

	_, err = s.ProcessEvent(context.Background(), videoInput(), "late")
	assert.ErrorIs(t, err, queue.ErrClosed)
}
