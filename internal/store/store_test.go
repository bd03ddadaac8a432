package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	eventerrors "github.com/rbaliyan/event/v3/errors"

	"github.com/rbaliyan/progress-events/internal/progress"
)

func TestNewStores_NilCollection(t *testing.T) {
	_, err := NewEventStore(nil)
	assert.ErrorIs(t, err, ErrCollectionRequired)
	assert.ErrorIs(t, err, eventerrors.ErrInvalidArgument)

	_, err = NewDeadLetterStore(nil)
	assert.ErrorIs(t, err, ErrCollectionRequired)
}

func TestConnect_RequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), ConnectConfig{})
	assert.ErrorIs(t, err, ErrURIRequired)
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-5, DefaultLimit},
		{1, 1},
		{250, 250},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeLimit(tt.in), "limit %d", tt.in)
	}
}

func TestBuildEventFilter(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, bson.M{}, buildEventFilter(Filter{}))
	})

	t.Run("user and type", func(t *testing.T) {
		f := buildEventFilter(Filter{UserID: "u1", EventType: progress.TypeVideoWatch, Limit: 5})
		assert.Equal(t, bson.M{"userId": "u1", "eventType": "video-watch"}, f)
	})

	t.Run("time range", func(t *testing.T) {
		f := buildEventFilter(Filter{Since: since, Until: until})
		assert.Equal(t, bson.M{"timestamp": bson.M{"$gte": since, "$lt": until}}, f)
	})

	t.Run("open ended", func(t *testing.T) {
		f := buildEventFilter(Filter{Since: since})
		assert.Equal(t, bson.M{"timestamp": bson.M{"$gte": since}}, f)
	})
}

func TestBuildDeadLetterFilter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f := buildDeadLetterFilter(DeadLetterFilter{Reason: "shutdown", UserID: "u1", StartTime: start, Limit: 3})
	assert.Equal(t, bson.M{
		"reason":     "shutdown",
		"user_id":    "u1",
		"dropped_at": bson.M{"$gte": start},
	}, f)
}

func TestEventStore_Indexes(t *testing.T) {
	s := &EventStore{}
	indexes := s.Indexes()
	require.Len(t, indexes, 3)
	assert.Equal(t, bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}}, indexes[0].Keys)
	assert.Equal(t, bson.D{{Key: "queueId", Value: 1}}, indexes[2].Keys)
}

func TestDeadLetterStore_Indexes(t *testing.T) {
	s := &DeadLetterStore{}
	assert.Len(t, s.Indexes(), 2)

	WithTTL(time.Hour)(s)
	indexes := s.Indexes()
	require.Len(t, indexes, 3)
	assert.Equal(t, bson.D{{Key: "dropped_at", Value: 1}}, indexes[2].Keys)

	WithTTL(0)(s)
	assert.Equal(t, time.Hour, s.ttl, "non-positive TTL is ignored")
}

func TestConvertBSONTypes(t *testing.T) {
	oid := bson.NewObjectID()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	in := bson.D{
		{Key: "id", Value: oid},
		{Key: "at", Value: bson.NewDateTimeFromTime(at)},
		{Key: "nested", Value: bson.D{{Key: "list", Value: bson.A{int32(1), "two"}}}},
		{Key: "plain", Value: "x"},
	}

	got := convertBSONTypes(in)
	assert.Equal(t, map[string]any{
		"id": oid.Hex(),
		"at": "2024-03-01T12:00:00Z",
		"nested": map[string]any{
			"list": []any{int32(1), "two"},
		},
		"plain": "x",
	}, got)

	assert.Nil(t, bsonMToMap(nil))
}

// rawField encodes v the way it sits inside a stored document and returns it
// as the RawValue the read path decodes.
func rawField(t *testing.T, v any) bson.RawValue {
	t.Helper()
	b, err := bson.Marshal(bson.M{"eventData": v})
	require.NoError(t, err)
	var doc struct {
		EventData bson.RawValue `bson:"eventData"`
	}
	require.NoError(t, bson.Unmarshal(b, &doc))
	return doc.EventData
}

func TestDecodeData_TypedVariant(t *testing.T) {
	score := 7.5
	var data progress.Data = &progress.QuizAttempt{
		QuizID:   "quiz-1",
		Score:    &score,
		MaxScore: 10,
		Answers: []progress.QuizAnswer{
			{QuestionID: "q1", Answer: "b", Correct: true},
		},
	}

	got, err := decodeData(string(progress.TypeQuizAttempt), rawField(t, data))
	require.NoError(t, err)

	quiz, ok := got.(*progress.QuizAttempt)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "quiz-1", quiz.QuizID)
	require.NotNil(t, quiz.Score)
	assert.InDelta(t, 7.5, *quiz.Score, 1e-9)
	require.Len(t, quiz.Answers, 1)
	assert.Equal(t, "b", quiz.Answers[0].Answer)
	assert.True(t, quiz.Answers[0].Correct)
}

func TestDecodeData_UnknownTypeFallsBackToMap(t *testing.T) {
	got, err := decodeData("legacy-event", rawField(t, bson.M{"foo": "bar"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar"}, got)
}

func TestDecodeData_Missing(t *testing.T) {
	got, err := decodeData(string(progress.TypeVideoWatch), bson.RawValue{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDocumentJSON(t *testing.T) {
	oid := bson.NewObjectID()
	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: oid},
		{Key: "userId", Value: "u1"},
		{Key: "isCorrect", Value: true},
		{Key: "answeredAt", Value: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	got, err := DocumentJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"`+oid.Hex()+`","userId":"u1","isCorrect":true,"answeredAt":"2024-03-01T12:00:00Z"}`, string(got))

	_, err = DocumentJSON(bson.Raw{0x01})
	assert.Error(t, err)
}
