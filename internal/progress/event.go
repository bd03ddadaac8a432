// Package progress defines the progress event record accepted by the service.
//
// A record pairs an EventType with a typed payload (Data). Each event type has
// exactly one payload variant, and the variant decides which fields are
// required:
//
//	quiz-attempt       QuizAttempt       quizId, score, answers
//	video-watch        VideoWatch        videoId, watchedDuration, totalDuration
//	tutor-interaction  TutorInteraction  sessionId, messages
//	question-attempt   QuestionAttempt   questionId, isCorrect
//
// Payloads are validated at the ingestion boundary. Anything that fails here
// is rejected synchronously and never reaches the queue.
package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnknownUserID is used when no user identity can be resolved.
const UnknownUserID = "unknown"

// EventType identifies the kind of progress event.
type EventType string

const (
	TypeQuizAttempt      EventType = "quiz-attempt"
	TypeVideoWatch       EventType = "video-watch"
	TypeTutorInteraction EventType = "tutor-interaction"
	TypeQuestionAttempt  EventType = "question-attempt"
)

// EventTypes returns every supported event type.
func EventTypes() []EventType {
	return []EventType{TypeQuizAttempt, TypeVideoWatch, TypeTutorInteraction, TypeQuestionAttempt}
}

// ParseEventType converts s into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	for _, known := range EventTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

func (t EventType) String() string { return string(t) }

// Record is a validated progress event ready for queueing.
type Record struct {
	Type      EventType      `json:"eventType"`
	Data      Data           `json:"eventData"`
	UserID    string         `json:"userId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Input is the wire shape submitted by clients.
type Input struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Record validates the input and builds a Record. The user id is resolved
// with ResolveUserID using requestUserID as the request-level identity, and
// now is stamped when the caller supplied no timestamp.
func (in Input) Record(requestUserID string, now time.Time) (Record, error) {
	if strings.TrimSpace(in.EventType) == "" {
		return Record{}, invalidField("eventType", "is required")
	}
	t, err := ParseEventType(in.EventType)
	if err != nil {
		return Record{}, &ValidationError{
			Fields: []FieldError{{Field: "eventType", Message: fmt.Sprintf("must be one of %s", typeList())}},
			cause:  err,
		}
	}

	data, err := ParseData(t, in.EventData)
	if err != nil {
		return Record{}, err
	}

	var payload map[string]any
	_ = json.Unmarshal(in.EventData, &payload) // already known to be an object

	ts := now.UTC()
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		ts = in.Timestamp.UTC()
	}

	return Record{
		Type:      t,
		Data:      data,
		UserID:    ResolveUserID(payload, requestUserID),
		Metadata:  in.Metadata,
		Timestamp: ts,
	}, nil
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	var v violations
	if _, err := ParseEventType(string(r.Type)); err != nil {
		v.add("eventType", "must be one of %s", typeList())
	}
	if r.Data == nil {
		v.add("eventData", "is required")
	} else if r.Data.EventType() != r.Type {
		v.add("eventData", "payload of type %s does not match %s", r.Data.EventType(), r.Type)
	}
	if strings.TrimSpace(r.UserID) == "" {
		v.add("userId", "is required")
	}
	return v.err()
}

// NewData returns an empty payload variant for t.
func NewData(t EventType) (Data, error) {
	switch t {
	case TypeQuizAttempt:
		return &QuizAttempt{}, nil
	case TypeVideoWatch:
		return &VideoWatch{}, nil
	case TypeTutorInteraction:
		return &TutorInteraction{}, nil
	case TypeQuestionAttempt:
		return &QuestionAttempt{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

// ParseData decodes raw into the variant for t and validates it. Fields the
// variant does not declare are ignored; callers may carry userId or user
// inside eventData for ResolveUserID.
func ParseData(t EventType, raw json.RawMessage) (Data, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, invalidField("eventData", "is required")
	}
	if trimmed[0] != '{' {
		return nil, invalidField("eventData", "must be an object")
	}

	data, err := NewData(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trimmed, data); err != nil {
		return nil, invalidField("eventData", "does not match %s: %v", t, err)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}

func typeList() string {
	types := EventTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
