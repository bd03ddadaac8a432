package progress

import "time"

// Data is the typed payload of a progress event. It is a closed set: the
// implementations in this file are the only variants.
type Data interface {
	// EventType returns the event type the payload belongs to.
	EventType() EventType
	// Validate reports missing or inconsistent fields.
	Validate() error

	isData()
}

// QuizAnswer is one answered question inside a quiz attempt.
type QuizAnswer struct {
	QuestionID string `json:"questionId" bson:"questionId"`
	Answer     any    `json:"answer,omitempty" bson:"answer,omitempty"`
	Correct    bool   `json:"correct" bson:"correct"`
}

// QuizAttempt records a finished quiz.
type QuizAttempt struct {
	QuizID      string       `json:"quizId" bson:"quizId"`
	Score       *float64     `json:"score" bson:"score"`
	MaxScore    float64      `json:"maxScore,omitempty" bson:"maxScore,omitempty"`
	Answers     []QuizAnswer `json:"answers" bson:"answers"`
	TimeSpentMs int64        `json:"timeSpentMs,omitempty" bson:"timeSpentMs,omitempty"`
}

func (*QuizAttempt) EventType() EventType { return TypeQuizAttempt }
func (*QuizAttempt) isData()              {}

func (q *QuizAttempt) Validate() error {
	var v violations
	if q.QuizID == "" {
		v.add("eventData.quizId", "is required")
	}
	switch {
	case q.Score == nil:
		v.add("eventData.score", "is required")
	case *q.Score < 0:
		v.add("eventData.score", "must not be negative")
	case q.MaxScore > 0 && *q.Score > q.MaxScore:
		v.add("eventData.score", "must not exceed maxScore")
	}
	if q.Answers == nil {
		v.add("eventData.answers", "is required")
	}
	for i, a := range q.Answers {
		if a.QuestionID == "" {
			v.add("eventData.answers", "answer %d is missing questionId", i)
		}
	}
	if q.TimeSpentMs < 0 {
		v.add("eventData.timeSpentMs", "must not be negative")
	}
	return v.err()
}

// VideoWatch records how much of a video was watched. Durations are seconds.
type VideoWatch struct {
	VideoID         string   `json:"videoId" bson:"videoId"`
	CourseID        string   `json:"courseId,omitempty" bson:"courseId,omitempty"`
	WatchedDuration *float64 `json:"watchedDuration" bson:"watchedDuration"`
	TotalDuration   *float64 `json:"totalDuration" bson:"totalDuration"`
}

func (*VideoWatch) EventType() EventType { return TypeVideoWatch }
func (*VideoWatch) isData()              {}

func (w *VideoWatch) Validate() error {
	var v violations
	if w.VideoID == "" {
		v.add("eventData.videoId", "is required")
	}
	if w.WatchedDuration == nil {
		v.add("eventData.watchedDuration", "is required")
	} else if *w.WatchedDuration < 0 {
		v.add("eventData.watchedDuration", "must not be negative")
	}
	if w.TotalDuration == nil {
		v.add("eventData.totalDuration", "is required")
	} else if *w.TotalDuration <= 0 {
		v.add("eventData.totalDuration", "must be positive")
	}
	return v.err()
}

// CompletionRatio returns watched/total clamped to [0, 1].
func (w *VideoWatch) CompletionRatio() float64 {
	if w.WatchedDuration == nil || w.TotalDuration == nil || *w.TotalDuration <= 0 {
		return 0
	}
	r := *w.WatchedDuration / *w.TotalDuration
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// Tutor message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TutorMessage is one turn of an AI tutor conversation.
type TutorMessage struct {
	Role      string     `json:"role" bson:"role"`
	Content   string     `json:"content" bson:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
}

// TutorInteraction records an AI tutor session exchange.
type TutorInteraction struct {
	SessionID string         `json:"sessionId" bson:"sessionId"`
	Topic     string         `json:"topic,omitempty" bson:"topic,omitempty"`
	Messages  []TutorMessage `json:"messages" bson:"messages"`
}

func (*TutorInteraction) EventType() EventType { return TypeTutorInteraction }
func (*TutorInteraction) isData()              {}

func (t *TutorInteraction) Validate() error {
	var v violations
	if t.SessionID == "" {
		v.add("eventData.sessionId", "is required")
	}
	if len(t.Messages) == 0 {
		v.add("eventData.messages", "must contain at least one message")
	}
	for i, m := range t.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			v.add("eventData.messages", "message %d has invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			v.add("eventData.messages", "message %d has empty content", i)
		}
	}
	return v.err()
}

// QuestionAttempt records a single answered question, typically from a
// dual-match game round.
type QuestionAttempt struct {
	QuestionID     string `json:"questionId" bson:"questionId"`
	SelectedAnswer string `json:"selectedAnswer,omitempty" bson:"selectedAnswer,omitempty"`
	IsCorrect      *bool  `json:"isCorrect" bson:"isCorrect"`
	TimeSpentMs    int64  `json:"timeSpentMs,omitempty" bson:"timeSpentMs,omitempty"`
	MatchID        string `json:"matchId,omitempty" bson:"matchId,omitempty"`
}

func (*QuestionAttempt) EventType() EventType { return TypeQuestionAttempt }
func (*QuestionAttempt) isData()              {}

func (q *QuestionAttempt) Validate() error {
	var v violations
	if q.QuestionID == "" {
		v.add("eventData.questionId", "is required")
	}
	if q.IsCorrect == nil {
		v.add("eventData.isCorrect", "is required")
	}
	if q.TimeSpentMs < 0 {
		v.add("eventData.timeSpentMs", "must not be negative")
	}
	return v.err()
}

// Compile-time checks
var (
	_ Data = (*QuizAttempt)(nil)
	_ Data = (*VideoWatch)(nil)
	_ Data = (*TutorInteraction)(nil)
	_ Data = (*QuestionAttempt)(nil)
)
