package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/progress"
)

// Metadata keys added to broker-sourced events.
const (
	MetadataSource    = "source"
	MetadataMessageID = "messageId"
	MetadataMatchID   = "matchId"

	sourceBroker = "broker"
)

// QuestionMessage is the payload of a dualmatch:question message.
type QuestionMessage struct {
	UserID         string     `json:"userId"`
	QuestionID     string     `json:"questionId"`
	SelectedAnswer string     `json:"selectedAnswer,omitempty"`
	IsCorrect      *bool      `json:"isCorrect"`
	TimeSpentMs    int64      `json:"timeSpentMs,omitempty"`
	MatchID        string     `json:"matchId,omitempty"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
}

// Input converts the message into a question-attempt event.
func (m QuestionMessage) Input() (progress.Input, error) {
	data, err := json.Marshal(progress.QuestionAttempt{
		QuestionID:     m.QuestionID,
		SelectedAnswer: m.SelectedAnswer,
		IsCorrect:      m.IsCorrect,
		TimeSpentMs:    m.TimeSpentMs,
		MatchID:        m.MatchID,
	})
	if err != nil {
		return progress.Input{}, err
	}
	in := progress.Input{
		EventType: string(progress.TypeQuestionAttempt),
		EventData: data,
		Timestamp: m.AnsweredAt,
	}
	if m.MatchID != "" {
		in.Metadata = map[string]any{MetadataMatchID: m.MatchID}
	}
	return in, nil
}

// HandleQuestion is a broker.Handler for question messages. Each message is
// pushed through ProcessEvent like any HTTP request. Messages that can never
// become a valid event are rejected so the transport does not redeliver them.
func (s *Service) HandleQuestion(ctx context.Context, msg broker.Message) error {
	var qm QuestionMessage
	if err := json.Unmarshal(msg.Data, &qm); err != nil {
		s.logger.WarnContext(ctx, "rejecting undecodable question message", "message_id", msg.ID, "error", err)
		return fmt.Errorf("%w: %w: %w", event.ErrReject, ErrInvalidQuestion, err)
	}

	in, err := qm.Input()
	if err != nil {
		return fmt.Errorf("%w: %w: %w", event.ErrReject, ErrInvalidQuestion, err)
	}
	if in.Metadata == nil {
		in.Metadata = make(map[string]any, 2)
	}
	in.Metadata[MetadataSource] = sourceBroker
	in.Metadata[MetadataMessageID] = msg.ID
	if in.Timestamp == nil && !msg.Timestamp.IsZero() {
		ts := msg.Timestamp
		in.Timestamp = &ts
	}

	userID := qm.UserID
	if userID == "" {
		userID = msg.UserID
	}

	receipt, err := s.ProcessEvent(ctx, in, userID)
	if err != nil {
		if progress.IsInvalid(err) {
			s.logger.WarnContext(ctx, "rejecting invalid question message", "message_id", msg.ID, "error", err)
			return fmt.Errorf("%w: %w", event.ErrReject, err)
		}
		return err
	}

	s.logger.DebugContext(ctx, "question message queued", "message_id", msg.ID, "queue_id", receipt.QueueID)
	return nil
}
