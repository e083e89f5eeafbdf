package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"kadai/internal/common/mq"
	"kadai/internal/judge/model"
	appErr "kadai/pkg/errors"

	"github.com/zeromicro/go-zero/core/logx"
)

// SummaryEventPublisher announces finished submissions for async consumers.
type SummaryEventPublisher interface {
	PublishFinalSummary(ctx context.Context, submission *model.Submission, summary *model.SubmissionSummary) error
}

// MQSummaryEventPublisher publishes summary events to a message queue.
type MQSummaryEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQSummaryEventPublisher creates a new MQ summary event publisher.
func NewMQSummaryEventPublisher(producer mq.Producer, topic string) *MQSummaryEventPublisher {
	return &MQSummaryEventPublisher{producer: producer, topic: topic}
}

// PublishFinalSummary publishes one final summary event. The message key
// is the submission id so per-submission ordering survives partitioning.
func (p *MQSummaryEventPublisher) PublishFinalSummary(ctx context.Context, submission *model.Submission, summary *model.SubmissionSummary) error {
	logger := logx.WithContext(ctx)
	if p == nil || p.producer == nil {
		logger.Error("summary publisher is not configured")
		return appErr.New(appErr.ServiceUnavailable).WithMessage("summary publisher is not configured")
	}
	if p.topic == "" {
		logger.Error("summary topic is required")
		return appErr.New(appErr.InvalidParams).WithMessage("summary topic is required")
	}
	if submission == nil || summary == nil {
		logger.Error("submission and summary are required")
		return appErr.ValidationError("summary", "required")
	}
	logger.Infof("publish final summary start submission_id=%d result=%s", summary.SubmissionID, summary.Result)
	event := model.SummaryEvent{
		Type:         model.SummaryEventFinal,
		SubmissionID: summary.SubmissionID,
		BatchID:      summary.BatchID,
		UserID:       summary.UserID,
		LectureID:    submission.LectureID,
		AssignmentID: submission.AssignmentID,
		Result:       summary.Result,
		Message:      summary.Message,
		Score:        summary.Score,
		TimeMS:       summary.TimeMS,
		MemoryKB:     summary.MemoryKB,
		CreatedAt:    time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("marshal summary event failed: %v", err)
		return fmt.Errorf("marshal summary event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(summary.SubmissionID, 10)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		logger.Errorf("publish final summary failed: %v", err)
		return appErr.Wrapf(err, appErr.PublishFailed, "publish summary event failed")
	}
	return nil
}
