package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/progress"
)

// Publisher sends a payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublishSink forwards selected events to a Publisher.
type PublishSink struct {
	pub    Publisher
	topic  string
	stages map[progress.Stage]struct{}
	logger *zap.Logger
}

// NewPublishSink publishes events whose stage is listed. With no stages it
// forwards finished and challenge notifications.
func NewPublishSink(pub Publisher, topic string, logger *zap.Logger, stages ...progress.Stage) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(stages) == 0 {
		stages = []progress.Stage{progress.StageJobFinished, progress.StageChallengeNeeded}
	}
	set := make(map[progress.Stage]struct{}, len(stages))
	for _, st := range stages {
		set[st] = struct{}{}
	}
	return &PublishSink{pub: pub, topic: topic, stages: set, logger: logger}
}

// Consume publishes matching events one by one, preserving order.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, ok := s.stages[evt.Stage]; !ok {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.JobID, err))
			continue
		}
		s.logger.Debug("event published", zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
