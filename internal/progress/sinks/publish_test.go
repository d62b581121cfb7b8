package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novelfetch/internal/progress"
	"github.com/JakeFAU/novelfetch/internal/publisher/memory"
)

func TestPublishSinkForwardsSelectedStages(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "novelfetch-events", nil)
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageJobAdded},
		{JobID: "a", TS: now, Stage: progress.StageJobFinished, Path: "/out/A.txt"},
		{JobID: "b", TS: now, Stage: progress.StageChallengeNeeded, URL: "https://example.com/x"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "novelfetch-events", msgs[0].Topic)
	require.Equal(t, progress.StageJobFinished, msgs[0].Payload.(progress.Event).Stage)
	require.Equal(t, progress.StageChallengeNeeded, msgs[1].Payload.(progress.Event).Stage)
}

func TestPublishSinkCustomStages(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "t", nil, progress.StageJobRemoved)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: time.Now(), Stage: progress.StageJobFinished, Path: "/x"},
		{JobID: "a", TS: time.Now(), Stage: progress.StageJobRemoved},
	}))
	require.Len(t, pub.Messages(), 1)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: time.Now(), Stage: progress.StageJobFinished, Path: "/x"},
	})
	require.ErrorContains(t, err, "unavailable")
}
