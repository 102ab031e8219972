package hook

import (
	"context"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
)

type EventType string

const (
	EventStageScheduled EventType = "StageScheduled"
	EventStageCancelled EventType = "StageCancelled"
)

// Event is published to every hook after the scheduler changed a stage run.
type Event struct {
	ID         string                   `json:"id,omitempty"`
	Type       EventType                `json:"type,omitempty"`
	Stage      v1alpha1.StageIdentifier `json:"stage,omitempty"`
	StageRunID int64                    `json:"stageRunId,omitempty"`
	Counter    int64                    `json:"counter,omitempty"`
	By         string                   `json:"by,omitempty"`
	OccurredAt int64                    `json:"occurredAt,omitempty"`
}

type Receipt struct {
	ID       string `json:"id,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	// +optional
	Message string `json:"message,omitempty"`
}

type Interface interface {
	Notify(ctx context.Context, in *Event) (*Receipt, error)
}

// Null accepts every event.
type Null struct{}

func (n *Null) Notify(ctx context.Context, in *Event) (*Receipt, error) {
	return &Receipt{
		ID:       in.ID,
		Accepted: true,
	}, nil
}
