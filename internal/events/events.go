package events

import (
	"context"
	"time"
)

const (
	SaleSynced    = "vente.synchronisee"
	SaleCancelled = "vente.annulee"
	SessionClosed = "session.cloturee"
)

// Event is the envelope published for downstream consumers such as the end-of-day report job.
type Event struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	EstablishmentID string    `json:"etablissement_id"`
	OccurredAt      time.Time `json:"occurred_at"`
	Payload         any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}
