package engine

import (
	"context"

	"grovekeeper/internal/domain"
)

// Notifier is the outbound half of the transport adapter. Deliveries are
// best-effort: the engine logs and ignores failures, and a failed delivery
// never reverts a committed ledger mutation.
type Notifier interface {
	SendToParticipant(ctx context.Context, chatID int64, handle, text string) error
	SendToModerator(ctx context.Context, entry domain.ReviewEntry, caption string, options []domain.DecisionKind) error
	SendDocument(ctx context.Context, chatID int64, handle, filename string, doc []byte) error
}

// NopNotifier discards all deliveries. Used when no chat gateway is configured.
type NopNotifier struct{}

func (NopNotifier) SendToParticipant(context.Context, int64, string, string) error {
	return nil
}

func (NopNotifier) SendToModerator(context.Context, domain.ReviewEntry, string, []domain.DecisionKind) error {
	return nil
}

func (NopNotifier) SendDocument(context.Context, int64, string, string, []byte) error {
	return nil
}
