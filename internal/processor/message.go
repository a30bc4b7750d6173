package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minershop/offer-sync/internal/models"
)

const maxChainLength = 100

// FindPreviousMessageID returns the external id of the newest stored message from senderKey in
// chatID other than currentMessageID, or "" when there is none.
func (p *Processor) FindPreviousMessageID(ctx context.Context, senderKey, chatID, currentMessageID string) (string, error) {
	if senderKey == "" || chatID == "" {
		return "", nil
	}
	// The current message can occupy at most one slot, so two rows always suffice.
	msgs, err := p.store.ListMessagesBySender(ctx, senderKey, chatID, 2)
	if err != nil {
		return "", fmt.Errorf("failed to list messages of %s in %s: %w", senderKey, chatID, err)
	}
	for _, m := range msgs {
		if m.MessageID != currentMessageID {
			return m.MessageID, nil
		}
	}
	return "", nil
}

// MessageChain returns the revision chain ending at messageID, newest first, by following
// OriginalMessageID pointers. It returns nil when messageID is not stored.
func (p *Processor) MessageChain(ctx context.Context, messageID string) ([]models.ChatMessage, error) {
	var chain []models.ChatMessage
	seen := make(map[string]bool)

	for id := messageID; id != ""; {
		if seen[id] {
			slog.Warn("Message chain loops back", "start", messageID, "at", id)
			break
		}
		if len(chain) >= maxChainLength {
			slog.Warn("Message chain truncated", "start", messageID, "length", len(chain))
			break
		}
		seen[id] = true

		msg, err := p.store.GetMessageByExternalID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		if msg == nil {
			if len(chain) > 0 {
				slog.Warn("Message chain points at a missing message", "start", messageID, "missing", id)
			}
			break
		}
		chain = append(chain, *msg)
		id = msg.OriginalMessageID
	}
	return chain, nil
}
