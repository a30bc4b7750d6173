package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minershop/offer-sync/internal/models"
)

// IngestResult is what the webhook layer reports back to the relay.
type IngestResult struct {
	MessageID string // internal id of the stored message
	IsUpdate  bool
	Updated   int
	Created   int
	Skipped   int
}

// Ingest stores one inbound chat message and reconciles the offers it carries.
// Once the message is stored, reconciliation problems are logged and not returned.
func (p *Processor) Ingest(ctx context.Context, source string, in models.IncomingMessage) (IngestResult, error) {
	if source != models.SourceWhatsApp && source != models.SourceTelegram {
		return IngestResult{}, fmt.Errorf("%w: unknown source %q", models.ErrInvalidMessage, source)
	}
	if err := p.validator.ValidateStruct(in); err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}

	if p.locker != nil {
		release, err := p.locker.Acquire(ctx, source+":"+in.MessageID, p.lockTTL)
		switch {
		case errors.Is(err, models.ErrMessageInFlight):
			return IngestResult{}, err
		case err != nil:
			slog.Warn("Message lock unavailable, processing without it", "messageId", in.MessageID, "error", err)
		default:
			defer release()
		}
	}

	parsed := p.parsedData(ctx, in)

	phone := ResolveSellerPhone(in.SenderPhoneNumber, in.SenderID)
	senderKey := phone
	if senderKey == "" {
		senderKey = in.SenderID
	}

	var previousID string
	if parsed != nil {
		var err error
		previousID, err = p.FindPreviousMessageID(ctx, senderKey, in.ChatID, in.MessageID)
		if err != nil {
			slog.Warn("Failed to look up previous message", "messageId", in.MessageID, "error", err)
		}
	}

	msg, created, err := p.saveMessage(ctx, source, in, parsed, phone, senderKey, previousID)
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{MessageID: msg.ID}

	if msg.ChatType == models.ChatTypeGroup {
		if err := p.touchGroup(ctx, msg, created); err != nil {
			slog.Warn("Failed to update chat group", "chatId", msg.ChatID, "error", err)
		}
	}

	if parsed == nil || len(parsed.Products) == 0 {
		return result, nil
	}

	op, ok := models.ParseOperationType(parsed.OperationType)
	if !ok {
		slog.Warn("Operation type missing or unrecognized, defaulting to SELL", "messageId", in.MessageID, "operationType", parsed.OperationType)
	}

	seller, err := p.FindOrCreateSeller(ctx, phone, in.SenderName, in.SenderID)
	if err != nil {
		slog.Error("Failed to resolve seller", "messageId", in.MessageID, "error", err)
		return result, nil
	}

	allowDuplicateCheck := false
	if seller != nil {
		n, err := p.store.CountOffersBySeller(ctx, seller.ID)
		if err != nil {
			slog.Error("Failed to count seller offers", "sellerId", seller.ID, "error", err)
			return result, nil
		}
		allowDuplicateCheck = n > 0
	}

	rr, err := p.Reconcile(ctx, parsed, in.MessageID, in.ChatName, seller, strings.TrimSpace(parsed.Location), op, allowDuplicateCheck)
	if err != nil {
		slog.Error("Failed to reconcile offers", "messageId", in.MessageID, "error", err)
		return result, nil
	}
	result.Updated, result.Created, result.Skipped = rr.Updated, rr.Created, rr.Skipped
	result.IsUpdate = rr.IsUpdate()

	if result.IsUpdate && msg.OriginalMessageID == "" {
		prev, err := p.FindPreviousMessageID(ctx, senderKey, in.ChatID, in.MessageID)
		if err != nil {
			slog.Warn("Failed to look up previous message", "messageId", in.MessageID, "error", err)
		} else if prev != "" {
			msg.OriginalMessageID = prev
			msg.IsUpdate = true
			msg.UpdatedAt = p.now()
			if err := p.store.SaveMessage(ctx, msg); err != nil {
				slog.Warn("Failed to link message to its previous revision", "messageId", in.MessageID, "error", err)
			}
		}
	}
	return result, nil
}

// parsedData returns the relay's parsedData, or asks the parser when the relay sent none.
func (p *Processor) parsedData(ctx context.Context, in models.IncomingMessage) *models.ParsedData {
	if in.HasParsedData() {
		parsed, err := models.DecodeParsedData(in.ParsedData)
		if err != nil {
			slog.Warn("Ignoring malformed parsedData", "messageId", in.MessageID, "error", err)
			return nil
		}
		return parsed
	}
	if p.parser == nil || strings.TrimSpace(in.Content) == "" {
		return nil
	}
	parsed, err := p.parser.Parse(ctx, in.Content)
	if err != nil {
		slog.Warn("Failed to parse message content", "messageId", in.MessageID, "error", err)
		return nil
	}
	return parsed
}

// saveMessage upserts the audit record keyed by the external message id. created reports whether
// the id was seen for the first time.
func (p *Processor) saveMessage(ctx context.Context, source string, in models.IncomingMessage, parsed *models.ParsedData, phone, senderKey, previousID string) (msg *models.ChatMessage, created bool, err error) {
	existing, err := p.store.GetMessageByExternalID(ctx, in.MessageID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up message %s: %w", in.MessageID, err)
	}

	now := p.now()
	msg = &models.ChatMessage{
		MessageID:     in.MessageID,
		Source:        source,
		ChatID:        in.ChatID,
		ChatName:      in.ChatName,
		ChatType:      in.ChatType,
		SenderID:      in.SenderID,
		SenderName:    strings.TrimSpace(in.SenderName),
		SenderPhone:   phone,
		SenderKey:     senderKey,
		Content:       in.Content,
		Timestamp:     parseTimestamp(in.Timestamp, now),
		HasMedia:      in.HasMedia,
		MediaMimetype: in.MediaMimetype,
		MediaFilename: in.MediaFilename,
		MediaData:     in.MediaData,
		MessageType:   in.MessageType,
		IsForwarded:   in.IsForwarded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if msg.ChatType == "" {
		msg.ChatType = models.ChatTypeGroup
	}
	if msg.SenderName == "" {
		msg.SenderName = models.UnknownSellerName
	}
	switch {
	case in.HasParsedData():
		msg.ParsedData = string(in.ParsedData)
	case parsed != nil:
		if b, err := json.Marshal(parsed); err == nil {
			msg.ParsedData = string(b)
		}
	}

	if existing != nil {
		msg.ID = existing.ID
		msg.CreatedAt = existing.CreatedAt
		msg.IsUpdate = existing.IsUpdate
		msg.OriginalMessageID = existing.OriginalMessageID
	}
	// The revision pointer is written once and never moved.
	if msg.OriginalMessageID == "" && previousID != "" {
		msg.OriginalMessageID = previousID
		msg.IsUpdate = true
	}

	if err := p.store.SaveMessage(ctx, msg); err != nil {
		return nil, false, fmt.Errorf("failed to save message %s: %w", in.MessageID, err)
	}
	if existing == nil {
		slog.Info("Message stored", "messageId", in.MessageID, "id", msg.ID, "source", source, "chat", in.ChatName)
	} else {
		slog.Info("Message re-delivered, stored copy updated", "messageId", in.MessageID, "id", msg.ID)
	}
	return msg, existing == nil, nil
}

// touchGroup keeps the registry entry of a group chat current.
func (p *Processor) touchGroup(ctx context.Context, msg *models.ChatMessage, firstDelivery bool) error {
	group, err := p.store.GetGroup(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	now := p.now()
	if group == nil {
		group = &models.ChatGroup{
			ChatID:            msg.ChatID,
			MonitoringEnabled: true,
			CreatedAt:         now,
		}
	}
	if msg.ChatName != "" {
		group.ChatName = msg.ChatName
	}
	if firstDelivery {
		group.MessageCount++
	}
	if msg.Timestamp.After(group.LastMessageAt) {
		group.LastMessageAt = msg.Timestamp
	}
	group.UpdatedAt = now
	return p.store.SaveGroup(ctx, *group)
}

// parseTimestamp accepts RFC 3339 and zone-less ISO-8601 timestamps, falling back to now.
func parseTimestamp(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	slog.Warn("Unparseable message timestamp, using current time", "timestamp", s)
	return now
}
