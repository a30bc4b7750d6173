package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minershop/offer-sync/internal/models"
	"github.com/minershop/offer-sync/internal/util"
)

const maxHumanNameDigits = 15

// ResolveSellerPhone returns phone when it is a plausible phone number, otherwise the phone
// embedded in the raw platform sender id, otherwise "" (the sender is unattributed).
func ResolveSellerPhone(phone, senderID string) string {
	phone = strings.TrimSpace(phone)
	if util.IsPlausiblePhone(phone) {
		return phone
	}
	if fallback := util.PhoneFromSenderID(senderID); fallback != "" {
		if phone != "" {
			slog.Warn("Rejected implausible seller phone, using sender id", "phone", phone, "senderId", senderID)
		}
		return fallback
	}
	if phone != "" {
		slog.Warn("Rejected implausible seller phone", "phone", phone, "senderId", senderID)
	}
	return ""
}

// cleanSellerName drops display names that carry no information: blanks, the placeholder,
// and long digit strings that relays send when the contact has no name.
func cleanSellerName(name string) string {
	name = strings.TrimSpace(name)
	if name == models.UnknownSellerName {
		return ""
	}
	if len(name) > maxHumanNameDigits && strings.Trim(name, "0123456789") == "" {
		return ""
	}
	return name
}

// FindOrCreateSeller returns the seller keyed by phone, creating it when absent.
// It returns (nil, nil) when phone is empty.
func (p *Processor) FindOrCreateSeller(ctx context.Context, phone, name, externalID string) (*models.Seller, error) {
	if phone == "" {
		return nil, nil
	}
	name = cleanSellerName(name)

	seller, err := p.store.GetSellerByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to look up seller %s: %w", phone, err)
	}

	if seller == nil {
		now := p.now()
		created := &models.Seller{
			Phone:      phone,
			Name:       name,
			ExternalID: externalID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if created.Name == "" {
			created.Name = models.UnknownSellerName
		}
		createErr := p.store.TryCreateSeller(ctx, created)
		if createErr == nil {
			slog.Info("New seller added", "id", created.ID, "phone", phone, "name", created.Name)
			return created, nil
		}
		if !errors.Is(createErr, models.ErrSellerExists) {
			return nil, fmt.Errorf("failed to create seller %s: %w", phone, createErr)
		}

		// Another delivery created it first
		seller, err = p.store.GetSellerByPhone(ctx, phone)
		if err != nil {
			return nil, fmt.Errorf("error recovering from race for seller %s: %w", phone, err)
		}
		if seller == nil {
			return nil, fmt.Errorf("seller %s reported as existing but not found", phone)
		}
	}

	changed := false
	if name != "" && name != seller.Name {
		slog.Info("Refreshing seller name", "id", seller.ID, "from", seller.Name, "to", name)
		seller.Name = name
		changed = true
	}
	if externalID != "" && seller.ExternalID == "" {
		seller.ExternalID = externalID
		changed = true
	}
	if changed {
		seller.UpdatedAt = p.now()
		if err := p.store.UpdateSeller(ctx, *seller); err != nil {
			return nil, fmt.Errorf("failed to update seller %s: %w", phone, err)
		}
	}
	return seller, nil
}
