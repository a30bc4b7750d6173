package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minershop/offer-sync/internal/models"
)

// ReconcileResult counts what happened to the candidates of one message.
type ReconcileResult struct {
	Updated int
	Created int
	Skipped int
}

// IsUpdate reports whether the message revised at least one existing offer.
func (r ReconcileResult) IsUpdate() bool {
	return r.Updated > 0
}

type candidateOutcome struct {
	updated bool
	event   models.OfferEvent
}

// Reconcile matches every candidate of parsed against the seller's stored offers, updating the
// latest offer of the same (product, seller, operation type) when allowDuplicateCheck is set and
// creating one otherwise. Candidates are isolated from each other: a failing candidate is logged,
// counted as skipped, and rolled back alone, unless all-or-nothing mode is configured, in which
// case the whole message is rolled back and the error returned.
// A nil seller reconciles nothing; every candidate is counted as skipped.
func (p *Processor) Reconcile(ctx context.Context, parsed *models.ParsedData, messageID, chatName string, seller *models.Seller, location string, op models.OperationType, allowDuplicateCheck bool) (ReconcileResult, error) {
	var res ReconcileResult
	if parsed == nil || len(parsed.Products) == 0 {
		return res, nil
	}
	if seller == nil {
		res.Skipped = len(parsed.Products)
		slog.Warn("Seller unresolved, offers not reconciled", "messageId", messageID, "candidates", res.Skipped)
		return res, nil
	}

	var events []models.OfferEvent
	err := p.store.Atomic(ctx, func(ctx context.Context) error {
		res = ReconcileResult{}
		events = events[:0]

		for i, c := range parsed.Products {
			model := c.Model()
			if model == "" {
				slog.Warn("Candidate has no model, skipping", "messageId", messageID, "index", i)
				res.Skipped++
				continue
			}

			itemLocation := strings.TrimSpace(c.String("location"))
			if itemLocation == "" {
				itemLocation = location
			}

			var out candidateOutcome
			run := func(ctx context.Context) error {
				var err error
				out, err = p.reconcileCandidate(ctx, c, model, messageID, chatName, seller, itemLocation, op, allowDuplicateCheck)
				return err
			}

			if p.allOrNothing {
				if err := run(ctx); err != nil {
					return fmt.Errorf("candidate %d (%s): %w", i, model, err)
				}
			} else if err := p.store.Atomic(ctx, run); err != nil {
				slog.Error("Failed to reconcile candidate", "messageId", messageID, "index", i, "model", model, "error", err)
				res.Skipped++
				continue
			}

			if out.updated {
				res.Updated++
			} else {
				res.Created++
			}
			events = append(events, out.event)
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to reconcile message %s: %w", messageID, err)
	}

	slog.Info("Reconciled message", "messageId", messageID, "updated", res.Updated, "created", res.Created, "skipped", res.Skipped)
	p.publish(events)
	return res, nil
}

func (p *Processor) reconcileCandidate(ctx context.Context, c models.Candidate, model, messageID, chatName string, seller *models.Seller, location string, op models.OperationType, allowDuplicateCheck bool) (candidateOutcome, error) {
	manufacturer := strings.TrimSpace(c.String("manufacturer"))

	product, err := p.resolveProduct(ctx, model, manufacturer, c.String("description"))
	if err != nil {
		return candidateOutcome{}, err
	}

	var existing *models.Offer
	if allowDuplicateCheck {
		existing, err = p.latestOffer(ctx, product.ID, seller.ID, op)
		if err != nil {
			return candidateOutcome{}, err
		}
	}

	in := MergeInput{
		ProductID:       product.ID,
		SellerID:        seller.ID,
		OperationType:   op,
		MessageID:       messageID,
		ChatName:        chatName,
		Location:        location,
		DefaultCurrency: p.defaultCurrency,
		Now:             p.now(),
	}

	offer, updated, err := p.saveMergedOffer(ctx, existing, c, in)
	if err != nil {
		return candidateOutcome{}, err
	}

	// Back-fill the manufacturer while empty and surface the product in recency listings.
	if product.Manufacturer == "" && manufacturer != "" {
		product.Manufacturer = manufacturer
	}
	product.UpdatedAt = in.Now
	if err := p.store.UpdateProduct(ctx, *product); err != nil {
		return candidateOutcome{}, fmt.Errorf("failed to touch product %s: %w", model, err)
	}

	eventType := models.EventOfferCreated
	if updated {
		eventType = models.EventOfferUpdated
	}
	return candidateOutcome{
		updated: updated,
		event: models.OfferEvent{
			Type:            eventType,
			OfferID:         offer.ID,
			ProductModel:    product.Model,
			SellerName:      seller.Name,
			SellerPhone:     seller.Phone,
			OperationType:   offer.OperationType,
			Price:           offer.Price,
			Currency:        offer.Currency,
			Quantity:        offer.Quantity,
			Location:        offer.Location,
			SourceMessageID: offer.SourceMessageID,
			SourceChatName:  offer.SourceChatName,
			At:              offer.UpdatedAt,
		},
	}, nil
}

// saveMergedOffer merges c into existing (or a new offer) and persists it. A lost create race is
// recovered by merging into the winner instead.
func (p *Processor) saveMergedOffer(ctx context.Context, existing *models.Offer, c models.Candidate, in MergeInput) (offer models.Offer, updated bool, err error) {
	offer, mergeErrs := MergeOffer(existing, c, in)
	for _, mErr := range mergeErrs {
		slog.Warn("Candidate field fell back to default", "messageId", in.MessageID, "error", mErr)
	}
	if err := p.validator.ValidateStruct(offer); err != nil {
		return models.Offer{}, false, err
	}

	if existing != nil {
		if err := p.store.UpdateOffer(ctx, offer); err != nil {
			return models.Offer{}, false, fmt.Errorf("failed to update offer %s: %w", offer.ID, err)
		}
		return offer, true, nil
	}

	createErr := p.store.TryCreateOffer(ctx, &offer)
	if createErr == nil {
		return offer, false, nil
	}
	if !errors.Is(createErr, models.ErrOfferExists) {
		return models.Offer{}, false, fmt.Errorf("failed to create offer: %w", createErr)
	}

	winner, err := p.latestOffer(ctx, in.ProductID, in.SellerID, in.OperationType)
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("error recovering from offer race: %w", err)
	}
	if winner == nil {
		return models.Offer{}, false, fmt.Errorf("offer reported as existing but not found")
	}
	slog.Info("Offer already existed, merging as update", "offerId", winner.ID, "messageId", in.MessageID)
	offer, _ = MergeOffer(winner, c, in)
	if err := p.store.UpdateOffer(ctx, offer); err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to update offer %s: %w", offer.ID, err)
	}
	return offer, true, nil
}

// resolveProduct finds the product by exact model or creates it.
func (p *Processor) resolveProduct(ctx context.Context, model, manufacturer, description string) (*models.Product, error) {
	product, err := p.store.GetProductByModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("failed to look up product %s: %w", model, err)
	}
	if product != nil {
		return product, nil
	}

	now := p.now()
	product = &models.Product{
		Model:        model,
		Manufacturer: manufacturer,
		Description:  description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	createErr := p.store.TryCreateProduct(ctx, product)
	if createErr == nil {
		slog.Info("New product added", "id", product.ID, "model", model, "manufacturer", manufacturer)
		return product, nil
	}
	if !errors.Is(createErr, models.ErrProductExists) {
		return nil, fmt.Errorf("failed to create product %s: %w", model, createErr)
	}

	product, err = p.store.GetProductByModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("error recovering from race for product %s: %w", model, err)
	}
	if product == nil {
		return nil, fmt.Errorf("product %s reported as existing but not found", model)
	}
	return product, nil
}

// latestOffer returns the most recently updated offer of the triple, or nil.
func (p *Processor) latestOffer(ctx context.Context, productID, sellerID string, op models.OperationType) (*models.Offer, error) {
	offers, err := p.store.GetOffersByProductAndSeller(ctx, productID, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers for product %s: %w", productID, err)
	}
	var latest *models.Offer
	for i := range offers {
		if offers[i].OperationType != op {
			continue
		}
		if latest == nil || offers[i].UpdatedAt.After(latest.UpdatedAt) {
			latest = &offers[i]
		}
	}
	return latest, nil
}
