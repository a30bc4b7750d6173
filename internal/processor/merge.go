package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/minershop/offer-sync/internal/models"
	"github.com/minershop/offer-sync/internal/util"
)

const maxCurrencyLen = 10

// MergeInput carries the message-level context a candidate is merged under.
type MergeInput struct {
	ProductID       string
	SellerID        string
	OperationType   models.OperationType
	MessageID       string
	ChatName        string
	Location        string // candidate override already applied
	DefaultCurrency string
	Now             time.Time
}

// MergeOffer applies a parsed candidate to an offer. A nil existing offer yields a new offer
// with defaults filled in; otherwise only fields the candidate actually carries are overwritten.
// Coercion problems are returned for logging and never prevent a result.
func MergeOffer(existing *models.Offer, c models.Candidate, in MergeInput) (models.Offer, []error) {
	var errs []error
	isUpdate := existing != nil

	var offer models.Offer
	if isUpdate {
		offer = *existing
	} else {
		offer = models.Offer{
			ProductID: in.ProductID,
			SellerID:  in.SellerID,
			CreatedAt: in.Now,
		}
	}
	offer.OperationType = in.OperationType
	isBuy := in.OperationType == models.OperationBuy

	// Price
	if c.Has("price") {
		price, err := util.ParseDecimal(c["price"])
		if err == nil && price < 0 {
			err = fmt.Errorf("negative price %v", price)
		}
		switch {
		case err == nil:
			offer.Price = &price
		case isBuy:
			errs = append(errs, fmt.Errorf("price: %w", err))
			offer.Price = nil
		case !isUpdate:
			errs = append(errs, fmt.Errorf("price: %w", err))
			offer.Price = zeroPrice()
		default:
			errs = append(errs, fmt.Errorf("price: %w", err))
		}
	} else if isBuy {
		offer.Price = nil
	} else if !isUpdate {
		offer.Price = zeroPrice()
	}

	// Currency
	currency := strings.ToUpper(strings.TrimSpace(c.String("currency")))
	if currency == "U" {
		currency = "USD"
	}
	if len(currency) > maxCurrencyLen {
		errs = append(errs, fmt.Errorf("currency: %q is too long", currency))
		currency = ""
	}
	if currency != "" {
		offer.Currency = currency
	} else if !isUpdate {
		offer.Currency = in.DefaultCurrency
		if offer.Currency == "" {
			offer.Currency = "USD"
		}
	}

	// Quantity
	if c.Has("quantity") {
		qty, err := util.ParseCount(c["quantity"])
		if err == nil && qty < 0 {
			err = fmt.Errorf("negative quantity %d", qty)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("quantity: %w", err))
			if !isUpdate {
				offer.Quantity = 1
			}
		} else {
			offer.Quantity = qty
		}
	} else if !isUpdate {
		offer.Quantity = 1
	}

	mergeString(&offer.Condition, c.String("condition"), isUpdate)
	mergeString(&offer.Notes, c.Notes(), isUpdate)
	mergeString(&offer.Location, in.Location, isUpdate)
	mergeString(&offer.Hashrate, c.String("hashrate"), isUpdate)
	mergeString(&offer.Manufacturer, strings.TrimSpace(c.String("manufacturer")), isUpdate)
	mergeString(&offer.SourceChatName, in.ChatName, isUpdate)

	offer.SourceMessageID = in.MessageID
	offer.AdditionalData = c.Residual()
	offer.UpdatedAt = in.Now

	return offer, errs
}

// mergeString sets dst on new offers unconditionally and on updates only when v is known.
func mergeString(dst *string, v string, isUpdate bool) {
	if v != "" || !isUpdate {
		*dst = v
	}
}

func zeroPrice() *float64 {
	var zero float64
	return &zero
}
