package models

import (
	"strings"
	"time"
)

// OperationType distinguishes a sale listing from a purchase request.
type OperationType string

const (
	OperationSell OperationType = "SELL"
	OperationBuy  OperationType = "BUY"
)

// ParseOperationType maps a raw parser value onto an OperationType.
// ok is false when the value is missing or unrecognized; the result is then SELL.
func ParseOperationType(v any) (op OperationType, ok bool) {
	s, isString := v.(string)
	if !isString {
		return OperationSell, false
	}
	switch OperationType(strings.ToUpper(strings.TrimSpace(s))) {
	case OperationSell:
		return OperationSell, true
	case OperationBuy:
		return OperationBuy, true
	}
	return OperationSell, false
}

// Offer is one seller's current position (sell or buy) on one product.
// Empty strings mean "unknown".
type Offer struct {
	ID              string         `firestore:"-"`
	ProductID       string         `firestore:"productID" validate:"required"`
	SellerID        string         `firestore:"sellerID" validate:"required"`
	OperationType   OperationType  `firestore:"operationType" validate:"required,oneof=SELL BUY"`
	Price           *float64       `firestore:"price" validate:"omitempty,gte=0"`
	Currency        string         `firestore:"currency" validate:"required,max=10"`
	Quantity        int            `firestore:"quantity" validate:"gte=0"`
	Condition       string         `firestore:"condition,omitempty"`
	Notes           string         `firestore:"notes,omitempty"`
	Location        string         `firestore:"location,omitempty"`
	Manufacturer    string         `firestore:"manufacturer,omitempty"`
	Hashrate        string         `firestore:"hashrate,omitempty"`
	SourceMessageID string         `firestore:"sourceMessageID"`
	SourceChatName  string         `firestore:"sourceChatName,omitempty"`
	AdditionalData  map[string]any `firestore:"additionalData"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt"`
}

// OfferEvent is published after an offer has been persisted.
type OfferEvent struct {
	Type            string        `json:"type"` // "created" or "updated"
	OfferID         string        `json:"offerId"`
	ProductModel    string        `json:"productModel"`
	SellerName      string        `json:"sellerName"`
	SellerPhone     string        `json:"sellerPhone"`
	OperationType   OperationType `json:"operationType"`
	Price           *float64      `json:"price"`
	Currency        string        `json:"currency"`
	Quantity        int           `json:"quantity"`
	Location        string        `json:"location,omitempty"`
	SourceMessageID string        `json:"sourceMessageId"`
	SourceChatName  string        `json:"sourceChatName,omitempty"`
	At              time.Time     `json:"at"`
}

const (
	EventOfferCreated = "created"
	EventOfferUpdated = "updated"
)
