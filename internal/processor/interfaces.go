package processor

import (
	"context"
	"time"

	"github.com/minershop/offer-sync/internal/models"
)

// ProductStore abstracts catalog product persistence.
type ProductStore interface {
	GetProductByModel(ctx context.Context, model string) (*models.Product, error)
	// TryCreateProduct assigns p.ID. It returns models.ErrProductExists when the model is taken.
	TryCreateProduct(ctx context.Context, p *models.Product) error
	UpdateProduct(ctx context.Context, p models.Product) error
}

// SellerStore abstracts seller persistence.
type SellerStore interface {
	GetSellerByPhone(ctx context.Context, phone string) (*models.Seller, error)
	// TryCreateSeller assigns s.ID. It returns models.ErrSellerExists when the phone is taken.
	TryCreateSeller(ctx context.Context, s *models.Seller) error
	UpdateSeller(ctx context.Context, s models.Seller) error
}

// OfferStore abstracts offer persistence.
type OfferStore interface {
	GetOffersByProductAndSeller(ctx context.Context, productID, sellerID string) ([]models.Offer, error)
	CountOffersBySeller(ctx context.Context, sellerID string) (int64, error)
	// TryCreateOffer assigns o.ID. It returns models.ErrOfferExists when the
	// (product, seller, operation type) triple already has an offer.
	TryCreateOffer(ctx context.Context, o *models.Offer) error
	UpdateOffer(ctx context.Context, o models.Offer) error
}

// MessageStore abstracts the chat message audit log.
type MessageStore interface {
	GetMessageByExternalID(ctx context.Context, messageID string) (*models.ChatMessage, error)
	// SaveMessage inserts or replaces the message keyed by its external MessageID and assigns msg.ID.
	SaveMessage(ctx context.Context, msg *models.ChatMessage) error
	// ListMessagesBySender returns up to limit messages of senderKey in chatID, newest timestamp first.
	ListMessagesBySender(ctx context.Context, senderKey, chatID string, limit int) ([]models.ChatMessage, error)
	// CountMessages counts stored messages; an empty chatType counts all of them.
	CountMessages(ctx context.Context, chatType string) (int64, error)
}

// GroupStore abstracts the chat group registry.
type GroupStore interface {
	GetGroup(ctx context.Context, chatID string) (*models.ChatGroup, error)
	SaveGroup(ctx context.Context, g models.ChatGroup) error
}

// Store is the full persistence surface the processor needs.
type Store interface {
	ProductStore
	SellerStore
	OfferStore
	MessageStore
	GroupStore

	// Atomic runs fn as one unit of work. Calls nested inside fn form a sub-unit that
	// rolls back on its own when it returns an error, leaving the outer unit usable.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// OfferNotifier receives offer events after they are committed.
type OfferNotifier interface {
	Publish(ctx context.Context, events []models.OfferEvent) error
}

// MessageParser extracts parsedData from raw message text. It returns nil when the text holds no offers.
type MessageParser interface {
	Parse(ctx context.Context, content string) (*models.ParsedData, error)
}

// MessageLocker serializes concurrent deliveries of the same message id.
type MessageLocker interface {
	// Acquire returns models.ErrMessageInFlight when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
