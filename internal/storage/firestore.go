package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/minershop/offer-sync/internal/models"
)

const (
	productsCollection = "products"
	sellersCollection  = "sellers"
	offersCollection   = "offers"
	messagesCollection = "messages"
	groupsCollection   = "chat_groups"
)

type Client struct {
	client *firestore.Client
}

func New(ctx context.Context, projectID string) (*Client, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// docID derives a stable document id from natural keys, so uniqueness is enforced by Create.
func docID(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}

// Atomic runs fn directly. Firestore transactions cannot query after writing, so units of work
// are not isolated here; deterministic document ids keep the natural keys unique instead.
func (c *Client) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// getDoc loads a document into dst. It reports false when the document does not exist.
func getDoc(ctx context.Context, ref *firestore.DocumentRef, dst interface{}) (bool, error) {
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s/%s: %w", ref.Parent.ID, ref.ID, err)
	}
	if !doc.Exists() {
		return false, nil
	}
	if err := doc.DataTo(dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", ref.Parent.ID, ref.ID, err)
	}
	return true, nil
}

// createDoc creates ref and maps AlreadyExists onto exists.
func createDoc(ctx context.Context, ref *firestore.DocumentRef, data interface{}, exists error) error {
	if _, err := ref.Create(ctx, data); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return exists
		}
		return fmt.Errorf("failed to create %s/%s: %w", ref.Parent.ID, ref.ID, err)
	}
	return nil
}

// GetProductByModel retrieves a product by its exact model string.
func (c *Client) GetProductByModel(ctx context.Context, model string) (*models.Product, error) {
	ref := c.client.Collection(productsCollection).Doc(docID(model))
	var p models.Product
	found, err := getDoc(ctx, ref, &p)
	if err != nil || !found {
		return nil, err
	}
	p.ID = ref.ID
	return &p, nil
}

// TryCreateProduct creates a product. Returns models.ErrProductExists if the model is taken.
func (c *Client) TryCreateProduct(ctx context.Context, p *models.Product) error {
	ref := c.client.Collection(productsCollection).Doc(docID(p.Model))
	if err := createDoc(ctx, ref, p, models.ErrProductExists); err != nil {
		return err
	}
	p.ID = ref.ID
	return nil
}

// UpdateProduct updates the mutable product fields.
func (c *Client) UpdateProduct(ctx context.Context, p models.Product) error {
	_, err := c.client.Collection(productsCollection).Doc(p.ID).Update(ctx, []firestore.Update{
		{Path: "manufacturer", Value: p.Manufacturer},
		{Path: "description", Value: p.Description},
		{Path: "updatedAt", Value: p.UpdatedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to update product %s: %w", p.ID, err)
	}
	return nil
}

// GetSellerByPhone retrieves a seller by phone.
func (c *Client) GetSellerByPhone(ctx context.Context, phone string) (*models.Seller, error) {
	ref := c.client.Collection(sellersCollection).Doc(docID(phone))
	var s models.Seller
	found, err := getDoc(ctx, ref, &s)
	if err != nil || !found {
		return nil, err
	}
	s.ID = ref.ID
	return &s, nil
}

// TryCreateSeller creates a seller. Returns models.ErrSellerExists if the phone is taken.
func (c *Client) TryCreateSeller(ctx context.Context, s *models.Seller) error {
	ref := c.client.Collection(sellersCollection).Doc(docID(s.Phone))
	if err := createDoc(ctx, ref, s, models.ErrSellerExists); err != nil {
		return err
	}
	s.ID = ref.ID
	return nil
}

// UpdateSeller updates the mutable seller fields.
func (c *Client) UpdateSeller(ctx context.Context, s models.Seller) error {
	_, err := c.client.Collection(sellersCollection).Doc(s.ID).Update(ctx, []firestore.Update{
		{Path: "name", Value: s.Name},
		{Path: "externalID", Value: s.ExternalID},
		{Path: "updatedAt", Value: s.UpdatedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to update seller %s: %w", s.ID, err)
	}
	return nil
}

// GetOffersByProductAndSeller lists every offer of a seller on a product.
func (c *Client) GetOffersByProductAndSeller(ctx context.Context, productID, sellerID string) ([]models.Offer, error) {
	iter := c.client.Collection(offersCollection).
		Where("productID", "==", productID).
		Where("sellerID", "==", sellerID).
		Documents(ctx)
	defer iter.Stop()

	var offers []models.Offer
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate offers: %w", err)
		}
		var o models.Offer
		if err := doc.DataTo(&o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal offer %s: %w", doc.Ref.ID, err)
		}
		o.ID = doc.Ref.ID
		offers = append(offers, o)
	}
	return offers, nil
}

// CountOffersBySeller counts a seller's offers.
func (c *Client) CountOffersBySeller(ctx context.Context, sellerID string) (int64, error) {
	return c.count(ctx, c.client.Collection(offersCollection).Where("sellerID", "==", sellerID))
}

// TryCreateOffer creates an offer. Returns models.ErrOfferExists if the
// (product, seller, operation type) triple already has one.
func (c *Client) TryCreateOffer(ctx context.Context, o *models.Offer) error {
	ref := c.client.Collection(offersCollection).Doc(docID(o.ProductID, o.SellerID, string(o.OperationType)))
	if err := createDoc(ctx, ref, o, models.ErrOfferExists); err != nil {
		return err
	}
	o.ID = ref.ID
	return nil
}

// UpdateOffer replaces the stored offer.
func (c *Client) UpdateOffer(ctx context.Context, o models.Offer) error {
	if _, err := c.client.Collection(offersCollection).Doc(o.ID).Set(ctx, o); err != nil {
		return fmt.Errorf("failed to update offer %s: %w", o.ID, err)
	}
	return nil
}

// GetMessageByExternalID retrieves a stored message by the relay's message id.
func (c *Client) GetMessageByExternalID(ctx context.Context, messageID string) (*models.ChatMessage, error) {
	ref := c.client.Collection(messagesCollection).Doc(docID(messageID))
	var m models.ChatMessage
	found, err := getDoc(ctx, ref, &m)
	if err != nil || !found {
		return nil, err
	}
	m.ID = ref.ID
	return &m, nil
}

// SaveMessage writes the message under a document id derived from its external id.
func (c *Client) SaveMessage(ctx context.Context, msg *models.ChatMessage) error {
	ref := c.client.Collection(messagesCollection).Doc(docID(msg.MessageID))
	if _, err := ref.Set(ctx, msg); err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.MessageID, err)
	}
	msg.ID = ref.ID
	return nil
}

// ListMessagesBySender returns the newest messages of a sender in a chat.
func (c *Client) ListMessagesBySender(ctx context.Context, senderKey, chatID string, limit int) ([]models.ChatMessage, error) {
	iter := c.messagesBySenderQuery(senderKey, chatID, limit).Documents(ctx)
	defer iter.Stop()

	var msgs []models.ChatMessage
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate messages: %w", err)
		}
		var m models.ChatMessage
		if err := doc.DataTo(&m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %s: %w", doc.Ref.ID, err)
		}
		m.ID = doc.Ref.ID
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// messagesBySenderQuery orders newest first; equal relay timestamps fall back to storage order.
func (c *Client) messagesBySenderQuery(senderKey, chatID string, limit int) firestore.Query {
	q := c.client.Collection(messagesCollection).
		Where("senderKey", "==", senderKey).
		Where("chatID", "==", chatID).
		OrderBy("timestamp", firestore.Desc).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

// CountMessages counts stored messages, optionally of one chat type.
func (c *Client) CountMessages(ctx context.Context, chatType string) (int64, error) {
	q := c.client.Collection(messagesCollection).Query
	if chatType != "" {
		q = q.Where("chatType", "==", chatType)
	}
	return c.count(ctx, q)
}

// GetGroup retrieves a chat group registry entry.
func (c *Client) GetGroup(ctx context.Context, chatID string) (*models.ChatGroup, error) {
	var g models.ChatGroup
	found, err := getDoc(ctx, c.client.Collection(groupsCollection).Doc(docID(chatID)), &g)
	if err != nil || !found {
		return nil, err
	}
	return &g, nil
}

// SaveGroup writes a chat group registry entry.
func (c *Client) SaveGroup(ctx context.Context, g models.ChatGroup) error {
	if _, err := c.client.Collection(groupsCollection).Doc(docID(g.ChatID)).Set(ctx, g); err != nil {
		return fmt.Errorf("failed to save chat group %s: %w", g.ChatID, err)
	}
	return nil
}

func (c *Client) count(ctx context.Context, q firestore.Query) (int64, error) {
	result, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to run count aggregation: %w", err)
	}
	return countFromAggregation(result, "all")
}

// countFromAggregation extracts a count, which the client returns as *firestorepb.Value.
func countFromAggregation(result firestore.AggregationResult, alias string) (int64, error) {
	v, ok := result[alias]
	if !ok {
		return 0, fmt.Errorf("count aggregation result was invalid: %q key missing", alias)
	}
	switch val := v.(type) {
	case *firestorepb.Value:
		return val.GetIntegerValue(), nil
	case int64:
		return val, nil
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", v)
	}
}
