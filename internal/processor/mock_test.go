package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/minershop/offer-sync/internal/config"
	"github.com/minershop/offer-sync/internal/models"
)

// --- Mock implementations ---

type mockStore struct {
	products map[string]*models.Product // by id
	sellers  map[string]*models.Seller
	offers   map[string]*models.Offer
	messages map[string]*models.ChatMessage // by external message id
	groups   map[string]*models.ChatGroup
	nextID   int

	// error knobs
	updateProductErr map[string]error // by model
	saveMessageErr   error
	countOffersErr   error
	// beforeCreateOffer runs inside TryCreateOffer before the uniqueness check.
	beforeCreateOffer func()

	atomicDepth int
	maxDepth    int
}

type mockSnapshot struct {
	products map[string]models.Product
	sellers  map[string]models.Seller
	offers   map[string]models.Offer
	messages map[string]models.ChatMessage
	groups   map[string]models.ChatGroup
}

func newMockStore() *mockStore {
	return &mockStore{
		products:         make(map[string]*models.Product),
		sellers:          make(map[string]*models.Seller),
		offers:           make(map[string]*models.Offer),
		messages:         make(map[string]*models.ChatMessage),
		groups:           make(map[string]*models.ChatGroup),
		updateProductErr: make(map[string]error),
	}
}

func (m *mockStore) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := m.snapshot()
	m.atomicDepth++
	if m.atomicDepth > m.maxDepth {
		m.maxDepth = m.atomicDepth
	}
	err := fn(ctx)
	m.atomicDepth--
	if err != nil {
		m.restore(snap)
	}
	return err
}

func (m *mockStore) snapshot() mockSnapshot {
	s := mockSnapshot{
		products: make(map[string]models.Product),
		sellers:  make(map[string]models.Seller),
		offers:   make(map[string]models.Offer),
		messages: make(map[string]models.ChatMessage),
		groups:   make(map[string]models.ChatGroup),
	}
	for k, v := range m.products {
		s.products[k] = *v
	}
	for k, v := range m.sellers {
		s.sellers[k] = *v
	}
	for k, v := range m.offers {
		s.offers[k] = *v
	}
	for k, v := range m.messages {
		s.messages[k] = *v
	}
	for k, v := range m.groups {
		s.groups[k] = *v
	}
	return s
}

func (m *mockStore) restore(s mockSnapshot) {
	m.products = make(map[string]*models.Product)
	for k, v := range s.products {
		v := v
		m.products[k] = &v
	}
	m.sellers = make(map[string]*models.Seller)
	for k, v := range s.sellers {
		v := v
		m.sellers[k] = &v
	}
	m.offers = make(map[string]*models.Offer)
	for k, v := range s.offers {
		v := v
		m.offers[k] = &v
	}
	m.messages = make(map[string]*models.ChatMessage)
	for k, v := range s.messages {
		v := v
		m.messages[k] = &v
	}
	m.groups = make(map[string]*models.ChatGroup)
	for k, v := range s.groups {
		v := v
		m.groups[k] = &v
	}
}

func (m *mockStore) GetProductByModel(_ context.Context, model string) (*models.Product, error) {
	for _, p := range m.products {
		if p.Model == model {
			copy := *p
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockStore) TryCreateProduct(ctx context.Context, p *models.Product) error {
	if existing, _ := m.GetProductByModel(ctx, p.Model); existing != nil {
		return models.ErrProductExists
	}
	p.ID = m.newID("product")
	copy := *p
	m.products[p.ID] = &copy
	return nil
}

func (m *mockStore) UpdateProduct(_ context.Context, p models.Product) error {
	if err := m.updateProductErr[p.Model]; err != nil {
		return err
	}
	m.products[p.ID] = &p
	return nil
}

func (m *mockStore) GetSellerByPhone(_ context.Context, phone string) (*models.Seller, error) {
	for _, s := range m.sellers {
		if s.Phone == phone {
			copy := *s
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockStore) TryCreateSeller(ctx context.Context, s *models.Seller) error {
	if existing, _ := m.GetSellerByPhone(ctx, s.Phone); existing != nil {
		return models.ErrSellerExists
	}
	s.ID = m.newID("seller")
	copy := *s
	m.sellers[s.ID] = &copy
	return nil
}

func (m *mockStore) UpdateSeller(_ context.Context, s models.Seller) error {
	m.sellers[s.ID] = &s
	return nil
}

func (m *mockStore) GetOffersByProductAndSeller(_ context.Context, productID, sellerID string) ([]models.Offer, error) {
	var out []models.Offer
	for _, o := range m.offers {
		if o.ProductID == productID && o.SellerID == sellerID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *mockStore) CountOffersBySeller(_ context.Context, sellerID string) (int64, error) {
	if m.countOffersErr != nil {
		return 0, m.countOffersErr
	}
	var n int64
	for _, o := range m.offers {
		if o.SellerID == sellerID {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) TryCreateOffer(_ context.Context, o *models.Offer) error {
	if m.beforeCreateOffer != nil {
		m.beforeCreateOffer()
	}
	for _, existing := range m.offers {
		if existing.ProductID == o.ProductID && existing.SellerID == o.SellerID && existing.OperationType == o.OperationType {
			return models.ErrOfferExists
		}
	}
	o.ID = m.newID("offer")
	copy := *o
	m.offers[o.ID] = &copy
	return nil
}

func (m *mockStore) UpdateOffer(_ context.Context, o models.Offer) error {
	if _, ok := m.offers[o.ID]; !ok {
		return fmt.Errorf("offer %s not found", o.ID)
	}
	m.offers[o.ID] = &o
	return nil
}

func (m *mockStore) GetMessageByExternalID(_ context.Context, messageID string) (*models.ChatMessage, error) {
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, nil
	}
	copy := *msg
	return &copy, nil
}

func (m *mockStore) SaveMessage(_ context.Context, msg *models.ChatMessage) error {
	if m.saveMessageErr != nil {
		return m.saveMessageErr
	}
	if existing, ok := m.messages[msg.MessageID]; ok {
		msg.ID = existing.ID
	} else if msg.ID == "" {
		msg.ID = m.newID("message")
	}
	copy := *msg
	m.messages[msg.MessageID] = &copy
	return nil
}

func (m *mockStore) ListMessagesBySender(_ context.Context, senderKey, chatID string, limit int) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	for _, msg := range m.messages {
		if msg.SenderKey == senderKey && msg.ChatID == chatID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) CountMessages(_ context.Context, chatType string) (int64, error) {
	var n int64
	for _, msg := range m.messages {
		if chatType == "" || msg.ChatType == chatType {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) GetGroup(_ context.Context, chatID string) (*models.ChatGroup, error) {
	g, ok := m.groups[chatID]
	if !ok {
		return nil, nil
	}
	copy := *g
	return &copy, nil
}

func (m *mockStore) SaveGroup(_ context.Context, g models.ChatGroup) error {
	m.groups[g.ChatID] = &g
	return nil
}

// offersFor returns the stored offers of one (product model, seller phone) pair.
func (m *mockStore) offersFor(model, phone string) []models.Offer {
	var productID, sellerID string
	for _, p := range m.products {
		if p.Model == model {
			productID = p.ID
		}
	}
	for _, s := range m.sellers {
		if s.Phone == phone {
			sellerID = s.ID
		}
	}
	var out []models.Offer
	for _, o := range m.offers {
		if o.ProductID == productID && o.SellerID == sellerID {
			out = append(out, *o)
		}
	}
	return out
}

type mockNotifier struct {
	mu         sync.Mutex
	published  [][]models.OfferEvent
	publishErr error
}

func (m *mockNotifier) Publish(_ context.Context, events []models.OfferEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, append([]models.OfferEvent(nil), events...))
	return nil
}

func (m *mockNotifier) events() []models.OfferEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OfferEvent
	for _, batch := range m.published {
		out = append(out, batch...)
	}
	return out
}

// flushedEvents waits for queued publishes before reading what the notifier received.
func flushedEvents(t *testing.T, p *Processor, n *mockNotifier) []models.OfferEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return n.events()
}

type mockParser struct {
	result *models.ParsedData
	err    error
	calls  int
}

func (m *mockParser) Parse(_ context.Context, _ string) (*models.ParsedData, error) {
	m.calls++
	return m.result, m.err
}

type mockLocker struct {
	held       map[string]bool
	acquireErr error
	released   int
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool)}
}

func (m *mockLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	if m.held[key] {
		return nil, models.ErrMessageInFlight
	}
	m.held[key] = true
	return func() {
		delete(m.held, key)
		m.released++
	}, nil
}

// testClock hands out strictly increasing times so "latest updatedAt" is deterministic.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestProcessor(store Store, notifier OfferNotifier, cfg *config.Config) *Processor {
	if cfg == nil {
		cfg = &config.Config{DefaultCurrency: "USD", MessageLockTTL: time.Second}
	}
	p := New(store, notifier, nil, nil, cfg)
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	p.now = clock.now
	return p
}

func candidates(items ...models.Candidate) *models.ParsedData {
	return &models.ParsedData{Products: items}
}
