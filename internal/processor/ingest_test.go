package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/minershop/offer-sync/internal/models"
)

func incoming(id, phone, parsed string) models.IncomingMessage {
	msg := models.IncomingMessage{
		MessageID:         id,
		ChatID:            "chat-1@g.us",
		ChatName:          "Miners Market",
		ChatType:          models.ChatTypeGroup,
		SenderID:          "79001234567@c.us",
		SenderName:        "Ivan",
		SenderPhoneNumber: phone,
		Content:           "selling S19",
	}
	if parsed != "" {
		msg.ParsedData = json.RawMessage(parsed)
	}
	return msg
}

func TestIngest_PriceRevisionScenario(t *testing.T) {
	store := newMockStore()
	notif := &mockNotifier{}
	p := newTestProcessor(store, notif, nil)
	ctx := context.Background()

	m1 := incoming("m1", "+79001234567", `{"operationType":"SELL","products":[{"model":"S19","price":1000,"currency":"USD","quantity":3}]}`)
	m2 := incoming("m2", "+79001234567", `{"operationType":"SELL","products":[{"model":"S19","price":950}]}`)

	r1, err := p.Ingest(ctx, models.SourceWhatsApp, m1)
	if err != nil {
		t.Fatalf("Ingest m1: %v", err)
	}
	if r1.IsUpdate || r1.Created != 1 {
		t.Errorf("m1 result = %+v, want a creation", r1)
	}

	r2, err := p.Ingest(ctx, models.SourceWhatsApp, m2)
	if err != nil {
		t.Fatalf("Ingest m2: %v", err)
	}
	if r2.Updated != 1 || r2.Created != 0 || !r2.IsUpdate {
		t.Errorf("m2 result = %+v, want updatedCount=1 createdCount=0", r2)
	}

	offers := store.offersFor("S19", "+79001234567")
	if len(offers) != 1 {
		t.Fatalf("expected exactly one offer, got %d", len(offers))
	}
	if *offers[0].Price != 950 || offers[0].Quantity != 3 || offers[0].Currency != "USD" {
		t.Errorf("offer = price %v qty %d %s, want 950, 3, USD", *offers[0].Price, offers[0].Quantity, offers[0].Currency)
	}

	stored := store.messages["m2"]
	if !stored.IsUpdate || stored.OriginalMessageID != "m1" {
		t.Errorf("m2 chain = isUpdate %v original %q, want true/m1", stored.IsUpdate, stored.OriginalMessageID)
	}
	if r2.MessageID != stored.ID {
		t.Errorf("result MessageID = %q, want internal id %q", r2.MessageID, stored.ID)
	}

	events := flushedEvents(t, p, notif)
	if len(events) != 2 || events[1].Type != models.EventOfferUpdated || events[1].SellerPhone != "+79001234567" {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestIngest_IdempotentUpsert(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)
	ctx := context.Background()

	msg := incoming("m1", "+79001234567", `{"products":[{"model":"S19","price":1000}]}`)
	r1, err := p.Ingest(ctx, models.SourceWhatsApp, msg)
	if err != nil {
		t.Fatal(err)
	}
	msg.Content = "selling S19, edited"
	r2, err := p.Ingest(ctx, models.SourceWhatsApp, msg)
	if err != nil {
		t.Fatal(err)
	}

	if len(store.messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(store.messages))
	}
	if r1.MessageID != r2.MessageID {
		t.Errorf("internal id changed: %s -> %s", r1.MessageID, r2.MessageID)
	}
	stored := store.messages["m1"]
	if stored.Content != "selling S19, edited" {
		t.Errorf("Content = %q, want second delivery", stored.Content)
	}
	if stored.OriginalMessageID != "" {
		t.Errorf("message must not point at itself, got %q", stored.OriginalMessageID)
	}
	if g := store.groups["chat-1@g.us"]; g == nil || g.MessageCount != 1 {
		t.Errorf("group count = %+v, want 1 for a re-delivery", g)
	}
	if len(store.offers) != 1 {
		t.Errorf("expected one offer, got %d", len(store.offers))
	}
}

func TestIngest_UnattributedMessageIsStoredOnly(t *testing.T) {
	store := newMockStore()
	notif := &mockNotifier{}
	p := newTestProcessor(store, notif, nil)

	msg := incoming("m1", "AB12CD34EF56GH@c.us7", `{"operationType":"SELL","products":[{"model":"S19","price":1000}]}`)
	msg.SenderID = "98765432109876543210@lid"

	res, err := p.Ingest(context.Background(), models.SourceWhatsApp, msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Created != 0 {
		t.Errorf("result = %+v, want one skipped candidate", res)
	}
	stored := store.messages["m1"]
	if stored == nil || stored.ParsedData == "" {
		t.Fatal("message and its parsed data must be stored")
	}
	if stored.SenderPhone != "" || stored.SenderKey != msg.SenderID {
		t.Errorf("sender = phone %q key %q", stored.SenderPhone, stored.SenderKey)
	}
	if len(store.sellers) != 0 || len(store.products) != 0 || len(store.offers) != 0 {
		t.Error("no seller, product or offer may be created for an unattributed message")
	}
	if len(flushedEvents(t, p, notif)) != 0 {
		t.Error("no events expected")
	}
}

func TestIngest_PhoneFallsBackToSenderID(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)

	msg := incoming("m1", "AB12CD34EF56GH@c.us7", `{"products":[{"model":"S19","price":1000}]}`)
	res, err := p.Ingest(context.Background(), models.SourceWhatsApp, msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 {
		t.Errorf("result = %+v, want a created offer", res)
	}
	if len(store.offersFor("S19", "79001234567")) != 1 {
		t.Error("offer should belong to the phone extracted from the sender id")
	}
}

func TestIngest_OperationTypeDefaultsToSell(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)

	_, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", `{"operationType":"TRADE","products":[{"model":"S19"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	offers := store.offersFor("S19", "79001234567")
	if len(offers) != 1 || offers[0].OperationType != models.OperationSell {
		t.Errorf("offers = %+v, want one SELL offer", offers)
	}
}

func TestIngest_LocationFromParsedData(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)

	_, _ = p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", `{"location":"Moscow","products":[{"model":"S19"}]}`))
	if got := store.offersFor("S19", "79001234567")[0].Location; got != "Moscow" {
		t.Errorf("Location = %q, want Moscow", got)
	}
}

func TestIngest_PointerIsSetOnce(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := p.Ingest(ctx, models.SourceWhatsApp, incoming(id, "79001234567", `{"products":[{"model":"S19"}]}`)); err != nil {
			t.Fatal(err)
		}
	}
	// Re-delivery of m2 after m3 exists must not move its pointer forward.
	if _, err := p.Ingest(ctx, models.SourceWhatsApp, incoming("m2", "79001234567", `{"products":[{"model":"S19"}]}`)); err != nil {
		t.Fatal(err)
	}

	if got := store.messages["m2"].OriginalMessageID; got != "m1" {
		t.Errorf("m2 original = %q, want m1", got)
	}
	if got := store.messages["m3"].OriginalMessageID; got != "m2" {
		t.Errorf("m3 original = %q, want m2", got)
	}

	chain, err := p.MessageChain(ctx, "m3")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 || chain[0].MessageID != "m3" || chain[2].MessageID != "m1" {
		t.Errorf("unexpected chain %v", chain)
	}
}

func TestIngest_NoPreviousLookupWithoutParsedData(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)
	ctx := context.Background()

	_, _ = p.Ingest(ctx, models.SourceWhatsApp, incoming("m1", "79001234567", ""))
	_, _ = p.Ingest(ctx, models.SourceWhatsApp, incoming("m2", "79001234567", ""))

	if got := store.messages["m2"]; got.IsUpdate || got.OriginalMessageID != "" {
		t.Errorf("plain chat message linked as revision: %+v", got)
	}
}

func TestIngest_ParserFallback(t *testing.T) {
	store := newMockStore()
	parser := &mockParser{result: &models.ParsedData{OperationType: "BUY", Products: []models.Candidate{{"model": "M30S"}}}}
	p := newTestProcessor(store, nil, nil)
	p.parser = parser

	res, err := p.Ingest(context.Background(), models.SourceTelegram, incoming("m1", "79001234567", ""))
	if err != nil {
		t.Fatal(err)
	}
	if parser.calls != 1 || res.Created != 1 {
		t.Errorf("parser calls = %d, result = %+v", parser.calls, res)
	}
	if store.messages["m1"].ParsedData == "" {
		t.Error("parser output should be stored with the message")
	}
	offers := store.offersFor("M30S", "79001234567")
	if len(offers) != 1 || offers[0].OperationType != models.OperationBuy {
		t.Errorf("offers = %+v", offers)
	}

	// Relay-provided parsedData wins over the parser.
	_, _ = p.Ingest(context.Background(), models.SourceTelegram, incoming("m2", "79001234567", `{"products":[]}`))
	if parser.calls != 1 {
		t.Errorf("parser called for a message that already had parsedData")
	}
}

func TestIngest_ParserErrorStillStoresMessage(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)
	p.parser = &mockParser{err: errors.New("quota exceeded")}

	res, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", ""))
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID == "" || store.messages["m1"] == nil {
		t.Error("message should be stored")
	}
}

func TestIngest_Validation(t *testing.T) {
	p := newTestProcessor(newMockStore(), nil, nil)
	ctx := context.Background()

	missing := incoming("", "79001234567", "")
	if _, err := p.Ingest(ctx, models.SourceWhatsApp, missing); !errors.Is(err, models.ErrInvalidMessage) {
		t.Errorf("missing messageId: err = %v, want ErrInvalidMessage", err)
	}
	badType := incoming("m1", "79001234567", "")
	badType.ChatType = "channel"
	if _, err := p.Ingest(ctx, models.SourceWhatsApp, badType); !errors.Is(err, models.ErrInvalidMessage) {
		t.Errorf("bad chatType: err = %v, want ErrInvalidMessage", err)
	}
	if _, err := p.Ingest(ctx, "signal", incoming("m1", "79001234567", "")); !errors.Is(err, models.ErrInvalidMessage) {
		t.Errorf("unknown source: err = %v, want ErrInvalidMessage", err)
	}
}

func TestIngest_Defaults(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)

	msg := incoming("m1", "", "")
	msg.ChatType = ""
	msg.SenderName = ""
	msg.Timestamp = "yesterday"
	if _, err := p.Ingest(context.Background(), models.SourceWhatsApp, msg); err != nil {
		t.Fatal(err)
	}
	stored := store.messages["m1"]
	if stored.ChatType != models.ChatTypeGroup || stored.SenderName != models.UnknownSellerName {
		t.Errorf("defaults not applied: %+v", stored)
	}
	if stored.Timestamp.IsZero() {
		t.Error("unparseable timestamp should fall back to now")
	}

	msg = incoming("m2", "", "")
	msg.Timestamp = "2025-03-04T05:06:07Z"
	_, _ = p.Ingest(context.Background(), models.SourceWhatsApp, msg)
	if want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC); !store.messages["m2"].Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", store.messages["m2"].Timestamp, want)
	}
}

func TestIngest_PersonalChatSkipsGroupRegistry(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)

	msg := incoming("m1", "79001234567", "")
	msg.ChatType = models.ChatTypePersonal
	_, _ = p.Ingest(context.Background(), models.SourceWhatsApp, msg)
	if len(store.groups) != 0 {
		t.Error("personal chats must not be registered as groups")
	}
}

func TestIngest_MessageInFlight(t *testing.T) {
	store := newMockStore()
	locker := newMockLocker()
	p := newTestProcessor(store, nil, nil)
	p.locker = locker

	locker.held["whatsapp:m1"] = true
	_, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", ""))
	if !errors.Is(err, models.ErrMessageInFlight) {
		t.Fatalf("err = %v, want ErrMessageInFlight", err)
	}
	if len(store.messages) != 0 {
		t.Error("message must not be stored while another delivery holds the lock")
	}

	delete(locker.held, "whatsapp:m1")
	if _, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", "")); err != nil {
		t.Fatal(err)
	}
	if locker.released != 1 || len(locker.held) != 0 {
		t.Errorf("lock not released: released=%d held=%v", locker.released, locker.held)
	}
}

func TestIngest_LockerOutageFailsOpen(t *testing.T) {
	store := newMockStore()
	locker := newMockLocker()
	locker.acquireErr = errors.New("connection refused")
	p := newTestProcessor(store, nil, nil)
	p.locker = locker

	if _, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", "")); err != nil {
		t.Fatalf("Ingest should proceed without the lock, got %v", err)
	}
	if store.messages["m1"] == nil {
		t.Error("message should be stored")
	}
}

func TestIngest_StoreFailure(t *testing.T) {
	store := newMockStore()
	store.saveMessageErr = errors.New("unavailable")
	p := newTestProcessor(store, nil, nil)

	if _, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", "")); err == nil {
		t.Error("expected error when the message cannot be stored")
	}
}

func TestIngest_ReconcileErrorStillSucceeds(t *testing.T) {
	store := newMockStore()
	store.countOffersErr = errors.New("query failed")
	p := newTestProcessor(store, nil, nil)

	res, err := p.Ingest(context.Background(), models.SourceWhatsApp, incoming("m1", "79001234567", `{"products":[{"model":"S19"}]}`))
	if err != nil {
		t.Fatalf("stored message must be acknowledged, got %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected internal message id")
	}
}

func TestFindPreviousMessageID(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		store.messages[id] = &models.ChatMessage{MessageID: id, SenderKey: "79001234567", ChatID: "chat", Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	store.messages["other-chat"] = &models.ChatMessage{MessageID: "other-chat", SenderKey: "79001234567", ChatID: "chat-2", Timestamp: base.Add(time.Hour)}

	tests := []struct {
		name      string
		senderKey string
		chatID    string
		current   string
		want      string
	}{
		{"newest other than current", "79001234567", "chat", "c", "b"},
		{"current not stored yet", "79001234567", "chat", "d", "c"},
		{"empty sender", "", "chat", "d", ""},
		{"empty chat", "79001234567", "", "d", ""},
		{"no history", "70000000000", "chat", "d", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.FindPreviousMessageID(ctx, tt.senderKey, tt.chatID, tt.current)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("FindPreviousMessageID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageChain_CycleGuard(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, nil)
	store.messages["a"] = &models.ChatMessage{MessageID: "a", OriginalMessageID: "b"}
	store.messages["b"] = &models.ChatMessage{MessageID: "b", OriginalMessageID: "a"}

	chain, err := p.MessageChain(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Errorf("expected the loop to stop after 2 messages, got %d", len(chain))
	}

	chain, _ = p.MessageChain(context.Background(), "missing")
	if chain != nil {
		t.Errorf("expected nil chain for unknown message, got %v", chain)
	}
}

// blockingNotifier holds every Publish until release is closed.
type blockingNotifier struct {
	release chan struct{}
	mu      sync.Mutex
	batches int
}

func (b *blockingNotifier) Publish(ctx context.Context, _ []models.OfferEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.batches++
	b.mu.Unlock()
	return nil
}

func TestIngest_ReturnsBeforeNotifierDelivers(t *testing.T) {
	store := newMockStore()
	notif := &blockingNotifier{release: make(chan struct{})}
	p := newTestProcessor(store, notif, nil)
	p.locker = newMockLocker()

	start := time.Now()
	res, err := p.Ingest(context.Background(), models.SourceWhatsApp,
		incoming("m1", "+79001234567", `{"operationType":"SELL","products":[{"model":"S19","price":1000}]}`))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Ingest took %v while the notifier was blocked", elapsed)
	}
	if res.Created != 1 {
		t.Errorf("result = %+v, want one created offer", res)
	}

	// The message lock must already be free for a redelivery.
	if _, err := p.Ingest(context.Background(), models.SourceWhatsApp,
		incoming("m1", "+79001234567", `{"operationType":"SELL","products":[{"model":"S19","price":1000}]}`)); err != nil {
		t.Errorf("redelivery while publishing: %v", err)
	}

	close(notif.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if notif.batches != 2 {
		t.Errorf("expected 2 delivered batches, got %d", notif.batches)
	}
}

func TestProcessor_CloseDropsLateEvents(t *testing.T) {
	notif := &mockNotifier{}
	p := newTestProcessor(newMockStore(), notif, nil)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	p.publish([]models.OfferEvent{{OfferID: "o1"}})
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if len(notif.events()) != 0 {
		t.Error("events published after Close must be dropped")
	}
}
