package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/minershop/offer-sync/internal/config"
	"github.com/minershop/offer-sync/internal/models"
	"github.com/minershop/offer-sync/internal/validator"
)

const (
	defaultLockTTL = 30 * time.Second

	publishQueueSize = 256
	publishTimeout   = 2 * time.Minute
)

// Processor turns inbound chat messages into stored messages, sellers, products and offers.
type Processor struct {
	store     Store
	notifier  OfferNotifier
	parser    MessageParser
	locker    MessageLocker
	validator *validator.Validator

	defaultCurrency string
	allOrNothing    bool
	lockTTL         time.Duration
	now             func() time.Time

	// Committed events are delivered by one worker, off the request path and in commit order.
	queue     chan []models.OfferEvent
	pending   sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Processor. notifier, parser and locker may be nil.
func New(store Store, notifier OfferNotifier, parser MessageParser, locker MessageLocker, cfg *config.Config) *Processor {
	p := &Processor{
		store:           store,
		notifier:        notifier,
		parser:          parser,
		locker:          locker,
		validator:       validator.New(),
		defaultCurrency: "USD",
		lockTTL:         defaultLockTTL,
		now:             time.Now,
	}
	if cfg != nil {
		if cfg.DefaultCurrency != "" {
			p.defaultCurrency = cfg.DefaultCurrency
		}
		if cfg.MessageLockTTL > 0 {
			p.lockTTL = cfg.MessageLockTTL
		}
		p.allOrNothing = cfg.ReconcileAllOrNothing
	}
	if notifier != nil {
		p.queue = make(chan []models.OfferEvent, publishQueueSize)
		p.done = make(chan struct{})
		go p.runPublisher()
	}
	return p
}

// publish queues events for delivery and returns immediately. A full queue drops the batch.
func (p *Processor) publish(events []models.OfferEvent) {
	if p.queue == nil || len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		slog.Warn("Processor closed, dropping offer events", "count", len(events))
		return
	}
	p.pending.Add(1)
	select {
	case p.queue <- events:
	default:
		p.pending.Done()
		slog.Warn("Offer event queue full, dropping events", "count", len(events))
	}
}

func (p *Processor) runPublisher() {
	defer close(p.done)
	for events := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.notifier.Publish(ctx, events); err != nil {
			slog.Warn("Failed to publish offer events", "count", len(events), "error", err)
		}
		cancel()
		p.pending.Done()
	}
}

// Flush waits until every queued event batch has been handed to the notifier, or ctx is done.
func (p *Processor) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (p *Processor) Close(ctx context.Context) error {
	if p.queue == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
