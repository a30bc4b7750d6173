package notifier

import (
	"context"
	"errors"

	"github.com/minershop/offer-sync/internal/models"
)

// Publisher delivers committed offer events somewhere.
type Publisher interface {
	Publish(ctx context.Context, events []models.OfferEvent) error
}

// Fanout delivers every batch to all publishers; one failing publisher does not stop the others.
type Fanout struct {
	publishers []Publisher
}

func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

func (f *Fanout) Publish(ctx context.Context, events []models.OfferEvent) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many publishers are attached.
func (f *Fanout) Len() int {
	return len(f.publishers)
}
