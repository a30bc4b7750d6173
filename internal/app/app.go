// Package app wires configuration into the storage, notifier, lock and parser
// implementations shared by the server and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minershop/offer-sync/internal/ai"
	"github.com/minershop/offer-sync/internal/config"
	"github.com/minershop/offer-sync/internal/lock"
	"github.com/minershop/offer-sync/internal/notifier"
	"github.com/minershop/offer-sync/internal/processor"
	"github.com/minershop/offer-sync/internal/storage"
)

type App struct {
	Store     processor.Store
	Processor *processor.Processor

	closers []io.Closer
}

// New builds the application. Optional integrations with no configuration are left out.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closer)

	var publishers []notifier.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		k, err := notifier.NewKafka(cfg.KafkaBrokers, cfg.KafkaOfferTopic)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, k)
		publishers = append(publishers, k)
		slog.Info("Kafka offer events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaOfferTopic)
	}
	if cfg.DiscordWebhookURL != "" {
		publishers = append(publishers, notifier.NewDiscord(cfg.DiscordWebhookURL))
		slog.Info("Discord offer notifications enabled")
	}
	var n processor.OfferNotifier
	if len(publishers) > 0 {
		n = notifier.NewFanout(publishers...)
	}

	var locker processor.MessageLocker
	if cfg.RedisAddr != "" {
		r, err := lock.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, r)
		locker = r
		slog.Info("Redis message lock enabled", "addr", cfg.RedisAddr)
	} else {
		locker = lock.NewMemory()
	}

	var parser processor.MessageParser
	gemini, err := ai.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		a.Close()
		return nil, err
	}
	if gemini != nil {
		parser = gemini
		slog.Info("Gemini parse fallback enabled", "model", cfg.GeminiModel)
	}

	a.Processor = processor.New(store, n, parser, locker, cfg)
	return a, nil
}

type closableStore interface {
	processor.Store
	io.Closer
}

func openStore(ctx context.Context, cfg *config.Config) (processor.Store, io.Closer, error) {
	var (
		store closableStore
		err   error
	)
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		store, err = storage.NewSQLiteStore(cfg.SQLitePath)
	case config.BackendFirestore:
		store, err = storage.New(ctx, cfg.ProjectID)
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s storage: %w", cfg.StorageBackend, err)
	}
	slog.Info("Storage ready", "backend", cfg.StorageBackend)
	if cfg.StorageBackend == config.BackendFirestore {
		slog.Warn("Firestore backend does not isolate candidates: a failed candidate may leave a created product behind")
	}
	return store, store, nil
}

const drainTimeout = 30 * time.Second

// Close delivers queued offer events, then releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.Processor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := a.Processor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining offer events: %w", err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
