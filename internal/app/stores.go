package app

import (
	"context"
	"errors"
	"fmt"

	"grug/internal/config"
	"grug/internal/occurrence"
	"grug/internal/storage"
	"grug/internal/task/jobstore"
	logx "grug/pkg/logx"
)

// Stores holds the domain database and the job store database, both
// migrated.
type Stores struct {
	Domain *storage.DB
	Jobs   *storage.DB
}

func OpenStores(ctx context.Context, cfg *config.Config, log logx.Logger) (*Stores, error) {
	dom, err := storage.Open(ctx, MapDatabase(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := occurrence.Migrate(ctx, dom); err != nil {
		_ = dom.Close()
		return nil, err
	}
	jobs, err := storage.Open(ctx, MapSchedulerDatabase(cfg), log)
	if err != nil {
		_ = dom.Close()
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := jobstore.Migrate(ctx, jobs); err != nil {
		_ = errors.Join(dom.Close(), jobs.Close())
		return nil, err
	}
	return &Stores{Domain: dom, Jobs: jobs}, nil
}

func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	return errors.Join(s.Domain.Close(), s.Jobs.Close())
}
