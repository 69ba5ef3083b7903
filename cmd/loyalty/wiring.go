package main

import (
	"errors"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/poster"
	"github.com/warp/loyalty-engine/reconcile"
	"github.com/warp/loyalty-engine/syncer"
)

// newSource returns the dump at path, or the Poster API when path is empty.
func newSource(c *config.Config, path string) (syncer.Source, error) {
	if path != "" {
		fs, err := poster.LoadFile(path, c.Location())
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	if c.Poster.Account == "" || c.Poster.Token == "" {
		return nil, errors.New("poster.account and poster.token are required (or pass --file)")
	}
	opts := []poster.Option{
		poster.WithTimeout(c.Poster.Timeout),
		poster.WithLogger(logger.With("component", "poster")),
	}
	if c.Poster.BaseURL != "" {
		opts = append(opts, poster.WithBaseURL(c.Poster.BaseURL))
	}
	return poster.NewClient(c.Poster.Account, c.Poster.Token, opts...), nil
}

// newOrchestrator wires ingestion, the ledger and retries for src.
func newOrchestrator(c *config.Config, src syncer.Source, ledger *bonus.Engine) *syncer.Orchestrator {
	ingestOpts := []ingest.Option{
		ingest.WithCache(generic.NewKeyCache(c.Sync.CacheSize)),
		ingest.WithLazyReferences(c.Sync.LazyReferences),
		ingest.WithLocation(c.Location()),
		ingest.WithLogger(logger.With("component", "ingest")),
	}
	if c.Bonus.ImportOpeningBalance {
		ingestOpts = append(ingestOpts, ingest.WithOpeningBalance(ledger))
	}
	return syncer.New(src, db, ingest.NewEngine(db, ingestOpts...),
		syncer.WithLedger(ledger, c.BonusSettings()),
		syncer.WithRetry(c.RetryPolicy()),
		syncer.WithPageSize(c.Poster.PageSize),
		syncer.WithLogger(logger.With("component", "syncer")),
	)
}

func newBackfill(c *config.Config, ledger *bonus.Engine) *reconcile.Job {
	return reconcile.NewJob(db,
		reconcile.WithLedger(ledger, c.BonusSettings()),
		reconcile.WithLogger(logger.With("component", "reconcile")),
	)
}
