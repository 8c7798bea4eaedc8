package follower

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/oplogstore"
)

// CleanInterval is how often the retention cleaner wakes to prune the
// oplog store.
const CleanInterval = 24 * time.Hour

// RetentionDays is the default horizon: entries older than this many days
// (measured from the store's latest entry) are eligible for deletion. The
// horizon must be chosen larger than the maximum tolerated replicator
// downtime; this is an operational contract, not something the cleaner
// can enforce by locking.
const RetentionDays = 3

const secondsPerDay = 86400

// Cleaner periodically deletes oplog store entries older than a configured
// retention horizon. It runs as a sibling background task inside the same
// process as the Follower's tailing loop, sharing the store but never
// writing to it concurrently with capture (capture only appends; the
// cleaner only deletes strictly old entries).
type Cleaner struct {
	store         *oplogstore.Store
	retentionDays int
	logger        zerolog.Logger
	stopCh        chan struct{}
}

// NewCleaner creates a Cleaner bound to store with the given retention
// horizon in days.
func NewCleaner(store *oplogstore.Store, retentionDays int) *Cleaner {
	if retentionDays < 1 {
		retentionDays = RetentionDays
	}
	return &Cleaner{
		store:         store,
		retentionDays: retentionDays,
		logger:        logging.WithComponent("retention-cleaner"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop stops the cleaner.
func (c *Cleaner) Stop() {
	close(c.stopCh)
}

func (c *Cleaner) run(ctx context.Context) {
	ticker := time.NewTicker(CleanInterval)
	defer ticker.Stop()

	c.logger.Info().Int("retention_days", c.retentionDays).Msg("retention cleaner started")

	for {
		select {
		case <-ticker.C:
			if err := c.clean(ctx); err != nil {
				c.logger.Error().Err(err).Msg("retention cleanup cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("retention cleaner stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// clean performs one cleanup cycle: never deletes if the store is empty.
func (c *Cleaner) clean(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RetentionCycleDuration)

	latest, err := c.store.Latest(ctx)
	if err != nil {
		return err // mongo.ErrNoDocuments means the store is empty; nothing to prune
	}

	cutoff := latest.T - uint32(c.retentionDays*secondsPerDay)
	deleted, err := c.store.DeleteOlderThanSeconds(ctx, cutoff)
	if err != nil {
		return err
	}

	metrics.RetentionEntriesPrunedTotal.Add(float64(deleted))
	c.logger.Info().Int64("deleted", deleted).Uint32("cutoff_seconds", cutoff).Msg("retention cleanup cycle complete")
	return nil
}
