package persistence

import "context"

// Maintain runs routine upkeep against the single marketpipe database: a WAL
// checkpoint to keep the write-ahead log from growing unbounded, and (when
// requested) a VACUUM to reclaim space freed by the day's upserts and the
// reaper's deletes. Both operate through internal/database.DB's own
// maintenance methods rather than raw SQL against the connection, so the
// same PRAGMA/VACUUM logic the gateway tests exercise here is also available
// to any other caller of the database package.
func (g *Gateway) Maintain(ctx context.Context, vacuum bool) error {
	if err := g.db.WALCheckpoint("TRUNCATE"); err != nil {
		g.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if !vacuum {
		return nil
	}

	before, err := g.db.GetStats()
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to read stats before vacuum")
	}
	if err := g.db.HealthCheck(ctx); err != nil {
		g.log.Warn().Err(err).Msg("integrity check failed before vacuum, skipping")
		return err
	}

	if err := g.db.Vacuum(); err != nil {
		return err
	}

	after, err := g.db.GetStats()
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to read stats after vacuum")
		return nil
	}
	sizeBeforeMB := 0.0
	if before != nil {
		sizeBeforeMB = before.SizeMB()
	}
	g.log.Info().Float64("size_before_mb", sizeBeforeMB).Float64("size_after_mb", after.SizeMB()).Msg("vacuum completed")
	return nil
}
