// Package persistence implements the Persistence Gateway: atomic per-ticker
// upserts to the pipeline's tables, built on modernc.org/sqlite the way
// internal/database.DB builds its fixed-PRAGMA wrapper, collapsed from a
// multi-database layout down to the single market-data database this
// pipeline owns.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/database"
	"github.com/quantdesk/marketpipe/internal/domain"
)

// Gateway is the sqlite-backed implementation of orchestrator.TickerSource,
// orchestrator.Gateway and reaper.TickerRemover.
type Gateway struct {
	log zerolog.Logger
	db  *database.DB
}

// Open creates (or opens) the market-data database at path and ensures its
// schema exists.
func Open(log zerolog.Logger, path string) (*Gateway, error) {
	db, err := database.New(database.Config{Path: path, Name: "marketpipe"})
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	g := &Gateway{log: log.With().Str("component", "persistence").Logger(), db: db}
	if err := g.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) ensureSchema(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (g *Gateway) Close() error { return g.db.Close() }

// DB exposes the underlying connection, which pipeline.New uses for the key
// pool's state store.
func (g *Gateway) DB() *database.DB { return g.db }

const dateLayout = "2006-01-02"

// slowWriteThreshold is the elapsed time past which a gateway write is
// logged at warn instead of debug. Writes here are single-ticker
// transactions, so anything this slow points at lock contention or a
// checkpoint stall rather than data volume.
const slowWriteThreshold = 2 * time.Second

// timeWrite instruments one gateway write: the returned func logs the
// elapsed time under the operation name when deferred.
func (g *Gateway) timeWrite(op string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		ev := g.log.Debug()
		if elapsed > slowWriteThreshold {
			ev = g.log.Warn()
		}
		ev.Str("op", op).Dur("elapsed", elapsed).Msg("gateway write")
	}
}

// ---- TickerSource ----

// FullUniverse returns every non-delisted ticker, ordered ascending so
// repeated runs converge on the same set.
func (g *Gateway) FullUniverse(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT ticker FROM stocks WHERE delisted = 0 ORDER BY ticker ASC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: full universe: %w", err)
	}
	return scanTickers(rows)
}

// WithEarningsWithinWindow returns tickers with an unreported earnings event
// within ±window of the current time.
func (g *Gateway) WithEarningsWithinWindow(ctx context.Context, window time.Duration) ([]string, error) {
	now := time.Now()
	lower := now.Add(-window).Format(dateLayout)
	upper := now.Add(window).Format(dateLayout)
	rows, err := g.db.QueryContext(ctx, `
		SELECT DISTINCT e.ticker FROM earnings_calendar e
		JOIN stocks s ON s.ticker = e.ticker AND s.delisted = 0
		WHERE e.reported = 0 AND e.event_date >= ? AND e.event_date <= ?
		ORDER BY e.ticker ASC`, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("persistence: earnings window: %w", err)
	}
	return scanTickers(rows)
}

// WithInsufficientHistory returns tickers whose daily_charts row count is
// below minBars, the P3 backfill selection rule.
func (g *Gateway) WithInsufficientHistory(ctx context.Context, minBars int) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT s.ticker FROM stocks s
		LEFT JOIN daily_charts d ON d.ticker = s.ticker
		WHERE s.delisted = 0
		GROUP BY s.ticker
		HAVING COUNT(d.date) < ?
		ORDER BY COUNT(d.date) ASC, s.ticker ASC`, minBars)
	if err != nil {
		return nil, fmt.Errorf("persistence: insufficient history: %w", err)
	}
	return scanTickers(rows)
}

// WithMissingFundamentals returns tickers with no company_fundamentals row
// at all, the P4 selection rule ("least data first").
func (g *Gateway) WithMissingFundamentals(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT s.ticker FROM stocks s
		LEFT JOIN company_fundamentals f ON f.ticker = s.ticker
		WHERE s.delisted = 0 AND f.ticker IS NULL
		ORDER BY s.ticker ASC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: missing fundamentals: %w", err)
	}
	return scanTickers(rows)
}

// PagedForAnalystRatings returns up to pageSize tickers, rotating through
// the universe by least-recently-updated analyst consensus first so P6
// makes forward progress across runs rather than starving the tail.
func (g *Gateway) PagedForAnalystRatings(ctx context.Context, pageSize int) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT s.ticker FROM stocks s
		LEFT JOIN analyst_rating_trends a ON a.ticker = s.ticker
		WHERE s.delisted = 0
		GROUP BY s.ticker
		ORDER BY MAX(COALESCE(a.as_of, '')) ASC, s.ticker ASC
		LIMIT ?`, pageSize)
	if err != nil {
		return nil, fmt.Errorf("persistence: paged analyst ratings: %w", err)
	}
	return scanTickers(rows)
}

func scanTickers(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- Gateway loads ----

func (g *Gateway) LoadPriceHistory(ctx context.Context, ticker string) ([]domain.OHLCV, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume FROM daily_charts
		WHERE ticker = ? ORDER BY date ASC`, ticker)
	if err != nil {
		return nil, fmt.Errorf("persistence: load price history: %w", err)
	}
	defer rows.Close()

	var bars []domain.OHLCV
	for rows.Next() {
		var dateStr string
		var bar domain.OHLCV
		if err := rows.Scan(&dateStr, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, err
		}
		bar.Date, _ = time.Parse(dateLayout, dateStr)
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

func (g *Gateway) LoadLatestFundamentals(ctx context.Context, ticker string) (*domain.FundamentalSnapshot, error) {
	var snapJSON string
	var periodEnd, source sql.NullString
	row := g.db.QueryRowContext(ctx, `SELECT fiscal_period_end, source, snapshot_json FROM company_fundamentals WHERE ticker = ?`, ticker)
	if err := row.Scan(&periodEnd, &source, &snapJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: load latest fundamentals: %w", err)
	}
	var snap domain.FundamentalSnapshot
	if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
		return nil, fmt.Errorf("persistence: decode fundamentals snapshot: %w", err)
	}
	snap.Ticker = ticker
	snap.Source = source.String
	if periodEnd.Valid {
		snap.FiscalPeriodEnd, _ = time.Parse(dateLayout, periodEnd.String)
	}
	return &snap, nil
}

// LoadPriorFundamentals returns the same row as LoadLatestFundamentals: the
// schema keeps one current fundamentals row per ticker and no fundamentals
// history, so "prior" is whatever was persisted
// before this run's upsert overwrites it. Callers must read it before
// calling UpsertFundamentals for the same ticker within a run.
func (g *Gateway) LoadPriorFundamentals(ctx context.Context, ticker string) (*domain.FundamentalSnapshot, error) {
	return g.LoadLatestFundamentals(ctx, ticker)
}

func (g *Gateway) LoadLatestRatios(ctx context.Context, ticker string) (domain.RatioRow, error) {
	var asOf, ratiosJSON string
	row := g.db.QueryRowContext(ctx, `SELECT as_of, ratios_json FROM financial_ratios WHERE ticker = ?`, ticker)
	if err := row.Scan(&asOf, &ratiosJSON); err != nil {
		if err == sql.ErrNoRows {
			return domain.RatioRow{Ticker: ticker}, nil
		}
		return domain.RatioRow{}, fmt.Errorf("persistence: load latest ratios: %w", err)
	}
	var out domain.RatioRow
	if err := json.Unmarshal([]byte(ratiosJSON), &out); err != nil {
		return domain.RatioRow{}, fmt.Errorf("persistence: decode ratio row: %w", err)
	}
	out.Ticker = ticker
	out.AsOf, _ = time.Parse(dateLayout, asOf)
	return out, nil
}

func (g *Gateway) LoadSector(ctx context.Context, ticker string) (string, error) {
	var sector string
	row := g.db.QueryRowContext(ctx, `SELECT sector FROM stocks WHERE ticker = ?`, ticker)
	if err := row.Scan(&sector); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("persistence: load sector: %w", err)
	}
	return sector, nil
}

func (g *Gateway) LoadAnalystConsensus(ctx context.Context, ticker string) (*domain.AnalystConsensus, error) {
	var asOf, consensusJSON string
	row := g.db.QueryRowContext(ctx, `
		SELECT as_of, consensus_json FROM analyst_rating_trends
		WHERE ticker = ? ORDER BY as_of DESC LIMIT 1`, ticker)
	if err := row.Scan(&asOf, &consensusJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: load analyst consensus: %w", err)
	}
	var consensus domain.AnalystConsensus
	if err := json.Unmarshal([]byte(consensusJSON), &consensus); err != nil {
		return nil, fmt.Errorf("persistence: decode analyst consensus: %w", err)
	}
	consensus.Ticker = ticker
	consensus.AsOf, _ = time.Parse(dateLayout, asOf)
	return &consensus, nil
}

// ---- Gateway upserts ----
//
// Every upsert runs inside its own transaction scoped to one ticker
// so that every write for a ticker is transactional, using
// database.WithTransaction.

// UpsertPrice writes the (ticker, date) OHLCV bar and its indicator set.
// Indicators are stored as a single JSON blob, so a partial new set is
// merged over the stored one field-by-field rather than replacing it
// wholesale — a partial recompute never nulls out previously-populated
// indicator fields.
func (g *Gateway) UpsertPrice(ctx context.Context, ticker string, bar domain.OHLCV, ind domain.Indicators) error {
	defer g.timeWrite("upsert_price")()

	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		dateStr := bar.Date.Format(dateLayout)

		var existingJSON string
		err := tx.QueryRowContext(ctx, `SELECT indicators_json FROM daily_charts WHERE ticker = ? AND date = ?`, ticker, dateStr).Scan(&existingJSON)
		merged := ind
		if err == nil && existingJSON != "" {
			var prev domain.Indicators
			if jsonErr := json.Unmarshal([]byte(existingJSON), &prev); jsonErr == nil {
				merged = mergeIndicators(prev, ind)
			}
		} else if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("persistence: read existing indicators: %w", err)
		}

		indJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("persistence: encode indicators: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_charts (ticker, date, open, high, low, close, volume, indicators_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticker, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume,
				indicators_json = excluded.indicators_json`,
			ticker, dateStr, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, string(indJSON))
		if err != nil {
			return fmt.Errorf("persistence: upsert price: %w", err)
		}
		return nil
	})
}

// mergeIndicators keeps every previously-populated field whose new value is
// nil, otherwise takes the new value.
func mergeIndicators(prev, next domain.Indicators) domain.Indicators {
	merge := func(old, fresh *float64) *float64 {
		if fresh != nil {
			return fresh
		}
		return old
	}
	return domain.Indicators{
		EMA20: merge(prev.EMA20, next.EMA20), EMA50: merge(prev.EMA50, next.EMA50),
		EMA100: merge(prev.EMA100, next.EMA100), EMA200: merge(prev.EMA200, next.EMA200),
		RSI14:      merge(prev.RSI14, next.RSI14),
		MACD:       merge(prev.MACD, next.MACD),
		MACDSignal: merge(prev.MACDSignal, next.MACDSignal),
		MACDHist:   merge(prev.MACDHist, next.MACDHist),
		BollingerUpper: merge(prev.BollingerUpper, next.BollingerUpper), BollingerMiddle: merge(prev.BollingerMiddle, next.BollingerMiddle),
		BollingerLower: merge(prev.BollingerLower, next.BollingerLower), BollingerPctB: merge(prev.BollingerPctB, next.BollingerPctB),
		ATR14:  merge(prev.ATR14, next.ATR14),
		ADX14:  merge(prev.ADX14, next.ADX14),
		PlusDI: merge(prev.PlusDI, next.PlusDI), MinusDI: merge(prev.MinusDI, next.MinusDI),
		CCI20:  merge(prev.CCI20, next.CCI20),
		StochK: merge(prev.StochK, next.StochK), StochD: merge(prev.StochD, next.StochD),
		VWAP: merge(prev.VWAP, next.VWAP), OBV: merge(prev.OBV, next.OBV), VPT: merge(prev.VPT, next.VPT),
		PivotPoint: merge(prev.PivotPoint, next.PivotPoint),
		Support1:   merge(prev.Support1, next.Support1), Support2: merge(prev.Support2, next.Support2),
		Resistance1: merge(prev.Resistance1, next.Resistance1), Resistance2: merge(prev.Resistance2, next.Resistance2),
		SwingHigh5: merge(prev.SwingHigh5, next.SwingHigh5), SwingLow5: merge(prev.SwingLow5, next.SwingLow5),
		SwingHigh10: merge(prev.SwingHigh10, next.SwingHigh10), SwingLow10: merge(prev.SwingLow10, next.SwingLow10),
		SwingHigh20: merge(prev.SwingHigh20, next.SwingHigh20), SwingLow20: merge(prev.SwingLow20, next.SwingLow20),
		High52Week: merge(prev.High52Week, next.High52Week), Low52Week: merge(prev.Low52Week, next.Low52Week),
		BarCount: maxInt(prev.BarCount, next.BarCount),
	}
}

func maxInt(a, b int) int {
	if b > a {
		return b
	}
	return a
}

// UpsertFundamentals stores the snapshot with its per-field provenance,
// replacing the ticker's single current row (no fundamentals
// history table).
func (g *Gateway) UpsertFundamentals(ctx context.Context, snapshot domain.FundamentalSnapshot) error {
	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		snapJSON, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("persistence: encode fundamentals: %w", err)
		}
		provJSON, err := json.Marshal(snapshot.Provenance)
		if err != nil {
			return fmt.Errorf("persistence: encode provenance: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO company_fundamentals (ticker, fiscal_period_end, source, snapshot_json, provenance_json)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ticker) DO UPDATE SET
				fiscal_period_end = excluded.fiscal_period_end, source = excluded.source,
				snapshot_json = excluded.snapshot_json, provenance_json = excluded.provenance_json`,
			snapshot.Ticker, snapshot.FiscalPeriodEnd.Format(dateLayout), snapshot.Source, string(snapJSON), string(provJSON))
		if err != nil {
			return fmt.Errorf("persistence: upsert fundamentals: %w", err)
		}
		return nil
	})
}

// UpsertRatios replaces the ticker's current ratio row.
func (g *Gateway) UpsertRatios(ctx context.Context, row domain.RatioRow) error {
	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("persistence: encode ratio row: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO financial_ratios (ticker, as_of, ratios_json)
			VALUES (?, ?, ?)
			ON CONFLICT(ticker) DO UPDATE SET as_of = excluded.as_of, ratios_json = excluded.ratios_json`,
			row.Ticker, row.AsOf.Format(dateLayout), string(rowJSON))
		if err != nil {
			return fmt.Errorf("persistence: upsert ratios: %w", err)
		}
		return nil
	})
}

func (g *Gateway) UpsertEarningsEvent(ctx context.Context, event domain.EarningsEvent) error {
	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO earnings_calendar (ticker, event_date, reported, source)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(ticker, event_date) DO UPDATE SET reported = excluded.reported, source = excluded.source`,
			event.Ticker, event.EventDate.Format(dateLayout), boolToInt(event.Reported), event.Source)
		if err != nil {
			return fmt.Errorf("persistence: upsert earnings event: %w", err)
		}
		return nil
	})
}

func (g *Gateway) UpsertAnalystConsensus(ctx context.Context, consensus domain.AnalystConsensus) error {
	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		consensusJSON, err := json.Marshal(consensus)
		if err != nil {
			return fmt.Errorf("persistence: encode analyst consensus: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO analyst_rating_trends (ticker, as_of, consensus_json)
			VALUES (?, ?, ?)
			ON CONFLICT(ticker, as_of) DO UPDATE SET consensus_json = excluded.consensus_json`,
			consensus.Ticker, consensus.AsOf.Format(dateLayout), string(consensusJSON))
		if err != nil {
			return fmt.Errorf("persistence: upsert analyst consensus: %w", err)
		}
		return nil
	})
}

// UpsertScore writes company_scores_current and appends to
// company_scores_historical in a single transaction.
func (g *Gateway) UpsertScore(ctx context.Context, row domain.ScoreRow) error {
	defer g.timeWrite("upsert_score")()

	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("persistence: encode score row: %w", err)
		}
		asOf := row.AsOf.Format(dateLayout)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO company_scores_current (ticker, as_of, composite, grade, score_json)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ticker) DO UPDATE SET
				as_of = excluded.as_of, composite = excluded.composite,
				grade = excluded.grade, score_json = excluded.score_json`,
			row.Ticker, asOf, row.Composite, string(row.CompositeGrade), string(rowJSON))
		if err != nil {
			return fmt.Errorf("persistence: upsert current score: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO company_scores_historical (ticker, as_of, composite, grade, score_json)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ticker, as_of) DO UPDATE SET composite = excluded.composite, grade = excluded.grade, score_json = excluded.score_json`,
			row.Ticker, asOf, row.Composite, string(row.CompositeGrade), string(rowJSON))
		if err != nil {
			return fmt.Errorf("persistence: append historical score: %w", err)
		}
		return nil
	})
}

// DeleteTicker removes child rows before the Instrument row, rolling back on
// any failure, implementing reaper.TickerRemover.
func (g *Gateway) DeleteTicker(ctx context.Context, ticker string) error {
	defer g.timeWrite("delete_ticker")()

	return database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		childTables := []string{
			"daily_charts", "company_fundamentals", "financial_ratios",
			"earnings_calendar", "company_scores_current", "company_scores_historical",
			"analyst_rating_trends",
		}
		for _, table := range childTables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ticker = ?`, table), ticker); err != nil {
				return fmt.Errorf("persistence: delete from %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stocks WHERE ticker = ?`, ticker); err != nil {
			return fmt.Errorf("persistence: delete instrument: %w", err)
		}
		return nil
	})
}

// EnsureInstrument inserts a stocks row if one doesn't already exist, used
// by universe-seeding on startup.
func (g *Gateway) EnsureInstrument(ctx context.Context, inst domain.Instrument) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO stocks (ticker, name, sector, asset_class, delisted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO NOTHING`,
		inst.Ticker, inst.Name, inst.Sector, inst.AssetClass, boolToInt(inst.Delisted), inst.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("persistence: ensure instrument: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
