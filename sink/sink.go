// Package sink hands verified opportunities to their consumers.
//
// Sinks never touch market state. A failing sink is logged and counted by
// the caller; the opportunity is not retried.
package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"cyclearb/metrics"
	"cyclearb/types"
)

// Sink consumes one opportunity together with the pending transaction that
// exposed it.
type Sink interface {
	Name() string
	Submit(ctx context.Context, trigger common.Hash, op *types.Opportunity) error
}

// ============================================================================
// LOG SINK
// ============================================================================

// LogSink writes every opportunity as one structured log line.
type LogSink struct {
	log *zerolog.Logger
}

// NewLogSink logs through l.
func NewLogSink(l *zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Submit(_ context.Context, trigger common.Hash, op *types.Opportunity) error {
	venues := make([]string, len(op.Venues))
	for i, v := range op.Venues {
		venues[i] = v.Hex()
	}
	s.log.Info().
		Str("component", "SINK").
		Str("id", op.ID.String()).
		Str("tx", trigger.Hex()).
		Strs("venues", venues).
		Int("hops", op.Cycle.Len()).
		Float64("weight", op.Cycle.Weight).
		Str("input", op.InputAmount.Dec()).
		Str("output", op.ExpectedOutput.Dec()).
		Str("cost", op.ExecutionCost.Dec()).
		Str("profit", op.ExpectedProfit.Dec()).
		Dur("discovery", op.DiscoveryLatency).
		Bool("degraded", op.Degraded).
		Msg("opportunity")
	return nil
}

// ============================================================================
// SQLITE JOURNAL
// ============================================================================

const journalSchema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id           TEXT    PRIMARY KEY,
	tx_hash      TEXT    NOT NULL,
	base_token   TEXT    NOT NULL,
	venues       TEXT    NOT NULL,
	hops         INTEGER NOT NULL,
	input        TEXT    NOT NULL,
	output       TEXT    NOT NULL,
	cost         TEXT    NOT NULL,
	profit       TEXT    NOT NULL,
	latency_us   INTEGER NOT NULL,
	degraded     INTEGER NOT NULL
);`

// JournalSink appends opportunities to an SQLite table.
type JournalSink struct {
	db *sql.DB
}

// NewJournalSink creates the table on db if needed.
func NewJournalSink(db *sql.DB) (*JournalSink, error) {
	if _, err := db.Exec(journalSchema); err != nil {
		return nil, fmt.Errorf("sink: journal schema: %w", err)
	}
	return &JournalSink{db: db}, nil
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Submit(ctx context.Context, trigger common.Hash, op *types.Opportunity) error {
	venues := make([]string, len(op.Venues))
	for i, v := range op.Venues {
		venues[i] = strings.ToLower(v.Hex())
	}
	var base string
	if len(op.Cycle.Tokens) > 0 {
		base = strings.ToLower(op.Cycle.Tokens[0].Hex())
	}
	degraded := 0
	if op.Degraded {
		degraded = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, tx_hash, base_token, venues, hops, input, output, cost, profit, latency_us, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID.String(), trigger.Hex(), base, strings.Join(venues, ","), op.Cycle.Len(),
		op.InputAmount.Dec(), op.ExpectedOutput.Dec(), op.ExecutionCost.Dec(), op.ExpectedProfit.Dec(),
		op.DiscoveryLatency.Microseconds(), degraded)
	if err != nil {
		return fmt.Errorf("sink: journal %s: %w", op.ID, err)
	}
	return nil
}

// ============================================================================
// FAN-OUT
// ============================================================================

// Multi submits to every sink in order and joins the failures.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewMulti fans out to sinks. m may be nil.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Submit(ctx context.Context, trigger common.Hash, op *types.Opportunity) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Submit(ctx, trigger, op); err != nil {
			if m.metrics != nil {
				m.metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
