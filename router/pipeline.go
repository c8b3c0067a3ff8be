package router

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"cyclearb/admission"
	"cyclearb/debug"
	"cyclearb/metrics"
	"cyclearb/overlay"
	"cyclearb/search"
	"cyclearb/types"
	"cyclearb/verify"
)

// ============================================================================
// COLLABORATORS
// ============================================================================

// Decoder turns a pending transaction into swap intents. An empty result
// with a nil error means the transaction is irrelevant.
type Decoder interface {
	Decode(tx types.PendingTx) ([]types.SwapIntent, error)
}

// Sink receives verified opportunities.
type Sink interface {
	Submit(ctx context.Context, trigger common.Hash, op *types.Opportunity) error
}

// Refresher accepts out-of-band venue refresh requests without blocking.
type Refresher interface {
	Request(venue types.VenueID) bool
}

// Stages wires the pipeline. Refresher and Metrics may be nil.
type Stages struct {
	Decoder   Decoder
	Projector *overlay.Projector
	Search    *search.Engine
	Verifier  *verify.Verifier
	Admission *admission.Controller
	Sink      Sink
	Refresher Refresher
	Metrics   *metrics.Metrics
}

// ============================================================================
// PIPELINE
// ============================================================================

// Pipeline analyzes one pending transaction at a time per caller and is safe
// for concurrent use.
type Pipeline struct {
	Stages
	base     types.Token
	deadline time.Duration
	now      func() time.Time
}

// NewPipeline builds a pipeline rooted at base. deadline bounds everything
// after admission; zero disables it.
func NewPipeline(base types.Token, deadline time.Duration, st Stages) *Pipeline {
	return &Pipeline{Stages: st, base: base, deadline: deadline, now: time.Now}
}

// Analyze runs every stage for tx and returns the record it also logs and
// counts. Waiting for an admission slot is not charged to the deadline.
func (p *Pipeline) Analyze(ctx context.Context, tx types.PendingTx) types.Record {
	start := p.now()
	rec := types.Record{TxHash: tx.Hash}

	err := p.Admission.Do(ctx, func(ctx context.Context) error {
		p.inFlight()
		defer p.inFlight()

		runCtx := ctx
		if p.deadline > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, p.deadline)
			defer cancel()
		}
		p.run(ctx, runCtx, tx, &rec)
		return nil
	})
	if err != nil {
		// shutdown while waiting for a slot, or a stage panicked
		rec.Err = errors.Join(rec.Err, err)
		if rec.Outcome == "" {
			rec.Outcome = types.OutcomeDropped
		}
	}

	rec.Latency = p.now().Sub(start)
	p.Metrics.ObserveRecord(rec)
	logRecord(&rec)
	return rec
}

// run fills rec. Sinks get the parent ctx so a late hand-off is not cut by
// the analysis deadline.
func (p *Pipeline) run(parent, ctx context.Context, tx types.PendingTx, rec *types.Record) {
	intents, err := p.Decoder.Decode(tx)
	if err != nil {
		rec.Outcome, rec.Err = types.OutcomeDecodeError, err
		return
	}
	if len(intents) == 0 {
		rec.Outcome = types.OutcomeNoIntent
		return
	}

	view, _, err := p.Projector.Project(intents)
	if err != nil {
		var stale *overlay.StaleStateError
		if errors.As(err, &stale) {
			rec.Outcome, rec.Err = types.OutcomeStaleState, err
			if p.Refresher != nil {
				p.Refresher.Request(stale.Venue)
			}
			return
		}
		rec.Outcome, rec.Err = types.OutcomeDecodeError, err
		return
	}

	cycle, stats, err := p.Search.Search(ctx, view, p.base)
	p.observeSearch(stats, err)
	if err != nil {
		rec.Outcome, rec.Degraded = types.OutcomeNoCycle, stats.Expired
		if !errors.Is(err, search.ErrNoCycleFound) {
			rec.Err = err
		}
		return
	}
	rec.Degraded = cycle.Degraded

	op, err := p.Verifier.Verify(cycle, tx.SeenAt)
	if err != nil {
		rec.Outcome = types.OutcomeNotProfitable
		if !errors.Is(err, verify.ErrNotProfitable) {
			rec.Err = err
		}
		return
	}

	rec.Outcome, rec.Opportunity = types.OutcomeOpportunityFound, op
	if p.Sink != nil {
		if err := p.Sink.Submit(parent, tx.Hash, op); err != nil {
			rec.Err = err
		}
	}
}

// observeSearch counts expansions for every run and timeouts only for runs
// that expired empty-handed; degraded runs are counted per record.
func (p *Pipeline) observeSearch(st search.Stats, err error) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.SearchExpansions.Observe(float64(st.Expansions))
	if errors.Is(err, search.ErrSearchTimeout) {
		p.Metrics.SearchTimeouts.Inc()
	}
}

func (p *Pipeline) inFlight() {
	if p.Metrics != nil {
		p.Metrics.InFlight.Set(float64(p.Admission.InFlight()))
	}
}

func logRecord(rec *types.Record) {
	l := debug.Log()
	var ev *zerolog.Event
	switch {
	case rec.Outcome == types.OutcomeOpportunityFound:
		ev = l.Info()
	case rec.Err != nil && rec.Outcome != types.OutcomeNotProfitable && rec.Outcome != types.OutcomeStaleState:
		ev = l.Warn()
	default:
		ev = l.Debug()
	}
	if !ev.Enabled() {
		return
	}
	ev = ev.Str("component", "PIPELINE").
		Str("tx", rec.TxHash.Hex()).
		Str("outcome", string(rec.Outcome)).
		Dur("latency", rec.Latency).
		Bool("degraded", rec.Degraded)
	if op := rec.Opportunity; op != nil {
		ev = ev.Str("opportunity", op.ID.String()).Str("profit", op.ExpectedProfit.Dec())
	}
	if rec.Err != nil {
		ev = ev.Err(rec.Err)
	}
	ev.Msg("pipeline")
}
