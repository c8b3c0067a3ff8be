package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclearb/admission"
	"cyclearb/constants"
	"cyclearb/control"
	"cyclearb/market"
	"cyclearb/metrics"
	"cyclearb/overlay"
	"cyclearb/search"
	"cyclearb/types"
	"cyclearb/verify"
)

// ============================================================================
// FIXTURES
// ============================================================================

func tok(i int) types.Token {
	return common.BigToAddress(uint256.NewInt(uint64(0x1000 + i)).ToBig())
}

func ven(i int) types.VenueID {
	return common.BigToAddress(uint256.NewInt(uint64(0xF0000 + i)).ToBig())
}

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

var (
	A = tok(0xA)
	B = tok(0xB)
	C = tok(0xC)
	D = tok(0xD)
	E = tok(0xE)
)

func pool(t *testing.T, s *market.Store, v types.VenueID, a, b types.Token, ra, rb *uint256.Int, fee uint16) {
	t.Helper()
	require.NoError(t, s.Upsert(types.PoolEdge{Venue: v, TokenA: a, TokenB: b, ReserveA: ra, ReserveB: rb, FeeBps: fee}))
}

// fiveTokens: A–B 1:1, B–C 1:1.05, C–A 1:0.99 and a side branch A–D–E.
func fiveTokens(t *testing.T, opts ...market.Option) *market.Store {
	s := market.New(opts...)
	pool(t, s, ven(1), A, B, ether(1000), ether(1000), 0)
	pool(t, s, ven(2), B, C, ether(1000), ether(1050), 0)
	pool(t, s, ven(3), C, A, ether(1000), ether(990), 0)
	pool(t, s, ven(4), A, D, ether(1000), ether(1000), 0)
	pool(t, s, ven(5), D, E, ether(1000), ether(1000), 0)
	return s
}

// flatTriangle has no profitable cycle at a 0.30% fee.
func flatTriangle(t *testing.T) *market.Store {
	s := market.New()
	pool(t, s, ven(1), A, B, ether(1000), ether(1000), 30)
	pool(t, s, ven(2), B, C, ether(1000), ether(1000), 30)
	pool(t, s, ven(3), C, A, ether(1000), ether(1000), 30)
	return s
}

type decoderFunc func(types.PendingTx) ([]types.SwapIntent, error)

func (f decoderFunc) Decode(tx types.PendingTx) ([]types.SwapIntent, error) { return f(tx) }

func intents(in ...types.SwapIntent) decoderFunc {
	return func(types.PendingTx) ([]types.SwapIntent, error) { return in, nil }
}

// sideSwap trades on the D–E branch, which lies on no cycle.
var sideSwap = types.SwapIntent{Venue: ven(5), TokenIn: D, TokenOut: E, AmountIn: ether(1)}

type recordingSink struct {
	mu   sync.Mutex
	got  []common.Hash
	ops  []*types.Opportunity
	fail error
}

func (s *recordingSink) Submit(_ context.Context, trigger common.Hash, op *types.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, trigger)
	s.ops = append(s.ops, op)
	return s.fail
}

type recordingRefresher struct {
	mu     sync.Mutex
	venues []types.VenueID
}

func (r *recordingRefresher) Request(v types.VenueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues = append(r.venues, v)
	return true
}

type fixture struct {
	store   *market.Store
	sink    *recordingSink
	refresh *recordingRefresher
	metrics *metrics.Metrics
	adm     *admission.Controller
	p       *Pipeline
}

func newFixture(t *testing.T, store *market.Store, dec Decoder, cost verify.CostEstimator) *fixture {
	t.Helper()
	v, err := verify.New(verify.Config{
		MinAmount:     uint256.NewInt(1e12),
		MaxAmount:     ether(100),
		MaxIterations: constants.MaxTernaryIterations,
	}, cost)
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		sink:    &recordingSink{},
		refresh: &recordingRefresher{},
		metrics: metrics.New(prometheus.NewRegistry()),
		adm:     admission.New(2),
	}
	f.p = NewPipeline(A, 5*time.Second, Stages{
		Decoder:   dec,
		Projector: overlay.NewProjector(store),
		Search:    search.New(search.Config{MaxHops: constants.DefaultMaxHops, Deadline: 5 * time.Second, Workers: 2}),
		Verifier:  v,
		Admission: f.adm,
		Sink:      f.sink,
		Refresher: f.refresh,
		Metrics:   f.metrics,
	})
	return f
}

func cheap() verify.CostEstimator {
	return verify.DefaultStaticCost(uint256.NewInt(1), uint256.NewInt(0))
}

func pendingTx(i byte) types.PendingTx {
	return types.PendingTx{Hash: common.Hash{0: 0xee, 31: i}, SeenAt: time.Now()}
}

// ============================================================================
// PIPELINE
// ============================================================================

func TestAnalyze_EndToEndFiveTokens(t *testing.T) {
	f := newFixture(t, fiveTokens(t), intents(sideSwap), cheap())
	before, ok := f.store.Edge(ven(5))
	require.True(t, ok)

	tx := pendingTx(1)
	rec := f.p.Analyze(context.Background(), tx)

	require.Equal(t, types.OutcomeOpportunityFound, rec.Outcome, "err: %v", rec.Err)
	require.NoError(t, rec.Err)
	assert.Equal(t, tx.Hash, rec.TxHash)
	assert.False(t, rec.Degraded)
	assert.Positive(t, rec.Latency)

	op := rec.Opportunity
	require.NotNil(t, op)
	assert.Equal(t, []types.Token{A, B, C, A}, op.Cycle.Tokens)
	assert.Equal(t, []types.VenueID{ven(1), ven(2), ven(3)}, op.Venues)
	assert.True(t, op.ExpectedProfit.Sign() > 0)
	assert.False(t, op.InputAmount.Lt(uint256.NewInt(1e12)))
	assert.False(t, op.InputAmount.Gt(ether(100)))
	assert.InDelta(t, 1.05*0.99, op.Cycle.Rate(), 1e-3)

	require.Len(t, f.sink.got, 1)
	assert.Equal(t, tx.Hash, f.sink.got[0])
	assert.Same(t, op, f.sink.ops[0])

	after, _ := f.store.Edge(ven(5))
	assert.True(t, before.ReserveA.Eq(after.ReserveA), "projection never writes the store")
	assert.True(t, before.ReserveB.Eq(after.ReserveB))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("opportunity_found")))
	assert.Zero(t, f.adm.InFlight())
}

func TestAnalyze_NoIntent(t *testing.T) {
	f := newFixture(t, fiveTokens(t), intents(), cheap())
	rec := f.p.Analyze(context.Background(), pendingTx(2))
	assert.Equal(t, types.OutcomeNoIntent, rec.Outcome)
	assert.NoError(t, rec.Err)
	assert.Empty(t, f.sink.got)
}

func TestAnalyze_DecodeErrors(t *testing.T) {
	bad := decoderFunc(func(types.PendingTx) ([]types.SwapIntent, error) {
		return nil, &overlay.DecodeError{Index: -1, Reason: "calldata"}
	})
	f := newFixture(t, fiveTokens(t), bad, cheap())
	rec := f.p.Analyze(context.Background(), pendingTx(3))
	assert.Equal(t, types.OutcomeDecodeError, rec.Outcome)
	assert.ErrorIs(t, rec.Err, overlay.ErrDecode)

	// intent resolving to no known venue
	unknown := types.SwapIntent{Venue: ven(99), TokenIn: A, TokenOut: B, AmountIn: ether(1)}
	f = newFixture(t, fiveTokens(t), intents(unknown), cheap())
	rec = f.p.Analyze(context.Background(), pendingTx(4))
	assert.Equal(t, types.OutcomeDecodeError, rec.Outcome)
	assert.ErrorIs(t, rec.Err, overlay.ErrDecode)
}

func TestAnalyze_StaleStateRequestsRefresh(t *testing.T) {
	old := func() time.Time { return time.Now().Add(-time.Hour) }
	f := newFixture(t, fiveTokens(t, market.WithClock(old)), intents(sideSwap), cheap())

	rec := f.p.Analyze(context.Background(), pendingTx(5))
	assert.Equal(t, types.OutcomeStaleState, rec.Outcome)
	assert.ErrorIs(t, rec.Err, overlay.ErrStaleState)
	assert.Equal(t, []types.VenueID{ven(5)}, f.refresh.venues)
	assert.Empty(t, f.sink.got)
}

func TestAnalyze_NoCycle(t *testing.T) {
	swap := types.SwapIntent{Venue: ven(1), TokenIn: A, TokenOut: B, AmountIn: ether(1)}
	f := newFixture(t, flatTriangle(t), intents(swap), cheap())

	rec := f.p.Analyze(context.Background(), pendingTx(6))
	assert.Equal(t, types.OutcomeNoCycle, rec.Outcome)
	assert.NoError(t, rec.Err, "an exhausted search is not a failure")
	assert.False(t, rec.Degraded)
}

func TestAnalyze_NotProfitableAfterCost(t *testing.T) {
	expensive := verify.DefaultStaticCost(ether(1), uint256.NewInt(0))
	f := newFixture(t, fiveTokens(t), intents(sideSwap), expensive)

	rec := f.p.Analyze(context.Background(), pendingTx(7))
	assert.Equal(t, types.OutcomeNotProfitable, rec.Outcome)
	assert.NoError(t, rec.Err)
	assert.Nil(t, rec.Opportunity)
}

func TestAnalyze_SinkFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t, fiveTokens(t), intents(sideSwap), cheap())
	f.sink.fail = errors.New("relay down")

	rec := f.p.Analyze(context.Background(), pendingTx(8))
	assert.Equal(t, types.OutcomeOpportunityFound, rec.Outcome)
	assert.EqualError(t, rec.Err, "relay down")
	assert.NotNil(t, rec.Opportunity)
}

func TestAnalyze_PanicReleasesSlot(t *testing.T) {
	boom := decoderFunc(func(types.PendingTx) ([]types.SwapIntent, error) { panic("bad decoder") })
	f := newFixture(t, fiveTokens(t), boom, cheap())

	rec := f.p.Analyze(context.Background(), pendingTx(9))
	assert.Equal(t, types.OutcomeDropped, rec.Outcome)
	assert.ErrorIs(t, rec.Err, admission.ErrPipelinePanic)
	assert.Zero(t, f.adm.InFlight())
}

func TestAnalyze_AdmissionBoundsConcurrency(t *testing.T) {
	const n = 16
	var active, peak atomic.Int64
	slow := decoderFunc(func(types.PendingTx) ([]types.SwapIntent, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	f := newFixture(t, fiveTokens(t), slow, cheap())

	var wg sync.WaitGroup
	var done atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := f.p.Analyze(context.Background(), pendingTx(byte(i)))
			if rec.Outcome == types.OutcomeNoIntent {
				done.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(n), done.Load())
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.LessOrEqual(t, f.adm.Peak(), 2)
	assert.Zero(t, f.adm.InFlight())
}

func TestAnalyze_CancelledWhileWaiting(t *testing.T) {
	f := newFixture(t, fiveTokens(t), intents(sideSwap), cheap())
	release, err := f.adm.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := f.adm.Acquire(context.Background())
	require.NoError(t, err)
	defer release()
	defer release2()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rec := f.p.Analyze(ctx, pendingTx(10))
	assert.Equal(t, types.OutcomeDropped, rec.Outcome)
	assert.ErrorIs(t, rec.Err, context.DeadlineExceeded)
}

// ============================================================================
// DISPATCH
// ============================================================================

type countingAnalyzer struct {
	n atomic.Int64
}

func (c *countingAnalyzer) Analyze(_ context.Context, tx types.PendingTx) types.Record {
	c.n.Add(1)
	return types.Record{TxHash: tx.Hash, Outcome: types.OutcomeNoIntent}
}

func TestDispatcher_DeliversEverything(t *testing.T) {
	var a countingAnalyzer
	d := NewDispatcher(&a, 3, false, nil)
	assert.Equal(t, 3, d.Workers())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 100; i++ {
		require.True(t, d.Submit(pendingTx(byte(i))))
	}
	require.Eventually(t, func() bool { return a.n.Load() == 100 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestDispatcher_DropsWhenEveryRingIsFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(&countingAnalyzer{}, 2, false, m)

	// no workers running: capacity is exactly two rings
	for i := 0; i < 2*constants.DispatchRingSize; i++ {
		require.True(t, d.Submit(pendingTx(byte(i))), "submit %d", i)
	}
	assert.False(t, d.Submit(pendingTx(0)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("dropped")))
}

func TestDispatcher_PausedWhileFaulted(t *testing.T) {
	control.Fault("feed: disconnected")
	t.Cleanup(func() { control.ClearFault() })

	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(&countingAnalyzer{}, 1, false, m)
	assert.False(t, d.Submit(pendingTx(1)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))

	control.ClearFault()
	assert.True(t, d.Submit(pendingTx(2)))
}

func TestPipeline_SearchTimeoutsCountOnlyEmptyExpiries(t *testing.T) {
	f := newFixture(t, fiveTokens(t), intents(sideSwap), cheap())

	f.p.observeSearch(search.Stats{Expired: true, Expansions: 10}, nil)
	assert.Zero(t, testutil.ToFloat64(f.metrics.SearchTimeouts), "degraded run had a candidate")

	f.p.observeSearch(search.Stats{Expired: true}, search.ErrSearchTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchTimeouts))

	f.p.observeSearch(search.Stats{}, search.ErrNoCycleFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchTimeouts))
}

// ============================================================================
// INGEST
// ============================================================================

func TestIngest_OnReserve(t *testing.T) {
	s := fiveTokens(t)
	m := metrics.New(prometheus.NewRegistry())
	in := &Ingest{Store: s, Dispatcher: NewDispatcher(&countingAnalyzer{}, 1, false, m), Metrics: m}

	// ven(1) is A–B with A < B, so Reserve0 belongs to A
	in.OnReserve(types.ReserveUpdate{Venue: ven(1), Reserve0: ether(7), Reserve1: ether(9), Block: 10})
	e, ok := s.Edge(ven(1))
	require.True(t, ok)
	assert.True(t, e.ReserveA.Eq(ether(7)))
	assert.True(t, e.ReserveB.Eq(ether(9)))

	// unregistered venues are ignored but still prove the feed is live
	before := s.ConfirmedThrough()
	in.OnReserve(types.ReserveUpdate{Venue: ven(77), Reserve0: ether(1), Reserve1: ether(1)})
	assert.Equal(t, 5, s.Len())
	assert.False(t, s.ConfirmedThrough().Before(before))
	assert.False(t, s.ConfirmedThrough().IsZero())

	wide := new(uint256.Int).Lsh(uint256.NewInt(1), 120)
	in.OnReserve(types.ReserveUpdate{Venue: ven(2), Reserve0: wide, Reserve1: ether(1), Block: 11})
	e, _ = s.Edge(ven(2))
	assert.True(t, e.Disabled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CorruptReserves))
}

func TestIngest_FaultedFeedDoesNotConfirm(t *testing.T) {
	control.Fault("feed: disconnected")
	t.Cleanup(func() { control.ClearFault() })

	s := fiveTokens(t)
	in := &Ingest{Store: s, Dispatcher: NewDispatcher(&countingAnalyzer{}, 1, false, nil)}
	in.OnReserve(types.ReserveUpdate{Venue: ven(1), Reserve0: ether(7), Reserve1: ether(9), Block: 10})
	assert.True(t, s.ConfirmedThrough().IsZero())
}

func TestIngest_OnPendingDispatches(t *testing.T) {
	var a countingAnalyzer
	d := NewDispatcher(&a, 1, false, nil)
	in := &Ingest{Store: market.New(), Dispatcher: d}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	in.OnPending(pendingTx(1))
	require.Eventually(t, func() bool { return a.n.Load() == 1 }, 5*time.Second, time.Millisecond)
}
