// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Global tunables for the cycle arbitrage engine
//
// Purpose:
//   - Defines default search, projection and verification limits.
//   - Defines ingestion caps (dedupe ring, dispatch rings, frame sizes).
//   - Values here are defaults only; config.Load may override most of them.
//
// Notes:
//   - Power-of-2 sizes wherever a value feeds a bit mask.
//   - Uniswap V2 stores reserves as uint112; anything wider is corruption.
//
// ⚠️ No runtime logic here; all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

import "time"

// ───────────────────────────── Cycle Search ──────────────────────────────

const (
	// DefaultMaxHops bounds the depth of the cycle search.
	// 12 hops keeps the worst-case fan-out bounded while still reaching
	// long cycles that triangle-only scanners never see.
	DefaultMaxHops = 12

	// MinCycleHops is the shortest closed walk that counts as arbitrage.
	// Two hops through the same pair is a mispriced single venue.
	MinCycleHops = 3

	// DefaultSearchDeadline is the wall-clock budget for one search.
	DefaultSearchDeadline = 2 * time.Millisecond

	// DeadlineCheckMask controls how often workers look at the clock:
	// every (mask+1) node expansions.
	DeadlineCheckMask = 255
)

// ─────────────────────────── Impact Projection ────────────────────────────

const (
	// DefaultFreshness is how old a venue's cached reserves may be before
	// projection refuses to act on them (~3 mainnet blocks).
	DefaultFreshness = 36 * time.Second

	// DefaultPipelineDeadline caps one full decode→project→search→verify run.
	DefaultPipelineDeadline = 25 * time.Millisecond
)

// ─────────────────────────── AMM Arithmetic ───────────────────────────────

const (
	// FeeDenominator is the basis-point denominator for venue fees.
	FeeDenominator = 10_000

	// UniswapV2FeeBps is the canonical 0.30% pair fee.
	UniswapV2FeeBps = 30

	// MaxReserveBits is the width of a Uniswap V2 reserve slot (uint112).
	MaxReserveBits = 112
)

// ─────────────────────────── Verification ─────────────────────────────────

const (
	// MaxTernaryIterations bounds the input-size search. Each round keeps
	// 2/3 of the interval, so 512 rounds collapse any 256-bit range.
	MaxTernaryIterations = 512

	// DefaultBaseGas is the fixed overhead of an arbitrage bundle.
	DefaultBaseGas = 60_000

	// DefaultGasPerHop is the marginal cost of one more swap.
	DefaultGasPerHop = 65_000
)

// ───────────────────────────── Deduplication ──────────────────────────────

const (
	// RingBits sizes the dedupe rings: 2^16 slots each.
	RingBits = 16

	// MaxReorg is the block distance after which a dedupe slot is stale.
	MaxReorg = 128
)

// ───────────────────────────── Dispatch Rings ─────────────────────────────

const (
	// DispatchRingSize is the per-worker SPSC ring capacity.
	DispatchRingSize = 1 << 10

	// SpinBudget is the number of empty polls before a worker parks.
	SpinBudget = 224

	// MaxSupportedCores bounds worker count and CPU pinning masks.
	MaxSupportedCores = 64
)

// ──────────────────────── WebSocket Framing Caps ──────────────────────────

const (
	// MaxFrameSize caps a single subscription frame. Full pending
	// transactions with large calldata stay well below this.
	MaxFrameSize = 512 << 10

	// WsHandshakeTimeout bounds the upgrade request.
	WsHandshakeTimeout = 10 * time.Second

	// WsWriteTimeout bounds subscription writes.
	WsWriteTimeout = 5 * time.Second

	// WsPingInterval is how often the feed pings the node.
	WsPingInterval = 10 * time.Second

	// WsReadTimeout is how long the feed waits for any frame or pong before
	// declaring the connection dead. Must exceed WsPingInterval.
	WsReadTimeout = 30 * time.Second
)

// ─────────────────────────── Historical Harvest ───────────────────────────

const (
	// OptimalBatchSize is the starting eth_getLogs block window.
	OptimalBatchSize = 2_000

	// MinBatchSize is the floor for adaptive halving.
	MinBatchSize = 1

	// DefaultRPCRequestsPerSecond throttles harvester and refresh calls.
	DefaultRPCRequestsPerSecond = 20

	// RefreshQueueSize bounds out-of-band venue refresh requests.
	RefreshQueueSize = 256
)

// ──────────────────────────── Opportunity Aggregation ─────────────────────────

const (
	// AggregatorIdleWindow is the quiet period after which collected
	// opportunities are finalized and forwarded.
	AggregatorIdleWindow = 50 * time.Millisecond

	// AggregatorMaxBundleSize caps opportunities forwarded per trigger
	// transaction and finalization.
	AggregatorMaxBundleSize = 8

	// AggregatorMaxAgeWindows bounds how long a steady stream can hold back
	// finalization: the oldest pending entry is forwarded after this many
	// idle windows even if the stream never goes quiet.
	AggregatorMaxAgeWindows = 4
)

// ─────────────────────────── Memory Hygiene ───────────────────────────────

const (
	// HeapSoftLimit triggers a manual GC and OS release during maintenance.
	HeapSoftLimit = 1 << 30 // 1 GiB
)
