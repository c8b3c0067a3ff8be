// ════════════════════════════════════════════════════════════════════════════════════════════════
// Confirmed Reserve Harvester
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: HTTP JSON-RPC catch-up and single-venue refresh
//
// Description:
//   Brings the market store up to the chain head before the live feed starts, and refreshes
//   individual venues out of band when projection finds their state stale.
//
// Features:
//   - eth_getLogs over the Sync topic with adaptive batch halving and doubling
//   - Progress persisted to a small metadata file after every batch
//   - eth_call getReserves() refresh with a bounded, coalescing request queue
//   - Every RPC call throttled through one token-bucket limiter
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package syncharvester

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/time/rate"

	"cyclearb/constants"
	"cyclearb/debug"
	"cyclearb/market"
	"cyclearb/metrics"
	"cyclearb/parser"
	"cyclearb/types"
	"cyclearb/utils"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ERRORS AND COLLABORATORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

var (
	// ErrRPC wraps an error object returned by the node.
	ErrRPC = errors.New("syncharvester: rpc error")

	// ErrRangeTooLarge is returned when even a single-block window is rejected.
	ErrRangeTooLarge = errors.New("syncharvester: log range too large")
)

// getReservesSelector is the 4-byte selector of getReserves().
var getReservesSelector = hexutil.Bytes{0x09, 0x02, 0xf1, 0xac}

// Applier receives confirmed reserve updates. *market.Store satisfies it.
type Applier interface {
	ApplyReserves(types.ReserveUpdate) error
}

// Confirmer is implemented by stores that track how far their whole state
// is known to be current. A completed catch-up confirms through the moment
// the head was read.
type Confirmer interface {
	Confirm(at time.Time)
}

// Config controls endpoints, throttling and persistence.
type Config struct {
	Endpoint          string
	RequestsPerSecond float64
	MetadataPath      string
	DeploymentBlock   uint64
	BatchSize         uint64
	Timeout           time.Duration
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HARVESTER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Harvester talks to one JSON-RPC endpoint on behalf of the store.
type Harvester struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	store   Applier
	metrics *metrics.Metrics

	batch     uint64
	successes int
	head      atomic.Uint64
	ids       atomic.Uint64

	refresh chan types.VenueID
	mu      sync.Mutex
	queued  map[types.VenueID]struct{}
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithHTTPClient replaces the pooled transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Harvester) { h.client = c }
}

// WithMetrics attaches refresh queue counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Harvester) { h.metrics = m }
}

// New builds a harvester writing into store.
func New(cfg Config, store Applier, opts ...Option) *Harvester {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = constants.DefaultRPCRequestsPerSecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = constants.OptimalBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	h := &Harvester{
		cfg:     cfg,
		client:  &http.Client{Transport: buildHTTPTransport(), Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		store:   store,
		batch:   cfg.BatchSize,
		refresh: make(chan types.VenueID, constants.RefreshQueueSize),
		queued:  make(map[types.VenueID]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// buildHTTPTransport builds a keep-alive transport sized for one endpoint.
func buildHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   4 * time.Second,
		ResponseHeaderTimeout: 12 * time.Second,
		ForceAttemptHTTP2:     true,
		Proxy:                 http.ProxyFromEnvironment,
	}
}

// Head is the last block number observed from the endpoint.
func (h *Harvester) Head() uint64 { return h.head.Load() }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// JSON-RPC TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result rawJSON   `json:"result"`
	Error  *rpcError `json:"error"`
}

type rawJSON []byte

func (r *rawJSON) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (h *Harvester) call(ctx context.Context, out any, method string, params ...any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = []any{}
	}
	body, err := sonnet.Marshal(rpcRequest{JSONRPC: "2.0", ID: h.ids.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("syncharvester: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("syncharvester: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("syncharvester: %s: HTTP %d", method, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("syncharvester: %s: read: %w", method, err)
	}

	var r rpcResponse
	if err := sonnet.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("syncharvester: %s: decode: %w", method, err)
	}
	if r.Error != nil {
		return fmt.Errorf("%w: %s: %d %s", ErrRPC, method, r.Error.Code, r.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := sonnet.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("syncharvester: %s: result: %w", method, err)
	}
	return nil
}

// BlockNumber returns the endpoint's current head.
func (h *Harvester) BlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := h.call(ctx, &hex, "eth_blockNumber"); err != nil {
		return 0, err
	}
	n := utils.ParseHexString(hex)
	if n == 0 {
		return 0, fmt.Errorf("syncharvester: eth_blockNumber returned %q", hex)
	}
	h.head.Store(n)
	return n, nil
}

type logFilter struct {
	FromBlock string        `json:"fromBlock"`
	ToBlock   string        `json:"toBlock"`
	Topics    []common.Hash `json:"topics"`
}

// GetLogs fetches Sync logs in [from, to].
func (h *Harvester) GetLogs(ctx context.Context, from, to uint64) ([]parser.LogRecord, error) {
	var logs []parser.LogRecord
	err := h.call(ctx, &logs, "eth_getLogs", logFilter{
		FromBlock: hexutil.EncodeUint64(from),
		ToBlock:   hexutil.EncodeUint64(to),
		Topics:    []common.Hash{parser.SyncTopic},
	})
	return logs, err
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CATCH-UP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// CatchUp replays Sync logs from the last persisted block to the current
// head. It returns the number of updates applied and the block reached.
func (h *Harvester) CatchUp(ctx context.Context) (int, uint64, error) {
	asOf := time.Now()
	head, err := h.BlockNumber(ctx)
	if err != nil {
		return 0, 0, err
	}
	last := LoadMetadata(h.cfg.MetadataPath, h.cfg.DeploymentBlock)
	if last >= head {
		h.confirm(asOf)
		return 0, last, nil
	}
	debug.DropMessage("HARVEST", fmt.Sprintf("catching up blocks %d..%d", last+1, head))

	applied := 0
	for cur := last + 1; cur <= head; {
		if err := ctx.Err(); err != nil {
			return applied, cur - 1, err
		}
		end := cur + h.batch - 1
		if end > head {
			end = head
		}

		logs, err := h.GetLogs(ctx, cur, end)
		if err != nil {
			if !tooManyResults(err) {
				return applied, cur - 1, err
			}
			if h.batch == constants.MinBatchSize {
				return applied, cur - 1, fmt.Errorf("%w: block %d", ErrRangeTooLarge, cur)
			}
			h.batch = max(h.batch/2, constants.MinBatchSize)
			h.successes = 0
			continue
		}

		applied += h.applyLogs(logs)
		if err := SaveMetadata(h.cfg.MetadataPath, end); err != nil {
			debug.DropError("HARVEST_META", err)
		}
		cur = end + 1

		h.successes++
		if h.successes >= 3 && h.batch < constants.OptimalBatchSize {
			h.batch = min(h.batch*2, constants.OptimalBatchSize)
			h.successes = 0
		}
	}
	h.confirm(asOf)
	return applied, head, nil
}

func (h *Harvester) confirm(at time.Time) {
	if c, ok := h.store.(Confirmer); ok {
		c.Confirm(at)
	}
}

func (h *Harvester) applyLogs(logs []parser.LogRecord) int {
	n := 0
	for i := range logs {
		u, ok, err := logs[i].Update()
		if err != nil {
			debug.DropError("HARVEST_LOG", err)
			continue
		}
		if !ok {
			continue
		}
		switch err := h.store.ApplyReserves(u); {
		case err == nil:
			n++
		case errors.Is(err, market.ErrUnknownVenue):
		default:
			debug.DropError("HARVEST_APPLY", err)
		}
	}
	return n
}

// tooManyResults recognizes the provider responses that mean "narrow the window".
func tooManyResults(err error) bool {
	if !errors.Is(err, ErrRPC) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "-32005") ||
		strings.Contains(msg, "more than") ||
		strings.Contains(msg, "too many") ||
		strings.Contains(msg, "range")
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// VENUE REFRESH
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// RefreshVenue reads getReserves() from the pair and applies it.
func (h *Harvester) RefreshVenue(ctx context.Context, venue types.VenueID) error {
	var out hexutil.Bytes
	if err := h.call(ctx, &out, "eth_call", callArgs{To: venue, Data: getReservesSelector}, "latest"); err != nil {
		return err
	}
	if len(out) < 64 {
		return fmt.Errorf("syncharvester: getReserves on %s returned %d bytes", venue.Hex(), len(out))
	}
	return h.store.ApplyReserves(types.ReserveUpdate{
		Venue:    venue,
		Reserve0: new(uint256.Int).SetBytes(out[:32]),
		Reserve1: new(uint256.Int).SetBytes(out[32:64]),
		Block:    h.head.Load(),
	})
}

// Request queues a venue for refresh without blocking. Venues already
// queued are coalesced. It reports whether the venue is now queued.
func (h *Harvester) Request(venue types.VenueID) bool {
	h.mu.Lock()
	if _, dup := h.queued[venue]; dup {
		h.mu.Unlock()
		return true
	}
	h.queued[venue] = struct{}{}
	h.mu.Unlock()

	select {
	case h.refresh <- venue:
		if h.metrics != nil {
			h.metrics.RefreshQueued.Inc()
		}
		return true
	default:
		h.mu.Lock()
		delete(h.queued, venue)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.RefreshDropped.Inc()
		}
		return false
	}
}

// RunRefresher drains the refresh queue until ctx ends.
func (h *Harvester) RunRefresher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case venue := <-h.refresh:
			h.mu.Lock()
			delete(h.queued, venue)
			h.mu.Unlock()
			if err := h.RefreshVenue(ctx, venue); err != nil && ctx.Err() == nil {
				debug.DropError("REFRESH", err)
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// METADATA MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// LoadMetadata reads the last processed block height, or returns fallback
// when the file is missing or short.
func LoadMetadata(path string, fallback uint64) uint64 {
	if path == "" {
		return fallback
	}
	buf, err := os.ReadFile(path)
	if err != nil || len(buf) != 8 {
		return fallback
	}
	return binary.LittleEndian.Uint64(buf)
}

// SaveMetadata writes the last processed block height atomically.
func SaveMetadata(path string, block uint64) error {
	if path == "" {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], block)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".harvest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf[:]); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
