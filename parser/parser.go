package parser

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"cyclearb/dedupe"
	"cyclearb/types"
	"cyclearb/utils"
)

// ============================================================================
// SUBSCRIPTION FRAME PARSER
// ============================================================================
//
// Turns eth_subscription frames into engine events:
//   - newPendingTransactions (full objects) → types.PendingTx
//   - logs filtered on the Sync topic       → types.ReserveUpdate
//
// Subscribe responses bind the node-assigned subscription id to the stream
// kind registered with Expect. Frames for unknown subscriptions, hash-only
// pending notifications and removed logs are ignored. Repeated logs and
// repeated pending hashes are suppressed through the dedupe rings.
//
// A Parser is owned by the single feed goroutine and is not safe for
// concurrent use.
// ============================================================================

// SyncTopic is keccak256("Sync(uint112,uint112)"), topic0 of every Uniswap V2 Sync log.
var SyncTopic = eventTopic("Sync(uint112,uint112)")

var (
	// ErrMalformedFrame reports a frame the parser could not decode.
	ErrMalformedFrame = errors.New("parser: malformed frame")

	// ErrRPC reports an error object returned by the node.
	ErrRPC = errors.New("parser: rpc error")
)

// Kind classifies a parsed frame.
type Kind uint8

const (
	KindIgnored Kind = iota
	KindSubscribed
	KindPending
	KindReserve
)

// Stream names a subscription the caller expects a response for.
type Stream uint8

const (
	StreamPending Stream = iota + 1
	StreamLogs
)

// Event is the result of parsing one frame. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	Stream  Stream
	Pending types.PendingTx
	Reserve types.ReserveUpdate
}

// Parser holds subscription bindings and dedupe state.
type Parser struct {
	expect map[uint64]Stream
	subs   map[string]Stream

	logs      *dedupe.Deduper
	hashes    *dedupe.HashFilter
	latestBlk uint32

	now func() time.Time
}

// New returns an empty parser.
func New() *Parser {
	return &Parser{
		expect: make(map[uint64]Stream, 2),
		subs:   make(map[string]Stream, 2),
		logs:   dedupe.New(),
		hashes: dedupe.NewHashFilter(),
		now:    time.Now,
	}
}

// Expect registers the stream a pending eth_subscribe request id belongs to.
func (p *Parser) Expect(id uint64, s Stream) {
	p.expect[id] = s
}

// Reset forgets every subscription binding, used after a reconnect.
func (p *Parser) Reset() {
	clear(p.expect)
	clear(p.subs)
}

// LatestBlock is the highest block number seen on any Sync log.
func (p *Parser) LatestBlock() uint64 { return uint64(p.latestBlk) }

// ============================================================================
// WIRE SHAPES
// ============================================================================

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	ID     uint64    `json:"id"`
	Result rawJSON   `json:"result"`
	Error  *rpcError `json:"error"`
	Method string    `json:"method"`
	Params struct {
		Subscription string  `json:"subscription"`
		Result       rawJSON `json:"result"`
	} `json:"params"`
}

// rawJSON captures a value verbatim for a second, typed decode.
type rawJSON []byte

func (r *rawJSON) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

// LogRecord is the JSON shape of one log, shared by the subscription
// stream and eth_getLogs responses.
type LogRecord struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber string         `json:"blockNumber"`
	TxIndex     string         `json:"transactionIndex"`
	LogIndex    string         `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

// Update converts a Sync log into a reserve update. ok is false for logs
// that are not Sync events or were removed by a reorg.
func (l *LogRecord) Update() (u types.ReserveUpdate, ok bool, err error) {
	if l.Removed || len(l.Topics) == 0 || l.Topics[0] != SyncTopic {
		return u, false, nil
	}
	if len(l.Data) != 64 {
		return u, false, fmt.Errorf("%w: sync data of %d bytes at %s", ErrMalformedFrame, len(l.Data), l.Address.Hex())
	}
	return types.ReserveUpdate{
		Venue:    l.Address,
		Reserve0: new(uint256.Int).SetBytes(l.Data[:32]),
		Reserve1: new(uint256.Int).SetBytes(l.Data[32:]),
		Block:    utils.ParseHexString(l.BlockNumber),
		TxIndex:  utils.ParseHexString(l.TxIndex),
		LogIndex: utils.ParseHexString(l.LogIndex),
	}, true, nil
}

// ============================================================================
// FRAME HANDLING
// ============================================================================

// Parse decodes one WebSocket text frame.
func (p *Parser) Parse(frame []byte) (Event, error) {
	var env envelope
	if err := sonnet.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v (%s)", ErrMalformedFrame, err, utils.B2s(utils.Truncate(frame, 96)))
	}
	if env.Error != nil {
		return Event{}, fmt.Errorf("%w: %d %s", ErrRPC, env.Error.Code, env.Error.Message)
	}

	if env.Method == "" {
		return p.subscribed(&env)
	}
	if env.Method != "eth_subscription" {
		return Event{}, nil
	}

	switch p.subs[env.Params.Subscription] {
	case StreamPending:
		return p.pending(env.Params.Result)
	case StreamLogs:
		return p.reserve(env.Params.Result)
	}
	return Event{}, nil
}

func (p *Parser) subscribed(env *envelope) (Event, error) {
	s, ok := p.expect[env.ID]
	if !ok {
		return Event{}, nil
	}
	var sub string
	if err := sonnet.Unmarshal(env.Result, &sub); err != nil || sub == "" {
		return Event{}, fmt.Errorf("%w: subscribe response for id %d", ErrMalformedFrame, env.ID)
	}
	delete(p.expect, env.ID)
	p.subs[sub] = s
	return Event{Kind: KindSubscribed, Stream: s}, nil
}

func (p *Parser) pending(raw rawJSON) (Event, error) {
	// hash-only notifications carry nothing to analyze
	if len(raw) == 0 || raw[0] == '"' {
		return Event{}, nil
	}
	tx := new(gethtypes.Transaction)
	if err := sonnet.Unmarshal(raw, tx); err != nil {
		return Event{}, fmt.Errorf("%w: pending tx: %v", ErrMalformedFrame, err)
	}
	h := tx.Hash()
	if p.hashes.Seen(h) {
		return Event{}, nil
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return Event{}, fmt.Errorf("%w: pending tx %s: %v", ErrMalformedFrame, h.Hex(), err)
	}
	return Event{
		Kind:    KindPending,
		Stream:  StreamPending,
		Pending: types.PendingTx{Hash: h, RawPayload: payload, SeenAt: p.now()},
	}, nil
}

func (p *Parser) reserve(raw rawJSON) (Event, error) {
	var rec LogRecord
	if err := sonnet.Unmarshal(raw, &rec); err != nil {
		return Event{}, fmt.Errorf("%w: log: %v", ErrMalformedFrame, err)
	}
	u, ok, err := rec.Update()
	if err != nil || !ok {
		return Event{}, err
	}
	if blk := uint32(u.Block); blk > p.latestBlk {
		p.latestBlk = blk
	}
	if !p.logs.CheckUpdate(&u, p.latestBlk) {
		return Event{}, nil
	}
	return Event{Kind: KindReserve, Stream: StreamLogs, Reserve: u}, nil
}

func eventTopic(sig string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(sig))
	var out common.Hash
	h.Sum(out[:0])
	return out
}
