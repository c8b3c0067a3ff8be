package parser

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// ============================================================================
// TEST FIXTURES
// ============================================================================

var pairAddr = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")

func bound(t *testing.T) *Parser {
	t.Helper()
	p := New()
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	p.Expect(1, StreamPending)
	p.Expect(2, StreamLogs)
	mustKind(t, p, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xaaa"}`), KindSubscribed)
	mustKind(t, p, []byte(`{"jsonrpc":"2.0","id":2,"result":"0xbbb"}`), KindSubscribed)
	return p
}

func mustKind(t *testing.T, p *Parser, frame []byte, want Kind) Event {
	t.Helper()
	ev, err := p.Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Kind != want {
		t.Fatalf("kind = %d, want %d", ev.Kind, want)
	}
	return ev
}

func notification(sub string, result string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":%q,"result":%s}}`, sub, result))
}

func syncLog(addr common.Address, r0, r1 int64, blk, tx, idx uint64, removed bool) string {
	data := append(common.LeftPadBytes(big.NewInt(r0).Bytes(), 32), common.LeftPadBytes(big.NewInt(r1).Bytes(), 32)...)
	return fmt.Sprintf(`{"address":%q,"topics":[%q],"data":%q,"blockNumber":"0x%x","transactionIndex":"0x%x","logIndex":"0x%x","removed":%v}`,
		addr.Hex(), SyncTopic.Hex(), hexutil.Encode(data), blk, tx, idx, removed)
}

func signedTx(t *testing.T, nonce uint64) *gethtypes.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1e9),
		GasFeeCap: big.NewInt(30e9),
		Gas:       250_000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      []byte{0x38, 0xed, 0x17, 0x39},
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(big.NewInt(1)), key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// ============================================================================
// TOPIC
// ============================================================================

func TestSyncTopic(t *testing.T) {
	want := common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1")
	if SyncTopic != want {
		t.Fatalf("SyncTopic = %s, want %s", SyncTopic.Hex(), want.Hex())
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("Sync(uint112,uint112)"))
	if common.BytesToHash(h.Sum(nil)) != SyncTopic {
		t.Fatal("topic mismatch against direct keccak")
	}
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

func TestParse_SubscribeBinding(t *testing.T) {
	p := New()
	p.Expect(7, StreamLogs)

	ev := mustKind(t, p, []byte(`{"jsonrpc":"2.0","id":7,"result":"0xfeed"}`), KindSubscribed)
	if ev.Stream != StreamLogs {
		t.Fatalf("stream = %d", ev.Stream)
	}
	// unknown id is ignored
	mustKind(t, p, []byte(`{"jsonrpc":"2.0","id":99,"result":"0xdead"}`), KindIgnored)
	// frames for unknown subscriptions are ignored
	mustKind(t, p, notification("0xdead", syncLog(pairAddr, 1, 2, 10, 0, 0, false)), KindIgnored)

	p.Reset()
	mustKind(t, p, notification("0xfeed", syncLog(pairAddr, 1, 2, 10, 0, 0, false)), KindIgnored)
}

func TestParse_RPCError(t *testing.T) {
	p := New()
	_, err := p.Parse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	if !errors.Is(err, ErrRPC) {
		t.Fatalf("want ErrRPC, got %v", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	p := bound(t)
	for _, frame := range [][]byte{
		[]byte(`{"jsonrpc":`),
		[]byte(`not json`),
		notification("0xbbb", `{"address":"0x01","topics":[`),
	} {
		if _, err := p.Parse(frame); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("frame %q: want ErrMalformedFrame, got %v", frame, err)
		}
	}
}

// ============================================================================
// PENDING TRANSACTIONS
// ============================================================================

func TestParse_PendingFullObject(t *testing.T) {
	p := bound(t)
	tx := signedTx(t, 3)
	js, err := tx.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	ev := mustKind(t, p, notification("0xaaa", string(js)), KindPending)
	if ev.Pending.Hash != tx.Hash() {
		t.Fatalf("hash = %s, want %s", ev.Pending.Hash.Hex(), tx.Hash().Hex())
	}
	if !ev.Pending.SeenAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("SeenAt = %v", ev.Pending.SeenAt)
	}

	back := new(gethtypes.Transaction)
	if err := back.UnmarshalBinary(ev.Pending.RawPayload); err != nil {
		t.Fatalf("payload is not a canonical encoding: %v", err)
	}
	if back.Hash() != tx.Hash() || back.Nonce() != 3 {
		t.Fatal("payload round trip mismatch")
	}

	// same transaction re-broadcast by another peer
	mustKind(t, p, notification("0xaaa", string(js)), KindIgnored)
}

func TestParse_PendingHashOnly(t *testing.T) {
	p := bound(t)
	mustKind(t, p, notification("0xaaa", `"0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"`), KindIgnored)
}

// ============================================================================
// SYNC LOGS
// ============================================================================

func TestParse_SyncLog(t *testing.T) {
	p := bound(t)
	ev := mustKind(t, p, notification("0xbbb", syncLog(pairAddr, 1000, 2000, 0x1234, 5, 17, false)), KindReserve)

	u := ev.Reserve
	if u.Venue != pairAddr || u.Block != 0x1234 || u.TxIndex != 5 || u.LogIndex != 17 {
		t.Fatalf("unexpected coordinates %+v", u)
	}
	if u.Reserve0.Uint64() != 1000 || u.Reserve1.Uint64() != 2000 {
		t.Fatalf("reserves = %s %s", u.Reserve0, u.Reserve1)
	}
	if p.LatestBlock() != 0x1234 {
		t.Fatalf("latest block = %d", p.LatestBlock())
	}

	// duplicate delivery
	mustKind(t, p, notification("0xbbb", syncLog(pairAddr, 1000, 2000, 0x1234, 5, 17, false)), KindIgnored)
}

func TestParse_RemovedAndForeignLogs(t *testing.T) {
	p := bound(t)
	mustKind(t, p, notification("0xbbb", syncLog(pairAddr, 1, 2, 9, 0, 0, true)), KindIgnored)

	transfer := `{"address":"0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc","topics":["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],"data":"0x","blockNumber":"0x9","transactionIndex":"0x0","logIndex":"0x1","removed":false}`
	mustKind(t, p, notification("0xbbb", transfer), KindIgnored)
}

func TestParse_SyncWrongDataLength(t *testing.T) {
	p := bound(t)
	bad := fmt.Sprintf(`{"address":%q,"topics":[%q],"data":"0x01","blockNumber":"0x9","transactionIndex":"0x0","logIndex":"0x1","removed":false}`,
		pairAddr.Hex(), SyncTopic.Hex())
	if _, err := p.Parse(notification("0xbbb", bad)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("want ErrMalformedFrame, got %v", err)
	}
}

func TestLogRecord_Update(t *testing.T) {
	rec := LogRecord{
		Address:     pairAddr,
		Topics:      []common.Hash{SyncTopic},
		Data:        make([]byte, 64),
		BlockNumber: "0x10",
		TxIndex:     "0x1",
		LogIndex:    "0x2",
	}
	rec.Data[31], rec.Data[63] = 7, 9
	u, ok, err := rec.Update()
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	if u.Reserve0.Uint64() != 7 || u.Reserve1.Uint64() != 9 || u.Block != 16 {
		t.Fatalf("unexpected update %+v", u)
	}
}
