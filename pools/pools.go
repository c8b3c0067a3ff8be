// ════════════════════════════════════════════════════════════════════════════════════════════════
// Venue Registry
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: SQLite-backed pool list and reserve snapshots
//
// Description:
//   Holds every known pair (address, token0, token1, fee) and the last confirmed reserves the
//   engine saw for it. Loaded once at boot to seed the market store, written back on shutdown
//   so a restart does not begin from empty reserves.
//
// Schema:
//   pools(id, pool_address UNIQUE, token0, token1, fee_bps)
//   reserves(pool_address PRIMARY KEY, reserve0, reserve1, block_height, updated_at)
//
//   Addresses are stored as lowercase 0x-hex; reserves as decimal text; updated_at in unix ms.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package pools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/mattn/go-sqlite3"

	"cyclearb/types"
)

// ErrInvalidPool reports a pool row that cannot become an edge.
var ErrInvalidPool = errors.New("pools: invalid pool")

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_address TEXT    NOT NULL UNIQUE,
	token0       TEXT    NOT NULL,
	token1       TEXT    NOT NULL,
	fee_bps      INTEGER NOT NULL DEFAULT 30
);
CREATE TABLE IF NOT EXISTS reserves (
	pool_address TEXT    PRIMARY KEY,
	reserve0     TEXT    NOT NULL,
	reserve1     TEXT    NOT NULL,
	block_height INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);`

// Registry wraps the SQLite database.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("pools: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pools: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pools: schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// DB exposes the handle so other journals can share the file.
func (r *Registry) DB() *sql.DB { return r.db }

// Close closes the database.
func (r *Registry) Close() error { return r.db.Close() }

func hexKey(a common.Address) string { return strings.ToLower(a.Hex()) }

// AddPool registers a pair. Registering an existing address is a no-op.
func (r *Registry) AddPool(ctx context.Context, venue types.VenueID, token0, token1 types.Token, feeBps uint16) error {
	if token0 == token1 {
		return fmt.Errorf("%w: %s pairs %s with itself", ErrInvalidPool, venue.Hex(), token0.Hex())
	}
	if types.LessVenue(token1, token0) {
		token0, token1 = token1, token0
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pools (pool_address, token0, token1, fee_bps) VALUES (?, ?, ?, ?)`,
		hexKey(venue), hexKey(token0), hexKey(token1), feeBps)
	if err != nil {
		return fmt.Errorf("pools: add %s: %w", venue.Hex(), err)
	}
	return nil
}

// Count returns the number of registered pools.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pools`).Scan(&n)
	return n, err
}

// Load returns every pool as an edge in id order. Pools without a saved
// snapshot come back with nil reserves and a zero UpdatedAt.
func (r *Registry) Load(ctx context.Context) ([]types.PoolEdge, error) {
	n, err := r.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("pools: count: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.pool_address, p.token0, p.token1, p.fee_bps,
		       r.reserve0, r.reserve1, r.block_height, r.updated_at
		FROM pools p
		LEFT JOIN reserves r ON r.pool_address = p.pool_address
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("pools: query: %w", err)
	}
	defer rows.Close()

	edges := make([]types.PoolEdge, 0, n)
	for rows.Next() {
		var (
			addr, t0, t1 string
			fee          int64
			r0, r1       sql.NullString
			block, at    sql.NullInt64
		)
		if err := rows.Scan(&addr, &t0, &t1, &fee, &r0, &r1, &block, &at); err != nil {
			return nil, fmt.Errorf("pools: scan: %w", err)
		}
		if fee < 0 || fee >= 10_000 {
			return nil, fmt.Errorf("%w: %s fee %d", ErrInvalidPool, addr, fee)
		}
		e := types.PoolEdge{
			Venue:  common.HexToAddress(addr),
			TokenA: common.HexToAddress(t0),
			TokenB: common.HexToAddress(t1),
			FeeBps: uint16(fee),
		}
		if r0.Valid && r1.Valid {
			a, errA := uint256.FromDecimal(r0.String)
			b, errB := uint256.FromDecimal(r1.String)
			if errA != nil || errB != nil {
				return nil, fmt.Errorf("%w: %s reserves %q/%q", ErrInvalidPool, addr, r0.String, r1.String)
			}
			e.ReserveA, e.ReserveB = a, b
			e.Block = uint64(block.Int64)
			e.UpdatedAt = time.UnixMilli(at.Int64)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SaveReserves writes the reserves of every usable edge in one transaction.
func (r *Registry) SaveReserves(ctx context.Context, edges []types.PoolEdge) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pools: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reserves (pool_address, reserve0, reserve1, block_height, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pool_address) DO UPDATE SET
			reserve0 = excluded.reserve0,
			reserve1 = excluded.reserve1,
			block_height = excluded.block_height,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("pools: prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for i := range edges {
		e := &edges[i]
		if !e.Usable() {
			continue
		}
		r0, r1 := e.ReserveA, e.ReserveB
		if types.LessVenue(e.TokenB, e.TokenA) {
			r0, r1 = r1, r0
		}
		if _, err := stmt.ExecContext(ctx, hexKey(e.Venue), r0.Dec(), r1.Dec(), int64(e.Block), e.UpdatedAt.UnixMilli()); err != nil {
			return n, fmt.Errorf("pools: save %s: %w", e.Venue.Hex(), err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pools: commit: %w", err)
	}
	return n, nil
}
