// Package manifest records deployments per chain in a local SQLite file so
// later runs can reuse implementations, factories and library addresses.
package manifest

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("deployment not found")

type Kind string

const (
	KindPlain          Kind = "plain"
	KindImplementation Kind = "implementation"
	KindProxy          Kind = "proxy"
	KindFactory        Kind = "factory"
)

type Deployment struct {
	ID             string
	ChainID        uint64
	Network        string
	Contract       string
	Kind           Kind
	Address        common.Address
	Implementation common.Address
	Admin          common.Address
	BytecodeHash   common.Hash
	TxHash         common.Hash
	BlockNumber    uint64
	Deployer       common.Address
	DeployedAt     time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the manifest database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create manifest dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = path
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := applyMigrations(ctx, sqlDB, migrationsFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate manifest: %w", err)
	}
	return &Store{db: sqlDB, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores d, assigning an id and timestamp when missing.
func (s *Store) Record(ctx context.Context, d Deployment) (Deployment, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DeployedAt.IsZero() {
		d.DeployedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deployments (
    id, chain_id, network, contract, kind, address, implementation, admin,
    bytecode_hash, tx_hash, block_number, deployer, deployed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, int64(d.ChainID), d.Network, d.Contract, string(d.Kind),
		d.Address.Hex(), hexOrEmpty(d.Implementation), hexOrEmpty(d.Admin),
		hashOrEmpty(d.BytecodeHash), d.TxHash.Hex(), int64(d.BlockNumber),
		d.Deployer.Hex(), d.DeployedAt.UnixMilli(),
	)
	if err != nil {
		return Deployment{}, fmt.Errorf("record %s %s: %w", d.Kind, d.Contract, err)
	}
	return d, nil
}

// FindImplementation returns the newest implementation deployed on chainID
// from creation code with the given hash.
func (s *Store) FindImplementation(ctx context.Context, chainID uint64, bytecodeHash common.Hash) (Deployment, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
WHERE chain_id = ? AND kind = ? AND bytecode_hash = ?
ORDER BY deployed_at DESC, rowid DESC LIMIT 1`,
		int64(chainID), string(KindImplementation), bytecodeHash.Hex())
	return scanOne(row)
}

// Latest returns the newest deployment of contract with the given kind.
func (s *Store) Latest(ctx context.Context, chainID uint64, contract string, kind Kind) (Deployment, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
WHERE chain_id = ? AND contract = ? AND kind = ?
ORDER BY deployed_at DESC, rowid DESC LIMIT 1`,
		int64(chainID), contract, string(kind))
	return scanOne(row)
}

// List returns every deployment on chainID, oldest first.
func (s *Store) List(ctx context.Context, chainID uint64) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE chain_id = ?
ORDER BY deployed_at ASC, rowid ASC`, int64(chainID))
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return out, nil
}

const selectColumns = `
SELECT id, chain_id, network, contract, kind, address, implementation, admin,
       bytecode_hash, tx_hash, block_number, deployer, deployed_at
FROM deployments`

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (Deployment, error) {
	d, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, ErrNotFound
	}
	return d, err
}

func scan(row scanner) (Deployment, error) {
	var (
		d                                    Deployment
		chainID, blockNumber, deployedAt     int64
		kind, address, implementation, admin string
		bytecodeHash, txHash, deployer       string
	)
	if err := row.Scan(&d.ID, &chainID, &d.Network, &d.Contract, &kind, &address,
		&implementation, &admin, &bytecodeHash, &txHash, &blockNumber, &deployer, &deployedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Deployment{}, err
		}
		return Deployment{}, fmt.Errorf("scan deployment: %w", err)
	}
	d.ChainID = uint64(chainID)
	d.Kind = Kind(kind)
	d.Address = common.HexToAddress(address)
	if implementation != "" {
		d.Implementation = common.HexToAddress(implementation)
	}
	if admin != "" {
		d.Admin = common.HexToAddress(admin)
	}
	if bytecodeHash != "" {
		d.BytecodeHash = common.HexToHash(bytecodeHash)
	}
	d.TxHash = common.HexToHash(txHash)
	d.BlockNumber = uint64(blockNumber)
	d.Deployer = common.HexToAddress(deployer)
	d.DeployedAt = time.UnixMilli(deployedAt).UTC()
	return d, nil
}

func hexOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
