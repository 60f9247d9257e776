package collabkit

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage keeps blobs in a single key/value table. The table
// is created on Connect when missing.
type PostgresStorage struct {
	connString string
	table      string

	pool *pgxpool.Pool
}

func NewPostgresStorage(connString string) *PostgresStorage {
	return &PostgresStorage{
		connString: connString,
		table:      "collabkit_blobs",
	}
}

func (self *PostgresStorage) Connect(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, self.connString)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+self.table+` (
			key VARCHAR(1024) PRIMARY KEY,
			blob BYTEA NOT NULL,
			updated_at DOUBLE PRECISION NOT NULL
		)
	`)
	if err != nil {
		pool.Close()
		return err
	}

	self.pool = pool
	return nil
}

func (self *PostgresStorage) Close() {
	if self.pool != nil {
		self.pool.Close()
		self.pool = nil
	}
}

var errNotConnected = errors.New("storage not connected")

func (self *PostgresStorage) Save(ctx context.Context, key string, blob []byte) error {
	if self.pool == nil {
		return errNotConnected
	}
	_, err := self.pool.Exec(ctx, `
		INSERT INTO `+self.table+` (key, blob, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET blob = $2, updated_at = $3
	`, key, blob, nowSeconds())
	return err
}

func (self *PostgresStorage) Load(ctx context.Context, key string) ([]byte, error) {
	if self.pool == nil {
		return nil, errNotConnected
	}
	var blob []byte
	err := self.pool.QueryRow(ctx, `
		SELECT blob FROM `+self.table+` WHERE key = $1
	`, key).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (self *PostgresStorage) Delete(ctx context.Context, key string) error {
	if self.pool == nil {
		return errNotConnected
	}
	_, err := self.pool.Exec(ctx, `
		DELETE FROM `+self.table+` WHERE key = $1
	`, key)
	return err
}

func (self *PostgresStorage) Exists(ctx context.Context, key string) (bool, error) {
	if self.pool == nil {
		return false, errNotConnected
	}
	var exists bool
	err := self.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+self.table+` WHERE key = $1)
	`, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (self *PostgresStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if self.pool == nil {
		return nil, errNotConnected
	}
	// escape LIKE wildcards in the prefix
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	rows, err := self.pool.Query(ctx, `
		SELECT key FROM `+self.table+` WHERE key LIKE $1 ORDER BY key
	`, escaped+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
