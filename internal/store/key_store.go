package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GetSelfKey returns the armored private key of the default keypair for addr.
func (s *SQLiteStore) GetSelfKey(ctx context.Context, addr string) ([]byte, error) {
	var key []byte
	err := s.db.GetContext(ctx, &key, `
		SELECT private_key FROM keypairs
		WHERE addr = ? AND is_default = 1
		ORDER BY id DESC LIMIT 1`,
		strings.TrimSpace(addr),
	)
	if err != nil {
		return nil, notFound(err, "getting self key for %s", addr)
	}
	return key, nil
}

// SaveSelfKey stores armoredPrivate as the new default keypair for addr.
func (s *SQLiteStore) SaveSelfKey(ctx context.Context, addr string, armoredPrivate []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	addr = strings.TrimSpace(addr)
	if _, err := tx.ExecContext(ctx, "UPDATE keypairs SET is_default = 0 WHERE addr = ?", addr); err != nil {
		return fmt.Errorf("clearing default keypair for %s: %w", addr, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO keypairs (addr, is_default, private_key, created) VALUES (?, 1, ?, ?)",
		addr, armoredPrivate, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving keypair for %s: %w", addr, err)
	}

	return tx.Commit()
}
