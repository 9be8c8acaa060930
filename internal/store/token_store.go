package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/verimail/internal/model"
)

// GetToken returns the most recent token of a namespace bound to foreignID.
func (s *SQLiteStore) GetToken(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID) (string, error) {
	var token string
	err := s.db.GetContext(ctx, &token, `
		SELECT token FROM tokens
		WHERE namespc = ? AND foreign_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		int(ns), foreignID,
	)
	if err != nil {
		return "", notFound(err, "getting token %d/%d", ns, foreignID)
	}
	return token, nil
}

// SaveToken stores a new token of a namespace bound to foreignID.
func (s *SQLiteStore) SaveToken(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tokens (namespc, foreign_id, token, timestamp) VALUES (?, ?, ?, ?)",
		int(ns), foreignID, token, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving token %d/%d: %w", ns, foreignID, err)
	}
	return nil
}

// TokenExists reports whether token was ever issued in the namespace.
func (s *SQLiteStore) TokenExists(ctx context.Context, ns model.TokenNamespace, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM tokens WHERE namespc = ? AND token = ?", int(ns), token,
	)
	if err != nil {
		return false, fmt.Errorf("checking token in namespace %d: %w", ns, err)
	}
	return count > 0, nil
}
