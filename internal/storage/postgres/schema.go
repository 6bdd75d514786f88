package postgres

import (
	"context"
	"embed"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

// SchemaVersion is the version recorded by the embedded bootstrap script.
const SchemaVersion = 1

const schemaScript = "schema/001_init.sql"

//go:embed schema/*.sql
var schemaFS embed.FS

// EnsureSchema applies the bootstrap script when the churches table is missing.
// Statements run in order on the pool; the first failure aborts with a
// *church.SchemaError.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('churches') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if exists {
		s.logger.Debug("schema present; skipping bootstrap")
		return nil
	}

	script, err := s.readSchema()
	if err != nil {
		return &church.SchemaError{Err: err}
	}
	stmts := SplitStatements(script)
	s.logger.Info("applying schema", zap.Int("version", SchemaVersion), zap.Int("statements", len(stmts)))
	for i, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &church.SchemaError{Statement: i + 1, Err: err}
		}
	}
	return nil
}

func (s *Store) readSchema() (string, error) {
	if s.schemaFile != "" {
		data, err := os.ReadFile(s.schemaFile)
		if err != nil {
			return "", fmt.Errorf("read schema file: %w", err)
		}
		return string(data), nil
	}
	data, err := schemaFS.ReadFile(schemaScript)
	if err != nil {
		return "", fmt.Errorf("read embedded schema: %w", err)
	}
	return string(data), nil
}
