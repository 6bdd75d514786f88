// Package postgres provides the Postgres-backed ingestion store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config controls the connection pool backing the Store.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	Charset         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// SchemaFile overrides the embedded bootstrap script when set.
	SchemaFile string
}

// ConnString renders the config as a postgres:// URL.
func (c Config) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// pgxPool is the subset of *pgxpool.Pool the store relies on; pgxmock.PgxPoolIface
// satisfies it in tests.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements store.Store on top of a pgx connection pool.
type Store struct {
	pool       pgxPool
	logger     *zap.Logger
	schemaFile string
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger used for rollback and bootstrap diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchemaFile makes EnsureSchema read path instead of the embedded script.
func WithSchemaFile(path string) Option {
	return func(s *Store) { s.schemaFile = path }
}

// New connects a pool using cfg. The caller owns the returned Store and must
// Close it.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, fmt.Errorf("db.host and db.database are required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.Charset != "" {
		poolCfg.ConnConfig.RuntimeParams["client_encoding"] = cfg.Charset
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.SchemaFile != "" {
		opts = append([]Option{WithSchemaFile(cfg.SchemaFile)}, opts...)
	}
	return NewWithPool(pool, opts...)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &Store{pool: pool, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping verifies a connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// withTx runs fn inside a transaction, committing when fn succeeds and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				s.logger.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
			}
			return
		}
		if cErr := tx.Commit(ctx); cErr != nil {
			err = fmt.Errorf("commit transaction: %w", cErr)
		}
	}()
	return fn(tx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
