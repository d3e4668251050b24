package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	_ "github.com/lib/pq"
	"github.com/pnvasko/count-flow/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
	"strconv"
	"strings"
	"time"
)

type Dialect struct {
	Name   string
	Driver string
	// SingleWriter caps the pool at one connection (SQLite locks the whole file on write).
	SingleWriter bool
	placeholder  func(n int) string
}

var (
	DialectPostgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
	DialectSQLite = Dialect{
		Name:         "sqlite",
		Driver:       "sqlite",
		SingleWriter: true,
		placeholder:  func(int) string { return "?" },
	}
)

type PoolConfig struct {
	MaxPoolSize       int
	MinIdle           int
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	ConnectionTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPoolSize:       10,
		MinIdle:           2,
		IdleTimeout:       30 * time.Second,
		MaxLifetime:       30 * time.Minute,
		ConnectionTimeout: 5 * time.Second,
	}
}

func (p PoolConfig) connectionTimeout() time.Duration {
	if p.ConnectionTimeout <= 0 {
		return 5 * time.Second
	}
	return p.ConnectionTimeout
}

// SQLStore keeps (entity_id, count) rows in a relational table. Each operation
// checks one connection out of the pool and returns it on every exit path.
type SQLStore struct {
	*baseKvStore
	db      *sql.DB
	dialect Dialect
	minIdle int

	readQuery   string
	upsertQuery string
	deleteQuery string

	tracer trace.Tracer
	logger *common.Logger
}

func OpenSQLStore(dialect Dialect, dsn string, pool PoolConfig, tracer trace.Tracer, logger *common.Logger, opts ...StoreOption[*SQLStore]) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: %s dsn is empty", common.ErrInvalidConfig, dialect.Name)
	}
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", dialect.Name, err)
	}

	maxOpen := pool.MaxPoolSize
	if maxOpen <= 0 || dialect.SingleWriter {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	if pool.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(pool.IdleTimeout)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}

	s := &SQLStore{
		baseKvStore: &baseKvStore{
			scope:            defaultStoreScope,
			retryWait:        defaultRetryWait,
			opTimeout:        pool.connectionTimeout(),
			maxRetryAttempts: defaultMaxRetryAttempts,
		},
		db:      db,
		dialect: dialect,
		minIdle: min(pool.MinIdle, maxOpen),
		tracer:  tracer,
		logger:  logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	table := quoteIdentifier(s.scope)
	p := dialect.placeholder
	s.readQuery = fmt.Sprintf("SELECT count FROM %s WHERE entity_id = %s", table, p(1))
	s.upsertQuery = fmt.Sprintf(`
		INSERT INTO %s (entity_id, count)
		VALUES (%s, %s)
		ON CONFLICT (entity_id)
		DO UPDATE SET count = excluded.count`, table, p(1), p(2))
	s.deleteQuery = fmt.Sprintf("DELETE FROM %s WHERE entity_id = %s", table, p(1))
	return s, nil
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Table() string {
	return s.scope
}

// Bootstrap creates the counters table if absent and opens the configured
// number of idle connections up front.
func (s *SQLStore) Bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s db: %w", s.dialect.Name, err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			entity_id VARCHAR(%d) PRIMARY KEY,
			count BIGINT NOT NULL
		)`, quoteIdentifier(s.scope), MaxEntityIDLength)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.scope, err)
	}

	conns := make([]*sql.Conn, 0, s.minIdle)
	for i := 0; i < s.minIdle; i++ {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			s.logger.Ctx(ctx).Warn("could not pre-open idle connection", zap.Error(err))
			break
		}
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.logger.Ctx(ctx).Info("durable store ready", zap.String("dialect", s.dialect.Name), zap.String("table", s.scope))
	return nil
}

func (s *SQLStore) Read(ctx context.Context, entityID string) (int64, bool) {
	ctx, span := s.tracer.Start(ctx, "durable.read", trace.WithAttributes(attribute.String("entity", entityID)))
	defer span.End()

	var count int64
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, s.readQuery, entityID).Scan(&count)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false
	}
	if err != nil {
		s.logError(ctx, "error reading entity count", err, entityID)
		return 0, false
	}
	return count, true
}

func (s *SQLStore) Upsert(ctx context.Context, entityID string, count int64) bool {
	ctx, span := s.tracer.Start(ctx, "durable.upsert", trace.WithAttributes(attribute.String("entity", entityID)))
	defer span.End()

	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.upsertQuery, entityID, count)
		return err
	})
	if err != nil {
		s.logError(ctx, "error upserting entity count", err, entityID)
		return false
	}
	return true
}

func (s *SQLStore) Delete(ctx context.Context, entityID string) {
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.deleteQuery, entityID)
		return err
	})
	if err != nil {
		s.logError(ctx, "error deleting entity count", err, entityID)
	}
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s pool: %w", s.dialect.Name, err)
	}
	s.logger.Info("closed durable store pool", zap.String("dialect", s.dialect.Name))
	return nil
}

func (s *SQLStore) withConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(ctx, conn)
}

func (s *SQLStore) logError(ctx context.Context, msg string, err error, entityID string) {
	_ = common.SetLogError(ctx, msg, err, s.logger,
		attribute.String("entity", entityID),
		attribute.String("dialect", s.dialect.Name),
	)
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ DurableStore = (*SQLStore)(nil)
