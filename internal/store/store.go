// Package store reads the desired network state from the shared
// control-plane database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Options configures the database connection.
type Options struct {
	Driver string
	DSN    string
	// ConnectTimeout bounds how long Open keeps retrying.
	ConnectTimeout time.Duration
	MaxOpenConns   int
}

// Store hands out per-cycle sessions on the database.
type Store struct {
	db     *gorm.DB
	logger logr.Logger
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open connects to the database, retrying with exponential backoff until
// ConnectTimeout elapses or ctx is cancelled.
func Open(ctx context.Context, opts Options, logger logr.Logger) (*Store, error) {
	dial, err := dialector(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	logger = logger.WithName("store")

	var db *gorm.DB
	connect := func() error {
		gdb, err := gorm.Open(dial, &gorm.Config{Logger: newGormLogger(logger)})
		if err != nil {
			return err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return err
		}
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		db = gdb
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if opts.ConnectTimeout > 0 {
		policy.MaxElapsedTime = opts.ConnectTimeout
	}
	err = backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Info("Database not reachable, retrying", "driver", opts.Driver, "error", err.Error(), "retryIn", next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", opts.Driver, err)
	}

	logger.Info("Successfully connected to database", "driver", opts.Driver)
	return &Store{db: db, logger: logger}, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger logr.Logger) *Store {
	return &Store{db: db, logger: logger.WithName("store")}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Begin starts the session for one reconciliation cycle.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin database session: %w", tx.Error)
	}
	return &Session{tx: tx}, nil
}

// Session is a database transaction scoped to one cycle. Exactly one of
// Commit or Rollback takes effect; later calls are no-ops.
type Session struct {
	tx   *gorm.DB
	done bool
}

const portBindingColumns = "ports.uuid AS port_id, " +
	"ports.network_id AS network_id, " +
	"networks.tenant_id AS tenant_id, " +
	"port_properties.vm_id AS vm_id, " +
	"port_properties.mac_addr AS mac_addr, " +
	"network_properties.switch_name AS switch_name, " +
	"network_properties.vlan_tag AS vlan_tag, " +
	"network_properties.max_ingress_rate AS max_ingress_rate, " +
	"network_properties.max_ingress_burst AS max_ingress_burst"

// PortBindings returns the tenant's ports owned by one of vmIDs. Networks
// without properties still yield a row, with nil switch and tag.
func (s *Session) PortBindings(ctx context.Context, tenantID string, vmIDs []string) ([]PortBinding, error) {
	if len(vmIDs) == 0 {
		return nil, nil
	}

	var rows []PortBinding
	err := s.tx.WithContext(ctx).
		Table("ports").
		Select(portBindingColumns).
		Joins("JOIN port_properties ON port_properties.port_id = ports.uuid").
		Joins("JOIN networks ON networks.uuid = ports.network_id").
		Joins("LEFT JOIN network_properties ON network_properties.network_id = ports.network_id").
		Where("port_properties.vm_id IN ?", vmIDs).
		Where("networks.tenant_id = ?", tenantID).
		Order("ports.uuid").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query port bindings: %w", err)
	}
	return rows, nil
}

// NetworkVLANs returns every network that has a VLAN tag recorded.
func (s *Session) NetworkVLANs(ctx context.Context) ([]NetworkVLAN, error) {
	var rows []NetworkVLAN
	err := s.tx.WithContext(ctx).
		Model(&NetworkProperties{}).
		Select("network_id, vlan_tag").
		Where("vlan_tag IS NOT NULL").
		Order("network_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query network VLANs: %w", err)
	}
	return rows, nil
}

func (s *Session) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Commit().Error
}

func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback().Error
}

type logrWriter struct {
	logger logr.Logger
}

func (w logrWriter) Printf(format string, args ...any) {
	w.logger.Info(fmt.Sprintf(format, args...))
}

func newGormLogger(logger logr.Logger) gormlogger.Interface {
	return gormlogger.New(logrWriter{logger: logger.WithName("gorm")}, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
