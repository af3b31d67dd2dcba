// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/server/db"
)

// Driver implements db.Driver.
type Driver struct{}

// Open creates the DB backend, returning a db.Archiver.
func (d *Driver) Open(ctx context.Context, cfg any) (db.Archiver, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(ctx, c)
	case Config:
		return NewArchiver(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the logger for the pg package.
func (*Driver) UseLogger(logger dex.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register("pg", &Driver{})
}

const (
	defaultQueryTimeout  = 20 * time.Minute
	defaultFlushInterval = 100 * time.Millisecond
	// maxBatchRows bounds the rows written in one transaction.
	maxBatchRows = 5000
)

// Config holds the Archiver's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	HidePGConfig                   bool
	QueryTimeout                   time.Duration
	// FlushInterval is the period between batch writes.
	FlushInterval time.Duration
}

// Archiver is the PostgreSQL history archiver. It implements db.Archiver.
type Archiver struct {
	db            *sql.DB
	dbName        string
	queryTimeout  time.Duration
	flushInterval time.Duration

	mtx     sync.Mutex
	queue   []*row
	stopped bool
}

var _ db.Archiver = (*Archiver)(nil)

// NewArchiver connects to the database, checks the session and prepares the
// history tables. Use Close when done with the Archiver.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	sqlDB, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	archiver := newArchiver(sqlDB, cfg)
	if err = archiver.checkSession(ctx, !cfg.HidePGConfig); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err = PrepareTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return archiver, nil
}

func newArchiver(sqlDB *sql.DB, cfg *Config) *Archiver {
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Archiver{
		db:            sqlDB,
		dbName:        cfg.DBName,
		queryTimeout:  queryTimeout,
		flushInterval: flushInterval,
	}
}

// Close closes the underlying DB connection.
func (a *Archiver) Close() error {
	return a.db.Close()
}
