package db

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// NewMySQLConnection opens the outbox/inbox store. The DSN must enable
// parseTime so nullable DATETIME columns scan into *time.Time.
func NewMySQLConnection(dsn string, opts Opts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if !cfg.ParseTime {
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}
	return open("mysql", dsn, opts, 5*time.Second)
}
