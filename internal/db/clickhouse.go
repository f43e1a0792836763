package db

import (
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the delivery analytics store.
// DSN e.g. clickhouse://default:@localhost:9000/relay?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts Opts) (*sqlx.DB, error) {
	return open("clickhouse", dsn, opts, 3*time.Second)
}
