package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	time TIMESTAMPTZ NOT NULL,
	type TEXT NOT NULL,
	description TEXT NOT NULL,
	data JSONB
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (type);

CREATE TABLE IF NOT EXISTS trades (
	id BIGSERIAL PRIMARY KEY,
	symbol TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION NOT NULL,
	pnl DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL,
	entry_time TIMESTAMPTZ NOT NULL,
	exit_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades (exit_time);
`

// Postgres is the production Journaler.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(connStr string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) LogEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO events (time, type, description, data) VALUES ($1, $2, $3, $4)`,
		event.Time, event.Type, event.Description, data)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (p *Postgres) SaveTrade(ctx context.Context, trade Trade) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, quantity, entry_price, exit_price, pnl, reason, entry_time, exit_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		trade.Symbol, trade.Quantity, trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.Reason, trade.EntryTime, trade.ExitTime)
	if err != nil {
		return fmt.Errorf("inserting trade: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
