// Package sqlite는 포지션과 거래 기록을 SQLite에 보관합니다.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store는 포지션/거래 저장소입니다
type Store struct {
	db *sql.DB
}

// Open은 path 경로의 SQLite DB를 열고 스키마를 준비합니다
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close는 DB를 닫습니다
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  strategy TEXT NOT NULL,
  market TEXT NOT NULL,
  side TEXT NOT NULL,
  status TEXT NOT NULL,
  target_qty REAL NOT NULL,
  filled_qty REAL NOT NULL DEFAULT 0,
  exited_qty REAL NOT NULL DEFAULT 0,
  avg_entry_price REAL NOT NULL DEFAULT 0,
  avg_exit_price REAL NOT NULL DEFAULT 0,
  entry_fee REAL NOT NULL DEFAULT 0,
  exit_fee REAL NOT NULL DEFAULT 0,
  stop_loss_price REAL NOT NULL DEFAULT 0,
  take_profit_price REAL NOT NULL DEFAULT 0,
  stop_loss_percent REAL NOT NULL DEFAULT 0,
  take_profit_percent REAL NOT NULL DEFAULT 0,
  trailing_active INTEGER NOT NULL DEFAULT 0,
  trailing_activation_percent REAL NOT NULL DEFAULT 0,
  trailing_offset_percent REAL NOT NULL DEFAULT 0,
  peak_price REAL NOT NULL DEFAULT 0,
  trailing_stop_price REAL NOT NULL DEFAULT 0,
  timeout_at TEXT,
  close_attempt_count INTEGER NOT NULL DEFAULT 0,
  abandon_retry_count INTEGER NOT NULL DEFAULT 0,
  realized_pnl REAL NOT NULL DEFAULT 0,
  realized_pnl_percent REAL NOT NULL DEFAULT 0,
  pnl_known INTEGER NOT NULL DEFAULT 0,
  exit_reason TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT '',
  opened_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  closed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_market_status ON positions(market, status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy_status ON positions(strategy, status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_closed ON positions(market, strategy, closed_at);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL DEFAULT '',
  strategy TEXT NOT NULL,
  market TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity REAL NOT NULL CHECK (quantity > 0),
  price REAL NOT NULL CHECK (price > 0),
  funds REAL NOT NULL,
  fee REAL NOT NULL,
  order_ids TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  executed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market_time ON trades(market, executed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlite migrate")
		}
	}
	return nil
}

// timeLayout은 문자열 정렬이 시간 순서와 같도록 고정 폭을 사용합니다
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", v.String)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
