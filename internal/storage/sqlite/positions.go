package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/position"
	"github.com/assist-by/bulwark/internal/risk"
)

var (
	_ position.Store    = (*Store)(nil)
	_ risk.TradeHistory = (*Store)(nil)
)

const positionColumns = `id, strategy, market, side, status,
  target_qty, filled_qty, exited_qty, avg_entry_price, avg_exit_price, entry_fee, exit_fee,
  stop_loss_price, take_profit_price, stop_loss_percent, take_profit_percent,
  trailing_active, trailing_activation_percent, trailing_offset_percent, peak_price, trailing_stop_price,
  timeout_at, close_attempt_count, abandon_retry_count,
  realized_pnl, realized_pnl_percent, pnl_known,
  exit_reason, last_error, opened_at, updated_at, closed_at`

// SavePosition은 포지션을 ID 기준으로 upsert합니다
func (s *Store) SavePosition(ctx context.Context, p *position.Position) error {
	if p == nil || p.ID == "" {
		return errors.New("sqlite: position id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (`+positionColumns+`)
VALUES (?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?,?, ?,?,?, ?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  strategy=excluded.strategy, market=excluded.market, side=excluded.side, status=excluded.status,
  target_qty=excluded.target_qty, filled_qty=excluded.filled_qty, exited_qty=excluded.exited_qty,
  avg_entry_price=excluded.avg_entry_price, avg_exit_price=excluded.avg_exit_price,
  entry_fee=excluded.entry_fee, exit_fee=excluded.exit_fee,
  stop_loss_price=excluded.stop_loss_price, take_profit_price=excluded.take_profit_price,
  stop_loss_percent=excluded.stop_loss_percent, take_profit_percent=excluded.take_profit_percent,
  trailing_active=excluded.trailing_active, trailing_activation_percent=excluded.trailing_activation_percent,
  trailing_offset_percent=excluded.trailing_offset_percent, peak_price=excluded.peak_price,
  trailing_stop_price=excluded.trailing_stop_price, timeout_at=excluded.timeout_at,
  close_attempt_count=excluded.close_attempt_count, abandon_retry_count=excluded.abandon_retry_count,
  realized_pnl=excluded.realized_pnl, realized_pnl_percent=excluded.realized_pnl_percent,
  pnl_known=excluded.pnl_known, exit_reason=excluded.exit_reason, last_error=excluded.last_error,
  opened_at=excluded.opened_at, updated_at=excluded.updated_at, closed_at=excluded.closed_at
`,
		p.ID, p.Strategy, p.Market, string(p.Side), string(p.Status),
		p.TargetQty, p.FilledQty, p.ExitedQty, p.AverageEntryPrice, p.AverageExitPrice, p.EntryFee, p.ExitFee,
		p.StopLossPrice, p.TakeProfitPrice, p.StopLossPercent, p.TakeProfitPercent,
		boolInt(p.TrailingActive), p.TrailingActivationPercent, p.TrailingOffsetPercent, p.PeakPrice, p.TrailingStopPrice,
		formatTime(p.TimeoutAt), p.CloseAttemptCount, p.AbandonRetryCount,
		p.RealizedPnL, p.RealizedPnLPercent, boolInt(p.PnLKnown),
		string(p.ExitReason), p.LastError, formatTime(p.OpenedAt), formatTime(p.UpdatedAt), formatTime(p.ClosedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "save position %s", p.ID)
	}
	return nil
}

// GetPosition은 ID로 포지션을 조회합니다
func (s *Store) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id=?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, position.ErrPositionNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get position %s", id)
	}
	return p, nil
}

// ListPositions는 조건에 맞는 포지션을 개시 시각 순으로 반환합니다
func (s *Store) ListPositions(ctx context.Context, f position.Filter) ([]*position.Position, error) {
	var (
		where []string
		args  []any
	)
	if f.Strategy != "" {
		where = append(where, "strategy=?")
		args = append(args, f.Strategy)
	}
	if f.Market != "" {
		where = append(where, "market=?")
		args = append(args, domain.NormalizeMarket(f.Market))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY opened_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list positions")
}

// RecentClosedTrades는 손익이 확정된 청산 포지션을 최신순으로 반환합니다.
// strategy가 비어 있으면 모든 전략을 대상으로 합니다.
func (s *Store) RecentClosedTrades(ctx context.Context, market, strategy string, limit int) ([]domain.TradeOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, market, strategy, realized_pnl_percent, closed_at
FROM positions
WHERE status=? AND pnl_known=1 AND market=? AND (?='' OR strategy=?)
ORDER BY closed_at DESC, id DESC
LIMIT ?
`, string(position.StatusClosed), domain.NormalizeMarket(market), strategy, strategy, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent closed trades")
	}
	defer rows.Close()

	var out []domain.TradeOutcome
	for rows.Next() {
		var (
			o        domain.TradeOutcome
			closedAt sql.NullString
		)
		if err := rows.Scan(&o.PositionID, &o.Market, &o.Strategy, &o.PnLPercent, &closedAt); err != nil {
			return nil, errors.Wrap(err, "scan closed trade")
		}
		if o.ClosedAt, err = parseTime(closedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "recent closed trades")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(sc scanner) (*position.Position, error) {
	var (
		p                        position.Position
		side, status, exitReason string
		trailingActive, pnlKnown int
		timeoutAt, closedAt      sql.NullString
		openedAt, updatedAt      sql.NullString
	)
	err := sc.Scan(
		&p.ID, &p.Strategy, &p.Market, &side, &status,
		&p.TargetQty, &p.FilledQty, &p.ExitedQty, &p.AverageEntryPrice, &p.AverageExitPrice, &p.EntryFee, &p.ExitFee,
		&p.StopLossPrice, &p.TakeProfitPrice, &p.StopLossPercent, &p.TakeProfitPercent,
		&trailingActive, &p.TrailingActivationPercent, &p.TrailingOffsetPercent, &p.PeakPrice, &p.TrailingStopPrice,
		&timeoutAt, &p.CloseAttemptCount, &p.AbandonRetryCount,
		&p.RealizedPnL, &p.RealizedPnLPercent, &pnlKnown,
		&exitReason, &p.LastError, &openedAt, &updatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Side = domain.PositionSide(side)
	p.Status = position.Status(status)
	p.ExitReason = domain.ExitReason(exitReason)
	p.TrailingActive = trailingActive != 0
	p.PnLKnown = pnlKnown != 0

	for _, tf := range []struct {
		dst *time.Time
		src sql.NullString
	}{
		{&p.TimeoutAt, timeoutAt},
		{&p.OpenedAt, openedAt},
		{&p.UpdatedAt, updatedAt},
		{&p.ClosedAt, closedAt},
	} {
		t, err := parseTime(tf.src)
		if err != nil {
			return nil, err
		}
		*tf.dst = t
	}
	return &p, nil
}
