package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/assist-by/bulwark/internal/domain"
)

// SaveTrade는 불변 거래 기록을 추가합니다. 체결가가 양수가 아니면 저장하지 않습니다.
func (s *Store) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	if t == nil || t.ID == "" {
		return errors.New("sqlite: trade id is required")
	}
	if !(t.Price > 0) || !(t.Quantity > 0) {
		return errors.Errorf("sqlite: trade %s has invalid price %v / qty %v", t.ID, t.Price, t.Quantity)
	}

	ids, err := json.Marshal(t.OrderIDs)
	if err != nil {
		return errors.Wrap(err, "marshal order ids")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO trades (id, position_id, strategy, market, side, quantity, price, funds, fee, order_ids, reason, executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.PositionID, t.Strategy, t.Market, string(t.Side), t.Quantity, t.Price, t.Funds, t.Fee,
		string(ids), t.Reason, formatTime(t.ExecutedAt))
	if err != nil {
		return errors.Wrapf(err, "insert trade %s", t.ID)
	}
	return nil
}

// TradesByPosition은 포지션의 거래 기록을 체결 순으로 반환합니다
func (s *Store) TradesByPosition(ctx context.Context, positionID string) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, position_id, strategy, market, side, quantity, price, funds, fee, order_ids, reason, executed_at
FROM trades
WHERE position_id=?
ORDER BY executed_at, id
`, positionID)
	if err != nil {
		return nil, errors.Wrap(err, "trades by position")
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			t          domain.TradeRecord
			side, ids  string
			executedAt sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Strategy, &t.Market, &side, &t.Quantity, &t.Price,
			&t.Funds, &t.Fee, &ids, &t.Reason, &executedAt); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		t.Side = domain.OrderSide(side)
		if err := json.Unmarshal([]byte(ids), &t.OrderIDs); err != nil {
			return nil, errors.Wrapf(err, "order ids of trade %s", t.ID)
		}
		if t.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "trades by position")
}
