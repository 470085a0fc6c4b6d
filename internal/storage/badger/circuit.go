// Package badger는 서킷 브레이커 상태를 Badger KV 저장소에 보관합니다.
package badger

import (
	"context"
	"encoding/json"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/assist-by/bulwark/internal/circuit"
)

const (
	marketPrefix = "circuit/market/"
	globalKey    = "circuit/global"
)

// CircuitStore는 circuit.Store의 Badger 구현체입니다.
// 마켓 상태는 circuit/market/<date>/<market> 키에 JSON으로 저장됩니다.
type CircuitStore struct {
	db *badgerdb.DB
}

var _ circuit.Store = (*CircuitStore)(nil)

// Open은 path 디렉터리에 Badger DB를 엽니다
func Open(path string) (*CircuitStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("badger: path is required")
	}
	db, err := badgerdb.Open(badgerdb.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrapf(err, "badger open %s", path)
	}
	return &CircuitStore{db: db}, nil
}

// Close는 DB를 닫습니다
func (s *CircuitStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveMarketState는 (market, date) 키로 마켓 상태를 저장합니다
func (s *CircuitStore) SaveMarketState(ctx context.Context, state circuit.MarketState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.Market == "" || state.Date == "" {
		return errors.New("badger: market and date are required")
	}
	return s.put(marketKey(state.Date, state.Market), state)
}

// LoadMarketStates는 해당 날짜의 모든 마켓 상태를 반환합니다
func (s *CircuitStore) LoadMarketStates(ctx context.Context, date string) ([]circuit.MarketState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(marketPrefix + date + "/")
	var out []circuit.MarketState
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var state circuit.MarketState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", it.Item().Key())
			}
			out = append(out, state)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "badger load market states")
	}
	return out, nil
}

// SaveGlobalState는 글로벌 상태를 저장합니다
func (s *CircuitStore) SaveGlobalState(ctx context.Context, state circuit.GlobalState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.put([]byte(globalKey), state)
}

// LoadGlobalState는 글로벌 상태를 반환합니다. 저장된 값이 없으면 nil입니다.
func (s *CircuitStore) LoadGlobalState(ctx context.Context) (*circuit.GlobalState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var state *circuit.GlobalState
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(globalKey))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			state = &circuit.GlobalState{}
			return json.Unmarshal(val, state)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "badger load global state")
	}
	return state, nil
}

func (s *CircuitStore) put(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode circuit state")
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, raw)
	})
	return errors.Wrapf(err, "badger put %s", key)
}

func marketKey(date, market string) []byte {
	return []byte(marketPrefix + date + "/" + market)
}
