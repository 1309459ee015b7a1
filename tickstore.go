package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

const (
	tickIndexName = "tick_ts"
	tickKeyPrefix = "tick:"
)

// Tick is one oracle price observation.
type Tick struct {
	Time      time.Time `json:"time"`
	TS        int64     `json:"ts"`
	Price     float64   `json:"price"`
	Reference float64   `json:"reference,omitempty"`
	Deviation float64   `json:"deviation"`
	Event     string    `json:"event,omitempty"`
}

// TickStore keeps recent ticks in BuntDB, expiring them after retention.
type TickStore struct {
	db        *buntdb.DB
	retention time.Duration
}

// NewTickStore opens a store at path (":memory:" for an in-memory store).
func NewTickStore(path string, retention time.Duration) (*TickStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkPercentage: 100,
		AutoShrinkMinSize:    32 * 1024 * 1024,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	if err := db.CreateIndex(tickIndexName, tickKeyPrefix+"*", buntdb.IndexJSON("ts")); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tick index: %w", err)
	}

	return &TickStore{db: db, retention: retention}, nil
}

func tickKey(t time.Time) string {
	return fmt.Sprintf("%s%020d", tickKeyPrefix, t.UnixNano())
}

// Append stores a tick. Ticks at the same instant overwrite each other.
func (s *TickStore) Append(t Tick) error {
	t.TS = t.Time.UnixNano()
	content, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}

	var opts *buntdb.SetOptions
	if s.retention > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: s.retention}
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(tickKey(t.Time), string(content), opts); err != nil {
			return fmt.Errorf("failed to store tick: %w", err)
		}
		return nil
	})
}

// Latest returns the most recent tick, if any.
func (s *TickStore) Latest() (Tick, bool, error) {
	ticks, err := s.Last(1)
	if err != nil || len(ticks) == 0 {
		return Tick{}, false, err
	}
	return ticks[0], true, nil
}

// Last returns up to n most recent ticks in chronological order.
func (s *TickStore) Last(n int) ([]Tick, error) {
	if n <= 0 {
		return nil, nil
	}

	ticks := make([]Tick, 0, n)
	err := s.descend(func(t Tick) bool {
		ticks = append(ticks, t)
		return len(ticks) < n
	})
	if err != nil {
		return nil, err
	}

	reverse(ticks)
	return ticks, nil
}

// Since returns ticks at or after from, in chronological order.
func (s *TickStore) Since(from time.Time) ([]Tick, error) {
	cutoff := from.UnixNano()
	var ticks []Tick
	err := s.descend(func(t Tick) bool {
		if t.TS < cutoff {
			return false
		}
		ticks = append(ticks, t)
		return true
	})
	if err != nil {
		return nil, err
	}

	reverse(ticks)
	return ticks, nil
}

// LastEvent returns the most recent tick that carries a peg event.
func (s *TickStore) LastEvent() (Tick, bool, error) {
	var (
		found Tick
		ok    bool
	)
	err := s.descend(func(t Tick) bool {
		if t.Event == "" {
			return true
		}
		found, ok = t, true
		return false
	})
	return found, ok, err
}

// descend walks ticks newest first until fn returns false.
func (s *TickStore) descend(fn func(Tick) bool) error {
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(tickIndexName, func(key, value string) bool {
			var t Tick
			if err := json.Unmarshal([]byte(value), &t); err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("skipping corrupt tick")
				return true
			}
			return fn(t)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to read ticks: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *TickStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
