package storage

import (
	"context"
	"sync"
	"time"
)

type obligationKey struct{ messageID, userID string }

// Memory is a process-local Store. Obligations do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	items  map[obligationKey]Obligation
	stats  map[string]int64
	closed bool
}

// NewMemory returns an empty store. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, items: map[obligationKey]Obligation{}, stats: map[string]int64{}}
}

func (m *Memory) SaveObligation(_ context.Context, messageID, channelID, userID string) (Obligation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Obligation{}, false, ErrClosed
	}
	k := obligationKey{messageID, userID}
	if _, ok := m.items[k]; ok {
		return Obligation{}, false, nil
	}
	o := Obligation{MessageID: messageID, ChannelID: channelID, UserID: userID, CreatedAt: m.now()}
	m.items[k] = o
	return o, true, nil
}

func (m *Memory) ObligationExists(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.items[obligationKey{messageID, userID}]
	return ok, nil
}

func (m *Memory) DeleteObligation(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.items, obligationKey{messageID, userID})
	return nil
}

func (m *Memory) DeleteChannelObligations(_ context.Context, channelID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, o := range m.items {
		if o.ChannelID == channelID && o.UserID == userID {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpiredObligations(_ context.Context, threshold time.Duration) ([]Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	cut := m.now().Add(-threshold)
	var out []Obligation
	for _, o := range m.items {
		if o.CreatedAt.Before(cut) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Len reports the number of pending obligations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) IncrementStat(_ context.Context, metric string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.stats[metric]++
	return nil
}

func (m *Memory) SetStat(_ context.Context, metric string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.stats[metric] = value
	return nil
}

func (m *Memory) Stat(_ context.Context, metric string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.stats[metric], nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
