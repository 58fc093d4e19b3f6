package pricefeed

import (
	"context"
	"math/big"
	"sync"
	"time"

	"covermarket/internal/roundid"
)

// Memory is an in-process feed, used by tests and dry-run simulations.
type Memory struct {
	mu       sync.RWMutex
	decimals uint8
	rounds   map[roundid.ID]Observation
	latest   roundid.ID
}

// NewMemory returns an empty feed answering with the given precision.
func NewMemory(decimals uint8) *Memory {
	return &Memory{decimals: decimals, rounds: make(map[roundid.ID]Observation)}
}

// Set records a round answer.
func (m *Memory) Set(round roundid.ID, answer int64, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[round] = Observation{
		Round:     round,
		Answer:    big.NewInt(answer),
		Decimals:  m.decimals,
		StartedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	if m.latest.Before(round) {
		m.latest = round
	}
}

// Fill records answer for count consecutive rounds starting at first, spaced by step.
func (m *Memory) Fill(first roundid.ID, count int, answer int64, start time.Time, step time.Duration) {
	for i := 0; i < count; i++ {
		id, ok := first.Offset(int64(i))
		if !ok {
			return
		}
		m.Set(id, answer, start.Add(time.Duration(i)*step))
	}
}

// Delete removes a round so lookups report ErrNoData.
func (m *Memory) Delete(round roundid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rounds, round)
}

func (m *Memory) RoundData(ctx context.Context, round roundid.ID) (Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.rounds[round]
	if !ok {
		return Observation{}, ErrNoData
	}
	return obs, nil
}

func (m *Memory) LatestRound(ctx context.Context) (Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.rounds[m.latest]
	if !ok {
		return Observation{}, ErrNoData
	}
	return obs, nil
}

func (m *Memory) Decimals(ctx context.Context) (uint8, error) {
	return m.decimals, nil
}

var _ Feed = (*Memory)(nil)
