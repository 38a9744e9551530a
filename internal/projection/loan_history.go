package projection

import (
	"sync"
	"time"

	"FortyAcres/internal/core"

	"github.com/ethereum/go-ethereum/common"
)

// LoanHistoryEntry records one change to a position.
type LoanHistoryEntry struct {
	Sequence  int64          `json:"sequence"`
	EventType string         `json:"event_type"`
	Market    common.Address `json:"market"`
	Key       string         `json:"key"`
	Borrower  common.Address `json:"borrower"`
	Balance   string         `json:"balance"`
	Closed    bool           `json:"closed"`
	Timestamp time.Time      `json:"timestamp"`
}

// LoanHistoryProjection keeps the most recent position changes in memory
// for the query API. Safe for concurrent use.
type LoanHistoryProjection struct {
	mu       sync.RWMutex
	entries  []LoanHistoryEntry
	capacity int
	// borrowers remembers who held each position so closes can be
	// attributed after the position is gone.
	borrowers map[string]common.Address
}

func NewLoanHistoryProjection(capacity int) *LoanHistoryProjection {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LoanHistoryProjection{
		entries:   make([]LoanHistoryEntry, 0, capacity),
		capacity:  capacity,
		borrowers: make(map[string]common.Address),
	}
}

// Record appends an entry per position touched by output.
func (p *LoanHistoryProjection) Record(output core.CoreOutput) {
	if len(output.Positions) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range output.Positions {
		id := ch.Market.Hex() + "/" + ch.Key
		e := LoanHistoryEntry{
			Sequence:  output.Envelope.Sequence,
			EventType: output.Envelope.EventType.String(),
			Market:    ch.Market,
			Key:       ch.Key,
			Balance:   "0",
			Timestamp: output.Envelope.Timestamp,
		}
		if ch.Position == nil {
			e.Closed = true
			e.Borrower = p.borrowers[id]
			delete(p.borrowers, id)
		} else {
			e.Borrower = ch.Position.Borrower
			e.Balance = dec(ch.Position.Balance)
			p.borrowers[id] = e.Borrower
		}
		if len(p.entries) == p.capacity {
			copy(p.entries, p.entries[1:])
			p.entries = p.entries[:len(p.entries)-1]
		}
		p.entries = append(p.entries, e)
	}
}

// QueryByBorrower returns up to limit entries for borrower, newest first.
func (p *LoanHistoryProjection) QueryByBorrower(borrower common.Address, limit int) []LoanHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]LoanHistoryEntry, 0)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].Borrower == borrower {
			result = append(result, p.entries[i])
		}
	}
	return result
}
