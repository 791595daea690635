// Package snowflake issues time-ordered 64-bit message ids.
//
// Layout (most significant first):
//
//	1 bit unused | 41 bits ms since epoch | 10 bits node | 12 bits sequence
//
// Ids from one node are strictly increasing; ids across nodes are ordered by
// millisecond only, which is the best-effort cross-instance ordering the
// realtime router offers.
package snowflake

import (
	"errors"
	"sync/atomic"
	"time"
)

const (
	// 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timeShift = nodeBits + sequenceBits
	nodeShift = sequenceBits
)

var ErrInvalidNode = errors.New("snowflake: node must be between 0 and 1023")

// Generator is safe for concurrent use. Its state (last millisecond and
// sequence) lives in a single atomic word so Next never blocks on a mutex.
type Generator struct {
	node  int64
	state atomic.Int64 // (ms-epoch)<<sequenceBits | sequence
	now   func() int64
}

// NewGenerator creates a generator for the given node id.
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, ErrInvalidNode
	}
	return &Generator{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next returns the next id. When the clock steps backwards the generator keeps
// issuing ids from its last observed millisecond instead of failing.
func (g *Generator) Next() int64 {
	for {
		prev := g.state.Load()
		lastMs := prev >> sequenceBits
		seq := prev & maxSequence

		ms := g.now() - epoch
		if ms < lastMs {
			ms = lastMs
		}

		var next int64
		switch {
		case ms > lastMs:
			next = ms << sequenceBits
		case seq < maxSequence:
			next = prev + 1
		default:
			// Sequence exhausted for this millisecond, borrow the next one.
			next = (lastMs + 1) << sequenceBits
		}

		if g.state.CompareAndSwap(prev, next) {
			stamp := next >> sequenceBits
			return stamp<<timeShift | g.node<<nodeShift | next&maxSequence
		}
	}
}

// Parse extracts components from an id.
func Parse(id int64) (timestamp time.Time, node int64, sequence int64) {
	return Timestamp(id), (id >> nodeShift) & maxNode, id & maxSequence
}

// Timestamp extracts the creation time from an id.
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch)
}
