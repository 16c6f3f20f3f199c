// Package snowflake generates time-ordered 64-bit ids used for archive runs and jobs.
//
// Layout: 41 bits milliseconds since 2024-01-01 UTC, 10 bits node, 12 bits sequence.
package snowflake

import (
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	epoch int64 = 1704067200000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timestampShift = nodeBits + sequenceBits
	nodeShift      = sequenceBits
)

var (
	ErrInvalidNode    = errors.New("node must be between 0 and 1023")
	ErrClockMovedBack = errors.New("clock moved backwards")
)

// Generator generates unique ids for one node.
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastTime int64
	now      func() int64
}

// NewGenerator creates a generator for node (0-1023).
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, ErrInvalidNode
	}
	return &Generator{node: node, now: func() int64 { return time.Now().UnixMilli() }}, nil
}

// NodeFromName hashes a worker name (hostname-pid) onto the node range.
func NodeFromName(name string) int64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int64(h.Sum32() % (maxNode + 1))
}

// Generate returns the next id.
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				time.Sleep(100 * time.Microsecond)
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return ((now - epoch) << timestampShift) | (g.node << nodeShift) | g.sequence, nil
}

// NextString returns the next id in decimal, falling back to the
// current nanosecond clock if the wall clock went backwards.
func (g *Generator) NextString() string {
	id, err := g.Generate()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return strconv.FormatInt(id, 10)
}

// Timestamp extracts the creation time of id.
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch)
}

// Node extracts the node of id.
func Node(id int64) int64 {
	return (id >> nodeShift) & maxNode
}
