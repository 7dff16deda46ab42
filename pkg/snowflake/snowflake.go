package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds
	Epoch int64 = 1704067200000

	// NodeBits and StepBits share the 22 low bits of an id
	NodeBits uint8 = 10
	StepBits uint8 = 12

	nodeMask  = -1 ^ (-1 << NodeBits)
	stepMask  = -1 ^ (-1 << StepBits)
	timeShift = NodeBits + StepBits
	nodeShift = StepBits
)

var (
	// ErrInvalidNode is returned for a node id outside [0, 1023].
	ErrInvalidNode = errors.New("snowflake: node id out of range")
)

// Generator hands out time-ordered ids that are unique per node. Every
// instance of the service must run with its own node id.
type Generator struct {
	mu     sync.Mutex
	last   int64
	nodeID int64
	step   int64
	clock  func() int64
}

// NewGenerator creates a generator for nodeID
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > nodeMask {
		return nil, ErrInvalidNode
	}
	return &Generator{
		nodeID: nodeID,
		clock:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID returns the next id. A clock that moves backwards is treated as
// standing still, so ids keep increasing.
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now < g.last {
		now = g.last
	}

	if now == g.last {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			// sequence exhausted for this millisecond
			for now <= g.last {
				now = g.clock()
			}
		}
	} else {
		g.step = 0
	}
	g.last = now

	return ((now - Epoch) << timeShift) | (g.nodeID << nodeShift) | g.step
}

// Next returns the next id as a decimal string behind prefix, e.g. "SH123".
func (g *Generator) Next(prefix string) string {
	return prefix + strconv.FormatInt(g.NextID(), 10)
}

// Parse splits an id into its unix millisecond time, node and step
func Parse(id int64) (millis, nodeID, step int64) {
	step = id & stepMask
	nodeID = (id >> nodeShift) & nodeMask
	millis = (id >> timeShift) + Epoch
	return
}

// Time returns the creation time encoded in id
func Time(id int64) time.Time {
	millis, _, _ := Parse(id)
	return time.UnixMilli(millis).UTC()
}
