// Package id generates identifiers for runs, queries and messages.
package id

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator can generate string IDs.
type Generator interface {
	Generate() string
}

// NewSequentialGenerator returns a generator producing prefix1, prefix2, ...
// The sequence is deterministic, which keeps test traces stable.
func NewSequentialGenerator(prefix string) Generator {
	return &sequentialGenerator{prefix: prefix}
}

// NewParallelGenerator returns a generator producing globally unique xids.
func NewParallelGenerator() Generator {
	return parallelGenerator{}
}

type sequentialGenerator struct {
	prefix string
	nextID atomic.Uint64
}

func (g *sequentialGenerator) Generate() string {
	n := g.nextID.Add(1)

	return g.prefix + strconv.FormatUint(n, 10)
}

type parallelGenerator struct{}

func (parallelGenerator) Generate() string {
	return xid.New().String()
}

// Sequence hands out increasing int32 ids, used to match replies with their
// requests. It wraps around to 1 and never returns 0.
type Sequence struct {
	next atomic.Int32
}

// Next returns the next id.
func (s *Sequence) Next() int32 {
	for {
		n := s.next.Add(1)
		if n > 0 {
			return n
		}

		s.next.CompareAndSwap(n, 0)
	}
}
