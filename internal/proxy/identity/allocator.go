// Package identity hands out exchange ids and sequence numbers.
//
// Ids are sortable-by-allocation-order-prefix but are not themselves the
// ordering key: Seq, a separate monotonic counter, is.
package identity

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Allocator produces exchange ids and sequence numbers. The zero value is
// ready to use.
type Allocator struct {
	counter atomic.Uint64
	seq     atomic.Int64
}

// New returns a ready Allocator.
func New() *Allocator {
	return &Allocator{}
}

// NewID returns a value unique across the process. It need not be
// unpredictable, only unique: a monotonic counter prefix plus a short
// random suffix is sufficient.
func (a *Allocator) NewID() string {
	n := a.counter.Add(1)
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%d-%s", n, suffix)
}

// NextSeq returns an integer strictly greater than all previously returned
// values, monotonic even under concurrent callers.
func (a *Allocator) NextSeq() int64 {
	return a.seq.Add(1)
}
