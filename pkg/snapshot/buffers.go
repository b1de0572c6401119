// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package snapshot

import "sync/atomic"

// Buffers is a single-producer, multi-reader double buffer. The producer
// owns Back() exclusively between calls to Publish(); readers only ever see
// whatever Front() last returned. There is no lock on the read path: Front
// does one atomic pointer load.
//
// Publish increments Seq before swapping the pointer, so a reader racing a
// publish can detect a torn read by comparing Seq before and after copying
// the fields it cares about (see BenchCopy) and retrying.
type Buffers struct {
	front atomic.Pointer[Snapshot]
	back  *Snapshot
}

// NewBuffers returns a Buffers with both slots zeroed and Seq 0.
func NewBuffers() *Buffers {
	b := &Buffers{back: &Snapshot{}}
	b.front.Store(&Snapshot{})
	return b
}

// Back returns the snapshot the producer is currently filling in. It must
// only be called from the producer goroutine.
func (b *Buffers) Back() *Snapshot {
	return b.back
}

// Publish makes the current Back() visible to readers via Front, then
// hands the producer the previously-published snapshot to overwrite on the
// next cycle.
func (b *Buffers) Publish() {
	old := b.front.Load()
	b.back.Seq = old.Seq + 1
	b.front.Store(b.back)
	b.back = old
}

// Front returns the most recently published snapshot. Safe for concurrent
// readers; the returned pointer must be treated as immutable by the caller
// and may be swapped out from under a long-held reference by a later
// Publish, so readers that need a stable copy should use BenchCopy.
func (b *Buffers) Front() *Snapshot {
	return b.front.Load()
}

// BenchCopy returns a bounded, allocation-free copy of the currently
// published snapshot, retrying if a publish raced the copy. It is the only
// way reader paths (Prometheus exposition, log chunking) should observe a
// Snapshot, since it guarantees the Seq observed before and after the copy
// match.
func BenchCopy(b *Buffers, into *Snapshot) {
	for {
		s := b.front.Load()
		seqBefore := s.Seq
		*into = *s
		if s.Seq == seqBefore && b.front.Load() == s {
			return
		}
	}
}
