// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package snapshot

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffersPublishSwapsVisibility(t *testing.T) {
	b := NewBuffers()
	require.EqualValues(t, 0, b.Front().Seq)

	b.Back().CPU.TotalUtilization = 42
	b.Publish()

	front := b.Front()
	assert.EqualValues(t, 1, front.Seq)
	assert.Equal(t, 42.0, front.CPU.TotalUtilization)
}

func TestBuffersBackBecomesPreviousFront(t *testing.T) {
	b := NewBuffers()
	prevFront := b.Front()
	first := b.Back()
	first.CPU.TotalUtilization = 1
	b.Publish()

	// Back() should now be the buffer that was front before, reusable for
	// the next cycle without allocating a new Snapshot.
	second := b.Back()
	assert.Same(t, prevFront, second)
}

func TestBuffersSequenceMonotonic(t *testing.T) {
	b := NewBuffers()
	for i := 0; i < 5; i++ {
		b.Publish()
	}
	assert.EqualValues(t, 5, b.Front().Seq)
}

func TestBenchCopyMatchesFront(t *testing.T) {
	b := NewBuffers()
	b.Back().Memory.MemTotal = 1024
	b.Publish()

	var out Snapshot
	BenchCopy(b, &out)
	assert.EqualValues(t, 1024, out.Memory.MemTotal)
	assert.EqualValues(t, b.Front().Seq, out.Seq)
}

func TestBenchCopyConcurrentWithPublish(t *testing.T) {
	b := NewBuffers()
	var wg sync.WaitGroup
	wg.Add(2)

	stop := make(chan struct{})
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Back().CPU.TotalUtilization = float64(i)
			b.Publish()
		}
		close(stop)
	}()
	go func() {
		defer wg.Done()
		var out Snapshot
		for {
			BenchCopy(b, &out)
			select {
			case <-stop:
				return
			default:
			}
		}
	}()
	wg.Wait()
}
