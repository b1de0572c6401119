// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package churn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoteAndRecentMS(t *testing.T) {
	reset()
	Note(Proc)
	Note(Sysfs)
	Note(Proc)

	assert.Equal(t, 3, RecentMS(60_000))
	assert.Equal(t, 2, RecentKindMS(Proc, 60_000))
	assert.Equal(t, 1, RecentKindMS(Sysfs, 60_000))
}

func TestRecentMSZeroWhenEmpty(t *testing.T) {
	reset()
	assert.Equal(t, 0, RecentMS(2000))
	assert.Equal(t, 0, RecentKindMS(Proc, 2000))
}

func TestPruneDropsOldEvents(t *testing.T) {
	reset()
	mu.Lock()
	events = append(events, event{at: time.Now().Add(-20 * time.Second), kind: Proc})
	mu.Unlock()
	assert.Equal(t, 0, RecentMS(60_000))
}
