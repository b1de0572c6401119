// Copyright 2025 Antimetal Inc.
//
// Licensed under the PolyForm Shield License 1.0.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     https://polyformproject.org/licenses/shield/1.0.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessCollectorEnvValueTranslatesSpecVocabulary(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		present bool
	}{
		{"procfs", "scanner", true},
		{"netlink", "netlink", true},
		{"kernel", "kernelmodule", true},
		{"auto", "", false},
		{"", "", false},
		{"bogus", "", false},
	}
	for _, c := range cases {
		got, ok := processCollectorEnvValue(c.in)
		require.Equal(t, c.present, ok, "input %q", c.in)
		require.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestNewLoggerVerbositySetsV1Enabled(t *testing.T) {
	quiet := newLogger(false)
	verbose := newLogger(true)

	require.False(t, quiet.V(1).Enabled())
	require.True(t, verbose.V(1).Enabled())
}
