// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcRootEnvOverride(t *testing.T) {
	t.Setenv(ProcRootEnv, "/tmp/fixture-proc")
	assert.Equal(t, "/tmp/fixture-proc", ProcRoot())
}

func TestProcRootDefault(t *testing.T) {
	t.Setenv(ProcRootEnv, "")
	assert.Equal(t, "/proc", ProcRoot())
}

func TestReadFileStringMissingIsNotOK(t *testing.T) {
	_, ok := ReadFileString(filepath.Join(t.TempDir(), "nope"))
	assert.False(t, ok)
}

func TestReadFileStringReadsContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "stat")
	require.NoError(t, os.WriteFile(p, []byte("cpu  1 2 3 4\n"), 0o644))

	s, ok := ReadFileString(p)
	require.True(t, ok)
	assert.Equal(t, "cpu  1 2 3 4\n", s)
}

func TestListDirMissingReturnsNil(t *testing.T) {
	assert.Nil(t, ListDir(filepath.Join(t.TempDir(), "nope")))
}

func TestListDirListsEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2"), nil, 0o644))

	names := ListDir(dir)
	assert.ElementsMatch(t, []string{"1", "2"}, names)
}
