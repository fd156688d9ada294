// SPDX-License-Identifier: MIT

package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordGetLatestWins(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.Record(Progress{JobID: "job-1", Pct: 10, AtUnix: 100}))
	require.NoError(t, j.Record(Progress{JobID: "job-1", Pct: 42.5, ETASeconds: 120, AtUnix: 200}))

	p, err := j.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, p.Pct)
	assert.Equal(t, int64(200), p.AtUnix)
}

func TestGetMissing(t *testing.T) {
	j := openTest(t)
	_, err := j.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotAndDelete(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.Record(Progress{JobID: "a", Pct: 1, AtUnix: 1}))
	require.NoError(t, j.Record(Progress{JobID: "b", Pct: 2, AtUnix: 2}))

	entries, err := j.Snapshot()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, j.Delete("a"))
	entries, err = j.Snapshot()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].JobID)

	// Deleting a missing key is a no-op.
	require.NoError(t, j.Delete("a"))
}
