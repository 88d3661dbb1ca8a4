package msgstore

import (
	"testing"

	"tlogd/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var teamA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")

func collect(s *Store, team types.StorageTeamID, begin, end types.Version) map[types.Version]string {
	out := map[types.Version]string{}
	s.Range(team, begin, end, func(v types.Version, b []byte) bool {
		out[v] = string(b)
		return true
	})
	return out
}

func TestStore_AppendAndRange(t *testing.T) {
	s := New(Config{BlockBytes: 16, OverheadFactor: 1, EntryOverhead: 10})

	require.Equal(t, int64(13), s.Append(teamA, 10, []byte("one")))
	s.Append(teamA, 20, []byte("two"))
	s.Append(teamA, 30, []byte("three"))

	var versions []types.Version
	s.Range(teamA, 0, types.MaxVersion, func(v types.Version, _ []byte) bool {
		versions = append(versions, v)
		return true
	})
	require.Equal(t, []types.Version{10, 20, 30}, versions)
	require.Equal(t, map[types.Version]string{20: "two"}, collect(s, teamA, 11, 30))
	require.Equal(t, int64(13+13+15), s.Bytes())
}

func TestStore_AppendCopiesInput(t *testing.T) {
	s := New(Config{BlockBytes: 64})
	in := []byte("abc")
	s.Append(teamA, 1, in)
	in[0] = 'x'
	require.Equal(t, "abc", collect(s, teamA, 0, 2)[1])
}

func TestStore_EntriesDoNotOverlapInBlock(t *testing.T) {
	s := New(Config{BlockBytes: 64})
	s.Append(teamA, 1, []byte("aa"))
	s.Append(teamA, 2, []byte("bb"))

	s.Range(teamA, 1, 2, func(_ types.Version, b []byte) bool {
		_ = append(b, 'z') // capped slice, must not clobber the next entry
		return true
	})
	require.Equal(t, "bb", collect(s, teamA, 2, 3)[2])
	require.Equal(t, 1, s.BlockCount())
}

func TestStore_TrimBeforeReleasesBytesAndBlocks(t *testing.T) {
	s := New(Config{BlockBytes: 4, OverheadFactor: 1, EntryOverhead: 1})
	for v := types.Version(1); v <= 4; v++ {
		s.Append(teamA, v, []byte("xyz"))
	}
	require.Equal(t, 4, s.BlockCount())
	total := s.Bytes()

	freed := s.TrimBefore(teamA, 3)
	assert.Equal(t, int64(8), freed)
	assert.Equal(t, total-freed, s.Bytes())
	assert.Equal(t, 2, s.BlockCount())

	team, ok := s.Team(teamA)
	require.True(t, ok)
	first, ok := team.FirstVersion()
	require.True(t, ok)
	assert.Equal(t, types.Version(3), first)
	assert.Equal(t, types.Version(4), team.LastVersion())

	s.TrimBefore(teamA, 100)
	assert.Zero(t, s.Bytes())
	assert.True(t, s.Empty())
	// the tail block stays for reuse
	assert.Equal(t, 1, s.BlockCount())
}

func TestStore_VersionSizesSplitTxs(t *testing.T) {
	s := New(Config{})
	s.Append(teamA, 5, []byte("12345"))
	s.Append(types.TxsTeam, 5, []byte("12"))
	s.Append(teamA, 6, []byte("1"))

	sz, ok := s.VersionSizes(5)
	require.True(t, ok)
	require.Equal(t, Sizes{Normal: 5, Txs: 2}, sz)

	s.ForgetSizesBefore(6)
	_, ok = s.VersionSizes(5)
	require.False(t, ok)
	_, ok = s.VersionSizes(6)
	require.True(t, ok)
}

func TestStore_BackwardsVersionPanics(t *testing.T) {
	s := New(Config{})
	s.Append(teamA, 10, nil)
	require.Panics(t, func() { s.Append(teamA, 9, nil) })
}
