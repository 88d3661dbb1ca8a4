package persist

import (
	"path/filepath"
	"testing"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/message"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

var (
	logA  = uuid.MustParse("0000000a-0000-0000-0000-000000000000")
	logB  = uuid.MustParse("0000000b-0000-0000-0000-000000000000")
	teamX = uuid.MustParse("000000f1-0000-0000-0000-000000000000")
	teamY = uuid.MustParse("000000f2-0000-0000-0000-000000000000")
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "group.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func meta(id types.LogID, epoch uint64) GenerationMeta {
	return GenerationMeta{
		LogID:           id,
		Version:         0,
		KnownCommitted:  0,
		Locality:        2,
		RecoveryCount:   epoch,
		ProtocolVersion: types.ProtocolVersion,
		SpillType:       types.SpillValue,
		Popped:          map[types.StorageTeamID]types.Version{teamX: 0, teamY: 0},
	}
}

func TestStore_InitAndLoadGenerations(t *testing.T) {
	s, path := openStore(t)

	fresh, err := s.CheckFormat()
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, s.InitGeneration(meta(logA, 3)))
	require.NoError(t, s.InitGeneration(meta(logB, 4)))
	require.NoError(t, s.SetPopped(logA, teamX, 42))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	fresh, err = s.CheckFormat()
	require.NoError(t, err)
	require.False(t, fresh)

	gens, err := s.Generations()
	require.NoError(t, err)
	require.Len(t, gens, 2)

	byID := map[types.LogID]GenerationMeta{}
	for _, g := range gens {
		byID[g.LogID] = g
	}
	a := byID[logA]
	assert.Equal(t, uint64(3), a.RecoveryCount)
	assert.Equal(t, types.Locality(2), a.Locality)
	assert.Equal(t, types.SpillValue, a.SpillType)
	assert.Equal(t, types.Version(42), a.Popped[teamX])
	assert.Equal(t, types.Version(0), a.Popped[teamY])
	assert.Equal(t, uint64(4), byID[logB].RecoveryCount)
}

func TestStore_SpillReadAndClear(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()
	require.NoError(t, s.InitGeneration(meta(logA, 1)))

	err := s.Spill(logA, 30, 25, map[types.StorageTeamID][]message.VersionedMessages{
		teamX: {{Version: 10, Messages: []byte("aaaa")}, {Version: 20, Messages: []byte("bbbb")}, {Version: 30, Messages: []byte("cccc")}},
		teamY: {{Version: 20, Messages: []byte("yy")}},
	})
	require.NoError(t, err)

	gens, err := s.Generations()
	require.NoError(t, err)
	require.Equal(t, types.Version(30), gens[0].Version)
	require.Equal(t, types.Version(25), gens[0].KnownCommitted)

	got, more, err := s.ReadSpilled(logA, teamX, 15, types.MaxVersion, 1<<20)
	require.NoError(t, err)
	require.False(t, more)
	require.Equal(t, []message.VersionedMessages{{Version: 20, Messages: []byte("bbbb")}, {Version: 30, Messages: []byte("cccc")}}, got)

	got, more, err = s.ReadSpilled(logA, teamX, 0, types.MaxVersion, 5)
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, got, 2)

	require.NoError(t, s.ClearSpilledBefore(logA, teamX, 30))
	got, _, err = s.ReadSpilled(logA, teamX, 0, types.MaxVersion, 1<<20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, types.Version(30), got[0].Version)

	has, err := s.HasSpilled(logA, teamY, types.MaxVersion)
	require.NoError(t, err)
	require.True(t, has)
}

func TestStore_RemoveGenerationClearsAllKeys(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	require.NoError(t, s.InitGeneration(meta(logA, 1)))
	require.NoError(t, s.InitGeneration(meta(logB, 2)))
	require.NoError(t, s.Spill(logA, 10, 10, map[types.StorageTeamID][]message.VersionedMessages{
		teamX: {{Version: 10, Messages: []byte("m")}},
	}))

	require.NoError(t, s.RemoveGeneration(logA))

	gens, err := s.Generations()
	require.NoError(t, err)
	require.Len(t, gens, 1)
	require.Equal(t, logB, gens[0].LogID)

	has, err := s.HasSpilled(logA, teamX, types.MaxVersion)
	require.NoError(t, err)
	require.False(t, has)
}

func TestStore_FormatMismatchIsCorruption(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(formatKey, []byte("something/else"))
	}))
	_, err := s.CheckFormat()
	require.ErrorIs(t, err, dberrors.ErrCorruptedData)
}
