package dbinfo

import (
	"testing"

	"tlogd/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplaces(t *testing.T) {
	self := uuid.New()
	other := uuid.New()

	tests := []struct {
		name    string
		info    ServerDBInfo
		epoch   uint64
		primary bool
		want    bool
	}{
		{
			name:    "primary replaced by a newer recovery",
			info:    ServerDBInfo{RecoveryCount: 5, RecoveryState: types.RecoveryRecruiting, LogSystemConfig: LogSystemConfig{TLogs: []types.LogID{other}}},
			epoch:   4,
			primary: true,
			want:    true,
		},
		{
			name:    "primary at the same epoch",
			info:    ServerDBInfo{RecoveryCount: 4, RecoveryState: types.RecoveryAcceptingCommits},
			epoch:   4,
			primary: true,
			want:    true,
		},
		{
			name:    "still in the current config",
			info:    ServerDBInfo{RecoveryCount: 5, RecoveryState: types.RecoveryFullyRecovered, LogSystemConfig: LogSystemConfig{TLogs: []types.LogID{self}}},
			epoch:   4,
			primary: true,
			want:    false,
		},
		{
			name:    "still in an old generation",
			info:    ServerDBInfo{RecoveryCount: 5, RecoveryState: types.RecoveryFullyRecovered, LogSystemConfig: LogSystemConfig{OldTLogs: [][]types.LogID{{other}, {self}}}},
			epoch:   4,
			primary: true,
			want:    false,
		},
		{
			name:    "prior committed log server",
			info:    ServerDBInfo{RecoveryCount: 5, RecoveryState: types.RecoveryFullyRecovered, PriorCommittedLogServers: []types.LogID{self}},
			epoch:   4,
			primary: true,
			want:    false,
		},
		{
			name:    "uninitialized recovery",
			info:    ServerDBInfo{RecoveryCount: 9},
			epoch:   4,
			primary: true,
			want:    false,
		},
		{
			name:  "remote at the same epoch before full recovery",
			info:  ServerDBInfo{RecoveryCount: 4, RecoveryState: types.RecoveryAcceptingCommits},
			epoch: 4,
			want:  false,
		},
		{
			name:  "remote at the same epoch fully recovered",
			info:  ServerDBInfo{RecoveryCount: 4, RecoveryState: types.RecoveryFullyRecovered},
			epoch: 4,
			want:  true,
		},
		{
			name:  "remote replaced by a newer recovery",
			info:  ServerDBInfo{RecoveryCount: 5, RecoveryState: types.RecoveryRecruiting},
			epoch: 4,
			want:  true,
		},
		{
			name:    "older db info",
			info:    ServerDBInfo{RecoveryCount: 3, RecoveryState: types.RecoveryFullyRecovered},
			epoch:   4,
			primary: true,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Displaces(self, tt.epoch, tt.primary))
		})
	}
}

func TestVar_SetWakesWaiters(t *testing.T) {
	v := NewVar(ServerDBInfo{RecoveryCount: 1})

	info, changed := v.Get()
	require.Equal(t, uint64(1), info.RecoveryCount)

	select {
	case <-changed:
		t.Fatal("changed before Set")
	default:
	}

	v.Set(ServerDBInfo{RecoveryCount: 2})

	select {
	case <-changed:
	default:
		t.Fatal("Set did not wake the waiter")
	}

	info, next := v.Get()
	require.Equal(t, uint64(2), info.RecoveryCount)
	require.NotEqual(t, changed, next)
}
