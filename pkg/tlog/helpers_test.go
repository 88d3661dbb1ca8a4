package tlog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tlogd/internal/config"
	"tlogd/pkg/message"
	"tlogd/pkg/metrics"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	groupA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	teamX  = uuid.MustParse("00000000-0000-0000-0000-0000000000f1")
	teamY  = uuid.MustParse("00000000-0000-0000-0000-0000000000f2")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKnobs() config.Knobs {
	k := config.DefaultKnobs()
	k.UpdateStorageInterval = 10 * time.Millisecond
	k.PeekMaxWait = 100 * time.Millisecond
	k.CommitWaitWarningInterval = time.Second
	k.BackpressurePollInterval = 5 * time.Millisecond
	k.DiskQueueSegmentBytes = 1 << 20
	k.MessageBlockBytes = 4 << 10
	return k
}

type runningGroup struct {
	*Group
	cancel context.CancelFunc
	errCh  chan error
}

func (rg *runningGroup) stop(t *testing.T) {
	t.Helper()
	rg.cancel()
	require.NoError(t, <-rg.errCh)
	require.NoError(t, rg.Close())
}

func openGroup(t *testing.T, dir string, knobs config.Knobs) *runningGroup {
	t.Helper()

	g, err := OpenGroup(dir, groupA, knobs, testLogger(), metrics.New())
	require.NoError(t, err)
	return runGroup(g)
}

// runGroup starts the background loops of an opened group.
func runGroup(g *Group) *runningGroup {
	ctx, cancel := context.WithCancel(context.Background())
	rg := &runningGroup{Group: g, cancel: cancel, errCh: make(chan error, 1)}
	go func() { rg.errCh <- g.Run(ctx) }()
	return rg
}

func startGroup(t *testing.T, knobs config.Knobs) (*runningGroup, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "group")
	return openGroup(t, dir, knobs), dir
}

func addActiveGeneration(t *testing.T, g *Group, epoch uint64, start types.Version, teams ...types.StorageTeamID) *Generation {
	t.Helper()
	gen, err := g.addGeneration(generationSpec{
		LogID:         uuid.New(),
		RecoveryCount: epoch,
		StartVersion:  start,
		Teams:         teams,
	})
	require.NoError(t, err)
	require.NoError(t, g.initGeneration(gen))
	return gen
}

func msgs(muts ...message.Mutation) []byte {
	out := make([]message.Message, 0, len(muts))
	for i, m := range muts {
		out = append(out, message.Message{Subsequence: uint32(i), Mutation: m})
	}
	return message.EncodeMessages(out)
}

func set(k, v string) message.Mutation {
	return message.Mutation{Type: message.SetValue, Param1: []byte(k), Param2: []byte(v)}
}

func commitReq(team types.StorageTeamID, prev, v types.Version, data []byte) CommitRequest {
	req := CommitRequest{
		StorageTeamID:         team,
		PrevVersion:           prev,
		Version:               v,
		KnownCommittedVersion: prev,
	}
	if data != nil {
		req.Messages = map[types.StorageTeamID][]byte{team: data}
	}
	return req
}

func commit(t *testing.T, g *Group, gen *Generation, req CommitRequest) types.Version {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := g.Commit(ctx, gen, req)
	require.NoError(t, err)
	return v
}

func peek(t *testing.T, g *Group, gen *Generation, req PeekRequest) (PeekReply, []message.VersionedMessages) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := g.Peek(ctx, gen, req)
	require.NoError(t, err)
	entries, err := message.DecodeBatch(reply.Data)
	require.NoError(t, err)
	return reply, entries
}

func versionsOf(entries []message.VersionedMessages) []types.Version {
	out := make([]types.Version, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Version)
	}
	return out
}
