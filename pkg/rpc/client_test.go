package rpc

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tlogd/internal/config"
	tloghttp "tlogd/internal/http"
	"tlogd/pkg/cursor"
	"tlogd/pkg/dberrors"
	"tlogd/pkg/message"
	"tlogd/pkg/tlog"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	groupA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	teamX  = uuid.MustParse("00000000-0000-0000-0000-0000000000f1")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRemote runs a log server behind the HTTP API and returns a client for it.
func startRemote(t *testing.T, opts ...tlog.Option) *Client {
	t.Helper()

	knobs := config.DefaultKnobs()
	knobs.PeekMaxWait = 100 * time.Millisecond
	knobs.UpdateStorageInterval = 10 * time.Millisecond

	opts = append([]tlog.Option{tlog.WithLogger(testLogger())}, opts...)
	logs := tlog.NewServer(t.TempDir(), knobs, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- logs.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	<-logs.Ready()

	api := tloghttp.NewServer(logs, logs.Metrics().Handler(), "", testLogger())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, 5*time.Second)
}

func mutations(keys ...string) []byte {
	var msgs []message.Message
	for i, k := range keys {
		msgs = append(msgs, message.Message{
			Subsequence: uint32(i),
			Mutation:    message.Mutation{Type: message.SetValue, Param1: []byte(k), Param2: []byte("v")},
		})
	}
	return message.EncodeMessages(msgs)
}

func recruitReq() tlog.InitializeRequest {
	return tlog.InitializeRequest{
		RecruitmentID: uuid.New(),
		RecoveryCount: 1,
		SpillType:     types.SpillValue,
		TransferModel: types.StorageServerActivelyPull,
		IsPrimary:     true,
		Groups:        []tlog.GroupSpec{{GroupID: groupA, StorageTeams: []types.StorageTeamID{teamX}}},
	}
}

func commitReq(prev, v types.Version, keys ...string) tlog.CommitRequest {
	return tlog.CommitRequest{
		StorageTeamID:         teamX,
		PrevVersion:           prev,
		Version:               v,
		KnownCommittedVersion: prev,
		Messages:              map[types.StorageTeamID][]byte{teamX: mutations(keys...)},
	}
}

func TestClient_CommitPeekPop(t *testing.T) {
	c := startRemote(t)
	ctx := context.Background()

	iface, err := c.Recruit(ctx, recruitReq())
	require.NoError(t, err)
	require.Equal(t, []types.GroupID{groupA}, iface.Groups)

	_, err = c.Commit(ctx, commitReq(0, 100, "K"))
	require.NoError(t, err)

	reply, err := c.Peek(ctx, tlog.PeekRequest{StorageTeamID: teamX})
	require.NoError(t, err)
	assert.Equal(t, types.Version(101), reply.End)
	entries, err := message.DecodeBatch(reply.Data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.Version(100), entries[0].Version)

	require.NoError(t, c.Pop(ctx, tlog.PopRequest{StorageTeamID: teamX, Version: 100}))
	reply, err = c.Peek(ctx, tlog.PeekRequest{StorageTeamID: teamX})
	require.NoError(t, err)
	require.NotNil(t, reply.Popped)
	assert.Equal(t, types.Version(100), *reply.Popped)

	qm, err := c.QueuingMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, qm, 1)
	assert.Equal(t, types.Version(100), qm[0].Version)

	require.NoError(t, c.ConfirmRunning(ctx, iface.LogID))
	locks, err := c.Lock(ctx, iface.LogID)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, groupA, locks[0].GroupID)
	assert.Equal(t, types.Version(100), locks[0].End)
	require.ErrorIs(t, c.ConfirmRunning(ctx, iface.LogID), dberrors.ErrTLogStopped)
}

func TestClient_TypedErrors(t *testing.T) {
	c := startRemote(t)
	ctx := context.Background()

	err := c.ConfirmRunning(ctx, uuid.New())
	require.ErrorIs(t, err, dberrors.ErrTLogGroupNotFound)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "tlog_group_not_found", remote.Code)

	_, err = c.Recruitment(ctx, uuid.New())
	require.ErrorIs(t, err, dberrors.ErrUnknownRecruitment)

	req := recruitReq()
	iface, err := c.Recruit(ctx, req)
	require.NoError(t, err)
	again, err := c.Recruitment(ctx, req.RecruitmentID)
	require.NoError(t, err)
	assert.Equal(t, iface, again)

	_, err = c.Commit(ctx, tlog.CommitRequest{StorageTeamID: teamX, PrevVersion: 10, Version: 5})
	require.ErrorIs(t, err, dberrors.ErrProtocolViolation)

	require.NoError(t, c.DisablePop(ctx, "snap"))
	require.ErrorIs(t, c.EnablePop(ctx, "other"), dberrors.ErrOperationObsolete)
	require.NoError(t, c.EnablePop(ctx, "snap"))
}

func TestClient_FeedsServerCursor(t *testing.T) {
	c := startRemote(t)
	ctx := context.Background()

	_, err := c.Recruit(ctx, recruitReq())
	require.NoError(t, err)
	_, err = c.Commit(ctx, commitReq(0, 10, "a", "b"))
	require.NoError(t, err)
	_, err = c.Commit(ctx, commitReq(10, 20, "c"))
	require.NoError(t, err)

	cur := cursor.NewServerCursor(c, teamX, 0, cursor.WithReturnIfBlocked())
	var keys []string
	for {
		for cur.HasRemaining() {
			keys = append(keys, string(cur.Get().Mutation.Param1))
			cur.Next()
		}
		more, err := cur.RemoteMoreAvailable(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, types.Version(20), cur.LastVersion())
}

type recordingDestination struct {
	mu       sync.Mutex
	versions []types.Version
}

func (d *recordingDestination) Push(_ context.Context, req tlog.PushRequest) (types.Version, error) {
	entries, err := message.DecodeBatch(req.Data)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.versions = append(d.versions, e.Version)
	}
	return req.End, nil
}

func (d *recordingDestination) received() []types.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Version(nil), d.versions...)
}

func TestPushClient_DeliversOverHTTP(t *testing.T) {
	dest := &recordingDestination{}
	storage := httptest.NewServer(PushHandler(dest, testLogger()))
	t.Cleanup(storage.Close)

	c := startRemote(t, tlog.WithPushDialer(PushDialer(time.Second)))
	ctx := context.Background()

	req := recruitReq()
	req.TransferModel = types.TLogActivelyPush
	req.PushTargets = map[types.StorageTeamID]string{teamX: storage.URL}
	_, err := c.Recruit(ctx, req)
	require.NoError(t, err)

	_, err = c.Commit(ctx, commitReq(0, 10, "a"))
	require.NoError(t, err)
	_, err = c.Commit(ctx, commitReq(10, 20, "b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(dest.received()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.Version{10, 20}, dest.received())
}
