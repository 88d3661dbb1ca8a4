package cursor

import (
	"context"
	"errors"
	"testing"

	"tlogd/pkg/message"
	"tlogd/pkg/tlog"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeeker serves a fixed log, at most limit versions per reply.
type fakePeeker struct {
	entries []message.VersionedMessages
	popped  types.Version
	limit   int
	calls   int
	err     error
}

func (f *fakePeeker) Peek(_ context.Context, req tlog.PeekRequest) (tlog.PeekReply, error) {
	f.calls++
	if f.err != nil {
		return tlog.PeekReply{}, f.err
	}
	if req.BeginVersion < f.popped {
		popped := f.popped
		return tlog.PeekReply{Begin: req.BeginVersion, End: popped, Popped: &popped}, nil
	}

	var out []message.VersionedMessages
	end := req.BeginVersion
	for _, e := range f.entries {
		if e.Version < req.BeginVersion {
			continue
		}
		if f.limit > 0 && len(out) == f.limit {
			break
		}
		out = append(out, e)
		end = e.Version + 1
	}
	return tlog.PeekReply{Data: message.EncodeBatch(out), Begin: req.BeginVersion, End: end}, nil
}

func entry(v types.Version, keys ...string) message.VersionedMessages {
	var msgs []message.Message
	for i, k := range keys {
		msgs = append(msgs, message.Message{
			Subsequence: uint32(i + 1),
			Mutation:    message.Mutation{Type: message.SetValue, Param1: []byte(k), Param2: []byte("v")},
		})
	}
	return message.VersionedMessages{Version: v, Messages: message.EncodeMessages(msgs)}
}

func drain(t *testing.T, c Cursor) []string {
	t.Helper()
	var keys []string
	for {
		for c.HasRemaining() {
			keys = append(keys, string(c.Get().Mutation.Param1))
			c.Next()
		}
		more, err := c.RemoteMoreAvailable(context.Background())
		require.NoError(t, err)
		if !more {
			return keys
		}
	}
}

func TestServerCursor_ReadsEverythingInOrder(t *testing.T) {
	p := &fakePeeker{
		entries: []message.VersionedMessages{entry(10, "a", "b"), entry(20, "c"), entry(30, "d", "e")},
		limit:   1,
	}
	c := NewServerCursor(p, uuid.New(), 0)

	assert.False(t, c.HasRemaining())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, drain(t, c))
	assert.Equal(t, types.Version(30), c.LastVersion())

	more, err := c.RemoteMoreAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, types.Version(30), c.LastVersion())
}

func TestServerCursor_PositionsAndSubsequences(t *testing.T) {
	p := &fakePeeker{entries: []message.VersionedMessages{entry(10, "a", "b")}}
	c := NewServerCursor(p, uuid.New(), 5)

	more, err := c.RemoteMoreAvailable(context.Background())
	require.NoError(t, err)
	require.True(t, more)

	first := c.Get()
	assert.Equal(t, types.Version(10), first.Version)
	assert.Equal(t, uint32(1), first.Subsequence)
	c.Next()
	assert.Equal(t, uint32(2), c.Get().Subsequence)
}

func TestServerCursor_SkipsPoppedData(t *testing.T) {
	p := &fakePeeker{
		entries: []message.VersionedMessages{entry(10, "a"), entry(20, "b"), entry(30, "c")},
		popped:  15,
	}
	c := NewServerCursor(p, uuid.New(), 0)

	assert.Equal(t, []string{"b", "c"}, drain(t, c))
	assert.Equal(t, types.Version(15), c.Popped())
}

func TestServerCursor_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewServerCursor(&fakePeeker{err: boom}, uuid.New(), 0)

	_, err := c.RemoteMoreAvailable(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestMergedCursor_OrdersByVersionAndSubsequence(t *testing.T) {
	left := &fakePeeker{entries: []message.VersionedMessages{entry(10, "l10"), entry(30, "l30a", "l30b")}, limit: 1}
	right := &fakePeeker{entries: []message.VersionedMessages{entry(20, "r20"), entry(30, "r30"), entry(40, "r40")}}

	mc := NewMergedCursor(
		NewServerCursor(left, uuid.New(), 0),
		NewServerCursor(right, uuid.New(), 0),
	)
	assert.Equal(t, 2, mc.NumActive())

	got := drain(t, mc)
	assert.Equal(t, []string{"l10", "r20", "l30a", "r30", "l30b", "r40"}, got)
	assert.Equal(t, 0, mc.NumActive())
}

func TestMergedCursor_Empty(t *testing.T) {
	mc := NewMergedCursor()
	assert.False(t, mc.HasRemaining())
	more, err := mc.RemoteMoreAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}
