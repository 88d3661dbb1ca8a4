// Package cursor reads the mutations of storage teams back from log servers, one
// mutation at a time, in (version, subsequence) order.
package cursor

import (
	"context"
	"fmt"

	"tlogd/pkg/message"
	"tlogd/pkg/tlog"
	"tlogd/pkg/types"
)

// Peeker is the part of a log server a cursor reads from. Both *tlog.Server and
// *rpc.Client satisfy it.
type Peeker interface {
	Peek(ctx context.Context, req tlog.PeekRequest) (tlog.PeekReply, error)
}

// VersionedMutation is a mutation together with its position in the log.
type VersionedMutation struct {
	Version     types.Version
	Subsequence uint32
	Mutation    message.Mutation
}

func (m VersionedMutation) less(o VersionedMutation) bool {
	if m.Version != o.Version {
		return m.Version < o.Version
	}
	return m.Subsequence < o.Subsequence
}

// Cursor iterates over locally buffered mutations. When HasRemaining is false the
// caller asks RemoteMoreAvailable to fetch more; false from it means nothing new
// arrived for now.
type Cursor interface {
	HasRemaining() bool
	Get() VersionedMutation
	Next()
	RemoteMoreAvailable(ctx context.Context) (bool, error)
}

type Option func(*ServerCursor)

// WithReturnIfBlocked makes every peek return at once instead of waiting on the server
// for new data.
func WithReturnIfBlocked() Option {
	return func(c *ServerCursor) { c.returnIfBlocked = true }
}

// WithLogID pins the cursor to one generation instead of the team's active one.
func WithLogID(id types.LogID) Option {
	return func(c *ServerCursor) { c.logID = id }
}

// ServerCursor reads one team from one log server.
type ServerCursor struct {
	peeker          Peeker
	logID           types.LogID
	team            types.StorageTeamID
	returnIfBlocked bool

	beginVersion types.Version
	// lastVersion is the last version covered by a reply; the next peek starts after it.
	lastVersion types.Version
	popped      types.Version

	buf []VersionedMutation
	pos int
}

func NewServerCursor(p Peeker, team types.StorageTeamID, begin types.Version, opts ...Option) *ServerCursor {
	c := &ServerCursor{
		peeker:       p,
		team:         team,
		beginVersion: begin,
		lastVersion:  begin - 1,
		popped:       types.InvalidVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ServerCursor) Team() types.StorageTeamID {
	return c.team
}

func (c *ServerCursor) BeginVersion() types.Version {
	return c.beginVersion
}

// LastVersion is the last version the cursor has fetched, with or without data.
func (c *ServerCursor) LastVersion() types.Version {
	return c.lastVersion
}

// Popped is the popped version the server last reported, or InvalidVersion. Data below
// it was skipped.
func (c *ServerCursor) Popped() types.Version {
	return c.popped
}

func (c *ServerCursor) HasRemaining() bool {
	return c.pos < len(c.buf)
}

func (c *ServerCursor) Get() VersionedMutation {
	return c.buf[c.pos]
}

func (c *ServerCursor) Next() {
	c.pos++
}

// RemoteMoreAvailable replaces the local buffer with the next reply of the server.
func (c *ServerCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	for {
		reply, err := c.peeker.Peek(ctx, tlog.PeekRequest{
			LogID:           c.logID,
			StorageTeamID:   c.team,
			BeginVersion:    c.lastVersion + 1,
			ReturnIfBlocked: c.returnIfBlocked,
		})
		if err != nil {
			return false, fmt.Errorf("peek team %s from %d: %w", c.team, c.lastVersion+1, err)
		}

		if reply.Popped != nil {
			// everything below popped is gone; continue from there
			c.popped = *reply.Popped
			if *reply.Popped-1 > c.lastVersion {
				c.lastVersion = *reply.Popped - 1
				continue
			}
		}

		buf, err := decode(reply.Data)
		if err != nil {
			return false, err
		}
		if reply.End-1 > c.lastVersion {
			c.lastVersion = reply.End - 1
		}
		c.buf, c.pos = buf, 0
		return len(buf) > 0, nil
	}
}

func decode(data []byte) ([]VersionedMutation, error) {
	entries, err := message.DecodeBatch(data)
	if err != nil {
		return nil, err
	}

	var out []VersionedMutation
	for _, e := range entries {
		msgs, err := message.DecodeMessages(e.Messages)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", e.Version, err)
		}
		for _, m := range msgs {
			out = append(out, VersionedMutation{Version: e.Version, Subsequence: m.Subsequence, Mutation: m.Mutation})
		}
	}
	return out, nil
}
