package tlog

import (
	"context"
	"fmt"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/message"
	"tlogd/pkg/types"
)

// Peek returns the durable messages of one team from req.BeginVersion on, spilled data
// first. Replies are cut at version boundaries once DesiredTotalBytes is reached.
// When nothing at or after the begin version is durable yet, Peek waits up to
// PeekMaxWait unless the request asks to return when blocked.
func (g *Group) Peek(ctx context.Context, gen *Generation, req PeekRequest) (PeekReply, error) {
	g.metrics.Peeks.WithLabelValues(g.label).Inc()

	begin := max(req.BeginVersion, 0)
	end := req.EndVersion
	if end <= 0 {
		end = types.MaxVersion
	}

	g.mu.Lock()
	reply, done, err := g.peekPoppedLocked(gen, req.StorageTeamID, begin)
	stopped := gen.stopped
	g.mu.Unlock()
	if err != nil || done {
		return reply, err
	}

	if gen.queueCommittedVersion.Get() < begin && !stopped && !req.ReturnIfBlocked {
		timer := time.NewTimer(g.knobs.PeekMaxWait)
		select {
		case <-gen.queueCommittedVersion.WhenAtLeast(begin):
		case <-gen.stopCh:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return PeekReply{}, ctx.Err()
		}
		timer.Stop()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	reply, done, err = g.peekPoppedLocked(gen, req.StorageTeamID, begin)
	if err != nil || done {
		return reply, err
	}
	return g.readLocked(gen, req.StorageTeamID, begin, end, req.OnlySpilled)
}

// peekPoppedLocked answers a peek below the popped version of the team.
func (g *Group) peekPoppedLocked(gen *Generation, team types.StorageTeamID, begin types.Version) (PeekReply, bool, error) {
	ts, ok := gen.teams[team]
	if !ok {
		return PeekReply{}, true, fmt.Errorf("team %s not in generation %s: %w", team, gen.id, dberrors.ErrTLogGroupNotFound)
	}
	if begin >= ts.popped {
		return PeekReply{}, false, nil
	}
	popped := ts.popped
	return PeekReply{
		Begin:                    begin,
		End:                      popped,
		Popped:                   &popped,
		MaxKnownVersion:          gen.version.Get(),
		MinKnownCommittedVersion: gen.minKnownCommittedVersion,
	}, true, nil
}

func (g *Group) readLocked(gen *Generation, team types.StorageTeamID, begin, end types.Version, onlySpilled bool) (PeekReply, error) {
	reply := PeekReply{
		Begin:                    begin,
		End:                      begin,
		MaxKnownVersion:          gen.version.Get(),
		MinKnownCommittedVersion: gen.minKnownCommittedVersion,
	}

	durable := gen.queueCommittedVersion.Get()
	if durable < begin {
		return reply, nil
	}
	upper := min(end, durable+1)
	limit := g.knobs.DesiredTotalBytes

	var (
		entries []message.VersionedMessages
		total   int
	)

	if begin <= gen.persistentDataDurableVersion {
		spillEnd := min(upper, gen.persistentDataDurableVersion+1)
		spilled, more, err := g.persist.ReadSpilled(gen.id, team, begin, spillEnd, limit)
		if err != nil {
			return PeekReply{}, fmt.Errorf("failed to read spilled messages: %w", err)
		}
		entries = spilled
		total = message.BatchBytes(spilled)
		if more {
			reply.Data = message.EncodeBatch(entries)
			reply.End = entries[len(entries)-1].Version + 1
			reply.OnlySpilled = true
			return reply, nil
		}
		if onlySpilled {
			reply.Data = message.EncodeBatch(entries)
			reply.End = spillEnd
			reply.OnlySpilled = true
			return reply, nil
		}
	}

	reply.End = upper
	memBegin := max(begin, gen.persistentDataDurableVersion+1)
	gen.store.Range(team, memBegin, upper, func(v types.Version, msgs []byte) bool {
		if total >= limit && len(entries) > 0 && entries[len(entries)-1].Version != v {
			reply.End = v
			return false
		}
		data := make([]byte, len(msgs))
		copy(data, msgs)
		entries = append(entries, message.VersionedMessages{Version: v, Messages: data})
		total += len(data)
		return true
	})

	reply.Data = message.EncodeBatch(entries)
	return reply, nil
}
