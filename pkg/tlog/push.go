package tlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/listener"
	"tlogd/pkg/types"
)

const pushRetryDelay = 100 * time.Millisecond

var _ listener.Job = (*pusher)(nil)

// pusher delivers the durable messages of one team to its storage server, one batch
// at a time. It wakes whenever the queue committed version advances.
type pusher struct {
	*listener.Listener[struct{}]

	group *Group
	gen   *Generation
	team  types.StorageTeamID
	dest  PushDestination
	wake  chan struct{}
	next  types.Version

	started bool

	logger *slog.Logger
}

func newPusher(g *Group, gen *Generation, team types.StorageTeamID, dest PushDestination, from types.Version) *pusher {
	p := &pusher{
		group:  g,
		gen:    gen,
		team:   team,
		dest:   dest,
		wake:   make(chan struct{}, 1),
		next:   from,
		logger: gen.logger.With("team", team.String(), "component", "pusher"),
	}
	p.Listener = listener.New(p.wake, p.deliver,
		listener.WithErrorHandler(func(err error) {
			p.logger.Warn("push failed", "next", p.next, "error", err)
			time.AfterFunc(pushRetryDelay, p.notify)
		}),
	)
	return p
}

func (p *pusher) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// deliver pushes until the destination is caught up with the durable data or stops
// acknowledging everything it is sent.
func (p *pusher) deliver(ctx context.Context, _ struct{}) error {
	for {
		reply, err := p.group.Peek(ctx, p.gen, PeekRequest{
			StorageTeamID:   p.team,
			BeginVersion:    p.next,
			ReturnIfBlocked: true,
		})
		if err != nil {
			if dberrors.IsRetryElsewhere(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read team data: %w", err)
		}
		if reply.Popped != nil {
			p.next = *reply.Popped
			continue
		}
		if reply.End <= p.next {
			return nil
		}

		acked, err := p.dest.Push(ctx, PushRequest{
			LogID:         p.gen.id,
			StorageTeamID: p.team,
			Begin:         p.next,
			End:           reply.End,
			Data:          reply.Data,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("push [%d, %d): %w", p.next, reply.End, err)
		}

		if acked < reply.End {
			// the destination is behind; resume from what it took once woken again
			p.next = max(p.next, acked)
			return nil
		}
		p.next = reply.End
	}
}

// startPushersLocked starts a pusher for every team of a push-model generation that has
// a destination. It does nothing before the group runs.
func (g *Group) startPushersLocked(gen *Generation) {
	if g.ctx == nil || !gen.initialized || gen.removed.IsReady() {
		return
	}
	for team, p := range gen.pushers {
		if p.started {
			continue
		}
		p.started = true
		p.Start(g.ctx)
		p.notify()
		gen.logger.Debug("pusher started", "team", team.String())
	}
}

func (g *Group) stopPushersLocked(gen *Generation) {
	for team, p := range gen.pushers {
		// Stop waits for an in-flight delivery, which may need the group lock.
		go p.Stop()
		delete(gen.pushers, team)
	}
}

func (g *Group) wakePushersLocked(gen *Generation) {
	for _, p := range gen.pushers {
		p.notify()
	}
}

// setPushDestinations attaches destinations to a push-model generation before it is
// initialized.
func (g *Group) setPushDestinations(gen *Generation, dests map[types.StorageTeamID]PushDestination) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen.transferModel != types.TLogActivelyPush {
		return
	}
	for team, dest := range dests {
		ts, ok := gen.teams[team]
		if !ok || dest == nil {
			continue
		}
		if _, ok := gen.pushers[team]; ok {
			continue
		}
		gen.pushers[team] = newPusher(g, gen, team, dest, ts.popped)
	}
}
