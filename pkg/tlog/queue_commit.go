package tlog

import (
	"context"
	"errors"
	"fmt"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/types"
)

// commitQueue drives physical commits of the group's disk queue. It follows the
// active generation, or the most recently stopped one while there is none, and starts
// a commit whenever its version moves past what is committed or committing.
func (g *Group) commitQueue(ctx context.Context) error {
	for {
		g.mu.Lock()
		var (
			active  *Generation
			missing []*Generation
			running int
		)
		for _, gen := range g.popOrder {
			switch {
			case !gen.stopped:
				active = gen
				running++
			case gen.version.Get() > max(gen.queueCommittingVersion, gen.queueCommittedVersion.Get()):
				// stopped with data no commit covers yet
				missing = append(missing, gen)
			}
		}
		newData := g.newLogData.Wait()
		g.mu.Unlock()

		if running > 1 {
			return fmt.Errorf("group %s has %d active generations: %w", g.id, running, dberrors.ErrProtocolViolation)
		}
		if active == nil && len(missing) > 0 {
			active, missing = missing[len(missing)-1], missing[:len(missing)-1]
		}
		if active == nil {
			select {
			case <-newData:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		active.committingQueue.Send()
		if err := g.followGeneration(ctx, active, missing); err != nil {
			return err
		}
	}
}

// followGeneration commits gen until it is stopped and fully committed, or until the
// set of generations changes.
func (g *Group) followGeneration(ctx context.Context, gen *Generation, missing []*Generation) error {
	if len(missing) > 0 {
		if err := g.waitCommitSlot(ctx); err != nil {
			return err
		}
		g.startQueueCommit(ctx, gen, missing)
	}

	for {
		g.mu.Lock()
		committing := max(gen.queueCommittingVersion, gen.queueCommittedVersion.Get())
		version := gen.version.Get()
		stopped := gen.stopped
		newData := g.newLogData.Wait()
		g.mu.Unlock()

		if stopped && version == committing {
			return gen.queueCommittedVersion.Wait(ctx, version)
		}

		select {
		case <-gen.version.WhenAtLeast(committing + 1):
			if err := g.waitCommitSlot(ctx); err != nil {
				return err
			}
			g.startQueueCommit(ctx, gen, nil)
		case <-newData:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitCommitSlot waits for the previous physical commit to finish, unless enough
// bytes are pending to justify overlapping commits.
func (g *Group) waitCommitSlot(ctx context.Context) error {
	for {
		g.mu.Lock()
		free := g.queueCommitBegin == g.queueCommitEnd.Get() || g.largeDiskQueueCommitBytes
		finished := g.queueCommitEnd.WhenAtLeast(g.queueCommitBegin)
		large := g.largeCommit.Wait()
		g.mu.Unlock()

		if free {
			return nil
		}
		select {
		case <-finished:
		case <-large:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Group) startQueueCommit(ctx context.Context, gen *Generation, missing []*Generation) {
	g.mu.Lock()
	version := gen.version.Get()
	knownCommitted := gen.knownCommittedVersion
	g.queueCommitBegin++
	commitNumber := g.queueCommitBegin
	gen.queueCommittingVersion = max(gen.queueCommittingVersion, version)
	g.diskQueueCommitBytes = 0
	g.largeDiskQueueCommitBytes = false
	g.mu.Unlock()

	g.eg.Go(func() error {
		return g.doQueueCommit(ctx, gen, commitNumber, version, knownCommitted, missing)
	})
}

// doQueueCommit makes everything pushed so far durable, then publishes the new
// durable versions in commit order.
func (g *Group) doQueueCommit(
	ctx context.Context,
	gen *Generation,
	commitNumber int64,
	version, knownCommitted types.Version,
	missing []*Generation,
) error {
	commitCtx, cancel := context.WithTimeout(ctx, g.knobs.MaxStorageCommitTime)
	err := g.queue.Commit(commitCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("queue commit took longer than %s: %w", g.knobs.MaxStorageCommitTime, dberrors.ErrIOTimeout)
		}
		return fmt.Errorf("group %s queue commit %d: %w", g.id, commitNumber, err)
	}
	g.metrics.QueueCommits.WithLabelValues(g.label).Inc()

	if err := g.queueCommitEnd.Wait(ctx, commitNumber-1); err != nil {
		return err
	}

	g.mu.Lock()
	if version > gen.queueCommittedVersion.Get() {
		gen.durableKnownCommittedVersion = max(gen.durableKnownCommittedVersion, knownCommitted)
		gen.queueCommittedVersion.Set(version)
	}
	g.queueCommitEnd.Set(commitNumber)

	for _, m := range missing {
		if v := m.version.Get(); v > m.queueCommittedVersion.Get() {
			m.queueCommittingVersion = max(m.queueCommittingVersion, v)
			m.durableKnownCommittedVersion = max(m.durableKnownCommittedVersion, m.knownCommittedVersion)
			m.queueCommittedVersion.Set(v)
			m.logger.Info("final commit of stopped generation", "version", v)
			g.updateGenerationMetricsLocked(m)
			g.wakePushersLocked(m)
		}
	}
	g.updateGenerationMetricsLocked(gen)
	g.wakePushersLocked(gen)
	g.mu.Unlock()

	return nil
}
