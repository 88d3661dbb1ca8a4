package tlog

import (
	"fmt"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/types"
)

// Pop tells gen that the consumers of team no longer need versions below v. Pops are
// monotonic. A pop is deferred while an older generation still holds unpopped data of
// the team below v, and is applied once that generation drains.
func (g *Group) Pop(gen *Generation, team types.StorageTeamID, v types.Version) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := gen.teams[team]; !ok {
		return fmt.Errorf("team %s not in generation %s: %w", team, gen.id, dberrors.ErrTLogGroupNotFound)
	}

	if g.pops.disabled() {
		key := popKey{logID: gen.id, team: team}
		g.pops.toBePopped[key] = max(g.pops.toBePopped[key], v)
		g.metrics.Pops.WithLabelValues(g.label, "held").Inc()
		return nil
	}

	if err := g.popLocked(gen, team, v); err != nil {
		return err
	}
	return g.removeDrainedLocked()
}

func (g *Group) popLocked(gen *Generation, team types.StorageTeamID, v types.Version) error {
	ts, ok := gen.teams[team]
	if !ok || v <= ts.popped {
		return nil
	}

	if g.olderHoldsLocked(gen, team, v) {
		ts.deferredPop = max(ts.deferredPop, v)
		g.metrics.Pops.WithLabelValues(g.label, "deferred").Inc()
		return nil
	}

	if err := g.persist.SetPopped(gen.id, team, v); err != nil {
		err = fmt.Errorf("failed to persist pop of %s: %w", team, err)
		g.terminate(err)
		return err
	}
	ts.popped = v
	if ts.deferredPop <= v {
		ts.deferredPop = types.InvalidVersion
	}

	freed := gen.store.TrimBefore(team, v)
	g.releaseLocked(gen, freed)

	if ts.spilledThrough >= 0 {
		if err := g.persist.ClearSpilledBefore(gen.id, team, v); err != nil {
			err = fmt.Errorf("failed to clear spilled messages of %s: %w", team, err)
			g.terminate(err)
			return err
		}
		if ts.spilledThrough < v {
			ts.spilledThrough = types.InvalidVersion
		}
	}

	g.metrics.Pops.WithLabelValues(g.label, "applied").Inc()
	return g.applyDeferredPopsLocked(team)
}

// olderHoldsLocked reports whether a generation older than gen still has data of team
// below v.
func (g *Group) olderHoldsLocked(gen *Generation, team types.StorageTeamID, v types.Version) bool {
	for _, older := range g.popOrder {
		if older == gen {
			return false
		}
		if older.holdsBeforeLocked(team, v) {
			return true
		}
	}
	return false
}

// applyDeferredPopsLocked retries the deferred pops of team, oldest generation first.
func (g *Group) applyDeferredPopsLocked(team types.StorageTeamID) error {
	for _, gen := range g.popOrder {
		ts, ok := gen.teams[team]
		if !ok || ts.deferredPop <= ts.popped {
			continue
		}
		if g.olderHoldsLocked(gen, team, ts.deferredPop) {
			continue
		}
		v := ts.deferredPop
		ts.deferredPop = types.InvalidVersion
		if err := g.popLocked(gen, team, v); err != nil {
			return err
		}
	}
	return nil
}

// removeDrainedLocked removes stopped generations nobody needs anymore. The newest
// generation stays until a displacement removes it.
func (g *Group) removeDrainedLocked() error {
	for i, gen := range g.popOrder {
		if i == len(g.popOrder)-1 {
			return nil
		}
		if gen.drainedLocked() {
			if err := g.removeLocked(gen, dberrors.ErrWorkerRemoved); err != nil {
				return err
			}
			// popOrder changed under us
			return g.removeDrainedLocked()
		}
	}
	return nil
}

// DisablePop holds back every pop until EnablePop is called with the same uid or the
// pop disable timeout passes.
func (g *Group) DisablePop(uid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pops.disabled() && g.pops.uid != uid {
		return fmt.Errorf("pop already disabled by %s: %w", g.pops.uid, dberrors.ErrOperationObsolete)
	}
	g.pops.uid = uid
	g.pops.deadline = time.Now().Add(g.knobs.PopDisableTimeout)
	g.logger.Info("pop disabled", "uid", uid, "deadline", g.pops.deadline)
	return nil
}

// EnablePop applies the pops held back since DisablePop.
func (g *Group) EnablePop(uid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pops.disabled() {
		return nil
	}
	if g.pops.uid != uid {
		return fmt.Errorf("pop disabled by %q, not %q: %w", g.pops.uid, uid, dberrors.ErrOperationObsolete)
	}
	return g.enablePopLocked()
}

func (g *Group) enablePopLocked() error {
	held := g.pops.toBePopped
	g.pops = popControl{toBePopped: make(map[popKey]types.Version)}
	g.logger.Info("pop enabled", "held", len(held))

	for key, v := range held {
		gen, ok := g.generations[key.logID]
		if !ok {
			continue
		}
		if err := g.popLocked(gen, key.team, v); err != nil {
			return err
		}
	}
	return g.removeDrainedLocked()
}

// expirePopDisableLocked re-enables pops once the disable deadline has passed.
func (g *Group) expirePopDisableLocked(now time.Time) error {
	if !g.pops.disabled() || now.Before(g.pops.deadline) {
		return nil
	}
	g.logger.Warn("pop disable timed out", "uid", g.pops.uid)
	return g.enablePopLocked()
}
