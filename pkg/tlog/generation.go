package tlog

import (
	"log/slog"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/msgstore"
	"tlogd/pkg/notify"
	"tlogd/pkg/types"
)

// teamState tracks the consumer side of one storage team inside a generation.
type teamState struct {
	popped types.Version
	// deferredPop is a pop that waits for an older generation to drain the team.
	deferredPop types.Version
	// spilledThrough is the newest version of the team written to the persistent store.
	spilledThrough types.Version
}

// Generation is the state of one log epoch hosted by a group. Everything not wrapped in
// a notify primitive is guarded by the owning group's mutex.
type Generation struct {
	id              types.LogID
	recoveryCount   uint64
	locality        types.Locality
	spillType       types.SpillType
	transferModel   types.TransferModel
	protocolVersion uint64

	store *msgstore.Store
	teams map[types.StorageTeamID]*teamState

	version               *notify.Value[types.Version]
	queueCommittedVersion *notify.Value[types.Version]

	queueCommittingVersion       types.Version
	knownCommittedVersion        types.Version
	durableKnownCommittedVersion types.Version
	minKnownCommittedVersion     types.Version

	// persistentDataVersion is the newest version whose messages live in the
	// persistent store; persistentDataDurableVersion trails it until the write commits.
	persistentDataVersion        types.Version
	persistentDataDurableVersion types.Version

	bytesInput   int64
	bytesDurable int64

	stopped     bool
	initialized bool
	stopCh      chan struct{}

	removed          *notify.Future
	recoveryComplete *notify.Future
	committingQueue  *notify.Future

	pushers map[types.StorageTeamID]*pusher

	logger *slog.Logger
}

type generationSpec struct {
	LogID         types.LogID
	RecoveryCount uint64
	Locality      types.Locality
	SpillType     types.SpillType
	TransferModel types.TransferModel
	StartVersion  types.Version
	Teams         []types.StorageTeamID
}

func newGeneration(spec generationSpec, cfg msgstore.Config, logger *slog.Logger) *Generation {
	start := max(spec.StartVersion, 0)
	gen := &Generation{
		id:              spec.LogID,
		recoveryCount:   spec.RecoveryCount,
		locality:        spec.Locality,
		spillType:       spec.SpillType,
		transferModel:   spec.TransferModel,
		protocolVersion: types.ProtocolVersion,

		store: msgstore.New(cfg),
		teams: make(map[types.StorageTeamID]*teamState, len(spec.Teams)),

		version:               notify.NewValue(start),
		queueCommittedVersion: notify.NewValue(start),

		queueCommittingVersion:       start,
		knownCommittedVersion:        start,
		durableKnownCommittedVersion: start,
		minKnownCommittedVersion:     start,
		persistentDataVersion:        start,
		persistentDataDurableVersion: start,

		stopCh:           make(chan struct{}),
		removed:          notify.NewFuture(),
		recoveryComplete: notify.NewFuture(),
		committingQueue:  notify.NewFuture(),
		pushers:          make(map[types.StorageTeamID]*pusher),

		logger: logger.With("logId", spec.LogID.String(), "epoch", spec.RecoveryCount),
	}
	if gen.spillType == 0 {
		gen.spillType = types.SpillValue
	}
	for _, team := range spec.Teams {
		gen.addTeam(team, 0)
	}
	return gen
}

func (gen *Generation) addTeam(team types.StorageTeamID, popped types.Version) *teamState {
	if ts, ok := gen.teams[team]; ok {
		return ts
	}
	ts := &teamState{
		popped:         popped,
		deferredPop:    types.InvalidVersion,
		spilledThrough: types.InvalidVersion,
	}
	gen.teams[team] = ts
	gen.store.AddTeam(team)
	return ts
}

func (gen *Generation) ID() types.LogID {
	return gen.id
}

func (gen *Generation) RecoveryCount() uint64 {
	return gen.recoveryCount
}

// Version is the newest version applied to the generation.
func (gen *Generation) Version() types.Version {
	return gen.version.Get()
}

// QueueCommittedVersion is the newest version durable on the disk queue.
func (gen *Generation) QueueCommittedVersion() types.Version {
	return gen.queueCommittedVersion.Get()
}

func (gen *Generation) Teams() []types.StorageTeamID {
	out := make([]types.StorageTeamID, 0, len(gen.teams))
	for team := range gen.teams {
		out = append(out, team)
	}
	return out
}

// Removed is closed once the generation is gone from its group.
func (gen *Generation) Removed() <-chan struct{} {
	return gen.removed.Done()
}

// stopLocked stops accepting commits. In-flight commits fail with tlog_stopped, and
// anyone waiting on the queue or on recovery is released.
func (gen *Generation) stopLocked() bool {
	if gen.stopped {
		return false
	}
	gen.stopped = true
	close(gen.stopCh)
	gen.committingQueue.Fail(dberrors.ErrWorkerRemoved)
	gen.recoveryComplete.Fail(dberrors.ErrEndOfStream)
	return true
}

// drainedLocked reports whether a stopped generation holds nothing a consumer still
// needs: everything is durable and every team has been popped past its data.
func (gen *Generation) drainedLocked() bool {
	if !gen.stopped || gen.queueCommittedVersion.Get() < gen.version.Get() {
		return false
	}
	for team, ts := range gen.teams {
		if t, ok := gen.store.Team(team); ok && t.Len() > 0 {
			return false
		}
		if ts.spilledThrough >= ts.popped {
			return false
		}
	}
	return true
}

// holdsBeforeLocked reports whether the generation still buffers data of team with a
// version < v that has not been popped.
func (gen *Generation) holdsBeforeLocked(team types.StorageTeamID, v types.Version) bool {
	ts, ok := gen.teams[team]
	if !ok || ts.popped >= v {
		return false
	}
	if t, ok := gen.store.Team(team); ok {
		if first, ok := t.FirstVersion(); ok && first < v {
			return true
		}
	}
	return ts.spilledThrough >= ts.popped
}
