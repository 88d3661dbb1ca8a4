package tlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"tlogd/internal/config"
	"tlogd/pkg/dberrors"
	"tlogd/pkg/diskqueue"
	"tlogd/pkg/logqueue"
	"tlogd/pkg/metrics"
	"tlogd/pkg/msgstore"
	"tlogd/pkg/notify"
	"tlogd/pkg/persist"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	queueDirName  = "queue"
	storeFileName = "meta.db"
)

type popKey struct {
	logID types.LogID
	team  types.StorageTeamID
}

// popControl holds pops back while a snapshot is being taken.
type popControl struct {
	uid        string
	deadline   time.Time
	toBePopped map[popKey]types.Version
}

func (p *popControl) disabled() bool {
	return p.uid != ""
}

// Group is one log group: a disk queue and a persistent store shared by the
// generations hosted for the group.
type Group struct {
	id         types.GroupID
	dir        string
	instanceID uuid.UUID
	knobs      config.Knobs
	logger     *slog.Logger
	metrics    *metrics.Metrics
	label      string

	disk    *diskqueue.Queue
	queue   *logqueue.Queue
	persist *persist.Store

	mu          sync.Mutex
	generations map[types.LogID]*Generation
	// popOrder lists generations oldest first.
	popOrder []*Generation

	queueCommitBegin int64
	queueCommitEnd   *notify.Value[int64]

	diskQueueCommitBytes      int64
	largeDiskQueueCommitBytes bool
	largeCommit               *notify.Trigger

	bytesInput          int64
	bytesDurable        int64
	overheadBytesInput  int64
	bytesDurableChanged *notify.Trigger

	newLogData *notify.Trigger
	pops       popControl

	eg         *errgroup.Group
	ctx        context.Context
	terminated *notify.Future
	closeOnce  sync.Once
}

// OpenGroup opens the on-disk state of a group under dir and restores the generations
// it holds. Restored generations are stopped; they only serve peeks and pops.
func OpenGroup(dir string, id types.GroupID, knobs config.Knobs, logger *slog.Logger, m *metrics.Metrics) (*Group, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create group directory: %w", err)
	}

	logger = logger.With("group", id.String())

	disk, err := diskqueue.Open(filepath.Join(dir, queueDirName),
		diskqueue.WithSegmentSize(knobs.DiskQueueSegmentBytes),
		diskqueue.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk queue: %w", err)
	}

	store, err := persist.Open(filepath.Join(dir, storeFileName))
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open persistent store: %w", err), disk.Close())
	}

	g := &Group{
		id:                  id,
		dir:                 dir,
		instanceID:          uuid.New(),
		knobs:               knobs,
		logger:              logger,
		metrics:             m,
		label:               id.String(),
		disk:                disk,
		queue:               logqueue.New(disk, logger),
		persist:             store,
		generations:         make(map[types.LogID]*Generation),
		queueCommitEnd:      notify.NewValue[int64](0),
		largeCommit:         notify.NewTrigger(),
		bytesDurableChanged: notify.NewTrigger(),
		newLogData:          notify.NewTrigger(),
		pops:                popControl{toBePopped: make(map[popKey]types.Version)},
		terminated:          notify.NewFuture(),
	}

	disk.Start(context.Background())

	if err := g.restore(); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to restore group %s: %w", id, err), g.Close())
	}

	return g, nil
}

func (g *Group) ID() types.GroupID {
	return g.id
}

func (g *Group) Dir() string {
	return g.dir
}

// Run drives the queue committer and the storage updater until ctx is done or the
// group fails. A group left without generations ends with dberrors.ErrWorkerRemoved.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	g.mu.Lock()
	g.eg = eg
	g.ctx = ctx
	for _, gen := range g.popOrder {
		g.startPushersLocked(gen)
	}
	g.mu.Unlock()

	eg.Go(func() error {
		return g.commitQueue(ctx)
	})
	eg.Go(func() error {
		return g.updateStorage(ctx)
	})
	eg.Go(func() error {
		select {
		case <-g.terminated.Done():
			return g.terminated.Err()
		case <-ctx.Done():
			return nil
		}
	})

	err := eg.Wait()

	g.mu.Lock()
	for _, gen := range g.popOrder {
		g.stopPushersLocked(gen)
	}
	g.mu.Unlock()

	if errors.Is(err, context.Canceled) && !g.terminated.IsReady() {
		return nil
	}
	return err
}

// terminate fails the group. Run returns err.
func (g *Group) terminate(err error) {
	g.logger.Warn("terminating group", "error", err)
	g.terminated.Fail(err)
}

// Close stops the committer and closes the files, keeping them for a later reopen.
func (g *Group) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = multierr.Combine(g.queue.Close(), g.persist.Close())
	})
	return err
}

// Dispose closes the group and deletes everything it stored.
func (g *Group) Dispose() error {
	var err error
	g.closeOnce.Do(func() {
		err = multierr.Combine(g.queue.Dispose(), g.persist.Dispose(), os.RemoveAll(g.dir))
	})
	return err
}

// Generation returns the hosted generation with the given id.
func (g *Group) Generation(id types.LogID) (*Generation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen, ok := g.generations[id]
	return gen, ok
}

// Generations returns the hosted generations, oldest first.
func (g *Group) Generations() []*Generation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.popOrder)
}

// addGeneration registers a generation that is not yet initialized and stops the ones
// already hosted. Generations are ordered by epoch, ties by arrival.
func (g *Group) addGeneration(spec generationSpec) (*Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated.IsReady() {
		return nil, fmt.Errorf("group %s is terminating: %w", g.id, dberrors.ErrRecruitmentFailed)
	}
	if _, ok := g.generations[spec.LogID]; ok {
		return nil, fmt.Errorf("generation %s already hosted: %w", spec.LogID, dberrors.ErrRecruitmentFailed)
	}

	// at most one generation of a group takes commits
	for _, other := range g.popOrder {
		g.stopLocked(other, "new generation")
	}

	gen := newGeneration(spec, g.storeConfig(), g.logger)
	g.insertGenerationLocked(gen)
	return gen, nil
}

func (g *Group) insertGenerationLocked(gen *Generation) {
	g.generations[gen.id] = gen
	i, _ := slices.BinarySearchFunc(g.popOrder, gen.recoveryCount, func(e *Generation, rc uint64) int {
		if e.recoveryCount <= rc {
			return -1
		}
		return 1
	})
	g.popOrder = slices.Insert(g.popOrder, i, gen)
}

func (g *Group) storeConfig() msgstore.Config {
	return msgstore.Config{
		BlockBytes:     g.knobs.MessageBlockBytes,
		OverheadFactor: g.knobs.MessageBlockOverheadFactor,
		EntryOverhead:  g.knobs.VersionMessagesEntryOverhead,
	}
}

// initGeneration writes the persistent keys of a new generation and opens it for
// commits. A removal that lands first aborts the initialization.
func (g *Group) initGeneration(gen *Generation) error {
	meta := persist.GenerationMeta{
		LogID:           gen.id,
		Version:         gen.persistentDataVersion,
		KnownCommitted:  gen.knownCommittedVersion,
		Locality:        gen.locality,
		RecoveryCount:   gen.recoveryCount,
		ProtocolVersion: gen.protocolVersion,
		SpillType:       gen.spillType,
		Popped:          make(map[types.StorageTeamID]types.Version, len(gen.teams)),
	}
	g.mu.Lock()
	for team, ts := range gen.teams {
		meta.Popped[team] = ts.popped
	}
	g.mu.Unlock()

	if err := g.persist.InitGeneration(meta); err != nil {
		err = fmt.Errorf("failed to init generation %s: %w", gen.id, err)
		g.terminate(err)
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if gen.removed.IsReady() {
		err := fmt.Errorf("generation %s removed during init: %w", gen.id, dberrors.ErrWorkerRemoved)
		return multierr.Append(err, g.persist.RemoveGeneration(gen.id))
	}
	gen.initialized = true
	g.startPushersLocked(gen)
	g.newLogData.Fire()
	gen.recoveryComplete.Send()
	g.updateGenerationMetricsLocked(gen)

	gen.logger.Info("generation initialized", "teams", len(gen.teams), "version", gen.version.Get())
	return nil
}

// stopLocked stops a generation and wakes everything that waits on the group.
func (g *Group) stopLocked(gen *Generation, reason string) {
	if !gen.stopLocked() {
		return
	}
	g.newLogData.Fire()
	g.bytesDurableChanged.Fire()
	gen.logger.Info("generation stopped", "reason", reason, "version", gen.version.Get(),
		"queueCommitted", gen.queueCommittedVersion.Get())
}

// StopAll stops every active generation of the group.
func (g *Group) StopAll(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, gen := range g.popOrder {
		g.stopLocked(gen, reason)
	}
}

// RemoveGeneration stops and drops a generation and its persistent state.
func (g *Group) RemoveGeneration(id types.LogID, reason error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen, ok := g.generations[id]
	if !ok {
		return nil
	}
	return g.removeLocked(gen, reason)
}

func (g *Group) removeLocked(gen *Generation, reason error) error {
	g.stopLocked(gen, "removed")
	g.stopPushersLocked(gen)

	remaining := gen.bytesInput - gen.bytesDurable
	gen.bytesDurable = gen.bytesInput
	g.bytesDurable += remaining
	g.bytesDurableChanged.Fire()

	if err := g.persist.RemoveGeneration(gen.id); err != nil {
		err = fmt.Errorf("failed to remove generation %s: %w", gen.id, err)
		g.terminate(err)
		return err
	}

	delete(g.generations, gen.id)
	g.popOrder = slices.DeleteFunc(g.popOrder, func(e *Generation) bool { return e == gen })
	for key := range g.pops.toBePopped {
		if key.logID == gen.id {
			delete(g.pops.toBePopped, key)
		}
	}
	gen.removed.Fail(reason)
	g.metrics.ForgetGeneration(g.label, gen.id.String())
	g.updateGroupMetricsLocked()

	gen.logger.Info("generation removed", "reason", reason, "released", remaining)

	for team := range gen.teams {
		if err := g.applyDeferredPopsLocked(team); err != nil {
			return err
		}
	}

	if len(g.generations) == 0 {
		g.terminate(fmt.Errorf("group %s has no generations left: %w", g.id, dberrors.ErrWorkerRemoved))
	}
	return nil
}

// releaseLocked accounts freed bytes of gen as durable and wakes blocked commits.
func (g *Group) releaseLocked(gen *Generation, freed int64) {
	if freed == 0 {
		return
	}
	gen.bytesDurable += freed
	g.bytesDurable += freed
	g.bytesDurableChanged.Fire()
	g.updateGroupMetricsLocked()
}

// QueuingMetrics reports the buffering state of the group.
func (g *Group) QueuingMetrics() QueuingMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := types.Version(0)
	for _, gen := range g.popOrder {
		v = max(v, gen.version.Get())
	}
	return QueuingMetrics{
		GroupID:      g.id,
		InstanceID:   g.instanceID,
		BytesInput:   g.bytesInput,
		BytesDurable: g.bytesDurable,
		StorageBytes: g.disk.StorageBytes(),
		Version:      v,
		LocalTime:    time.Now(),
	}
}

func (g *Group) updateGroupMetricsLocked() {
	g.metrics.BytesInput.WithLabelValues(g.label).Set(float64(g.bytesInput))
	g.metrics.BytesDurable.WithLabelValues(g.label).Set(float64(g.bytesDurable))
	g.metrics.OverheadBytesInput.WithLabelValues(g.label).Set(float64(g.overheadBytesInput))
}

func (g *Group) updateGenerationMetricsLocked(gen *Generation) {
	id := gen.id.String()
	g.metrics.Version.WithLabelValues(g.label, id).Set(float64(gen.version.Get()))
	g.metrics.QueueCommittedVersion.WithLabelValues(g.label, id).Set(float64(gen.queueCommittedVersion.Get()))
	g.metrics.KnownCommittedVersion.WithLabelValues(g.label, id).Set(float64(gen.knownCommittedVersion))
	g.metrics.DurableKnownCommitted.WithLabelValues(g.label, id).Set(float64(gen.durableKnownCommittedVersion))
}
