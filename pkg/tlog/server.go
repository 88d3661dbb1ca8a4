package tlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tlogd/internal/config"
	"tlogd/pkg/dberrors"
	"tlogd/pkg/dbinfo"
	"tlogd/pkg/metrics"
	"tlogd/pkg/notify"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const groupDirPrefix = "group-"

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDBInfo sets the cluster view used to detect displacement.
func WithDBInfo(src dbinfo.Source) Option {
	return func(s *Server) { s.dbInfo = src }
}

// WithPushDialer builds destinations for the push targets named in recruitments.
func WithPushDialer(dial func(url string) PushDestination) Option {
	return func(s *Server) { s.dial = dial }
}

// WithPushDestination pushes the data of team to dest, whatever the recruitment says.
func WithPushDestination(team types.StorageTeamID, dest PushDestination) Option {
	return func(s *Server) { s.destinations[team] = dest }
}

type activeRef struct {
	group types.GroupID
	logID types.LogID
}

type recruitment struct {
	req   InitializeRequest
	done  *notify.Future
	iface Interface
}

// Server hosts the log groups of one process. Each group lives in its own directory
// under the data dir and runs until it fails or is retired.
type Server struct {
	dataDir string
	knobs   config.Knobs
	logger  *slog.Logger
	metrics *metrics.Metrics
	dbInfo  dbinfo.Source
	dial    func(url string) PushDestination

	mu           sync.Mutex
	groups       map[types.GroupID]*Group
	teamGroup    map[types.StorageTeamID]types.GroupID
	active       map[types.StorageTeamID]activeRef
	recruitments map[uuid.UUID]*recruitment
	destinations map[types.StorageTeamID]PushDestination
	// opening holds groups being opened outside mu
	opening      map[types.GroupID]*notify.Future

	eg    *errgroup.Group
	ctx   context.Context
	ready chan struct{}
}

func NewServer(dataDir string, knobs config.Knobs, opts ...Option) *Server {
	s := &Server{
		dataDir:      dataDir,
		knobs:        knobs,
		logger:       slog.Default(),
		dbInfo:       dbinfo.NewVar(dbinfo.ServerDBInfo{}),
		groups:       make(map[types.GroupID]*Group),
		teamGroup:    make(map[types.StorageTeamID]types.GroupID),
		active:       make(map[types.StorageTeamID]activeRef),
		recruitments: make(map[uuid.UUID]*recruitment),
		destinations: make(map[types.StorageTeamID]PushDestination),
		opening:      make(map[types.GroupID]*notify.Future),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.logger = s.logger.With("component", "tlog")
	return s
}

// Ready is closed once the groups found on disk are restored and recruitments are
// accepted.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Run restores the groups found in the data dir and serves until ctx is done or a
// group fails with an error that is not confined to that group.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.eg = eg
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.restoreGroups(); err != nil {
		return err
	}
	close(s.ready)

	eg.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := eg.Wait()
	s.logger.Info("log server stopped", "error", err)
	return err
}

func (s *Server) restoreGroups() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to list data dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), groupDirPrefix) {
			continue
		}
		id, err := uuid.Parse(strings.TrimPrefix(e.Name(), groupDirPrefix))
		if err != nil {
			s.logger.Warn("skipping unknown directory", "name", e.Name())
			continue
		}

		dir := filepath.Join(s.dataDir, e.Name())
		g, err := s.openStoredGroup(dir, id)
		if dberrors.IsTerminal(err) {
			s.logger.Warn("discarding group", "group", id.String(), "error", err)
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to remove group directory: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.groups[id] = g
		for _, gen := range g.Generations() {
			for _, team := range gen.Teams() {
				s.teamGroup[team] = id
			}
		}
		s.mu.Unlock()

		s.launch(g)
	}
	return nil
}

// openStoredGroup reopens a group left by an earlier process. A group directory
// without a persistent store never finished its creation and holds nothing to restore.
func (s *Server) openStoredGroup(dir string, id types.GroupID) (*Group, error) {
	if _, err := os.Stat(filepath.Join(dir, storeFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("group %s: %w", id, dberrors.ErrFileNotFound)
		}
		return nil, fmt.Errorf("failed to inspect group %s: %w", id, err)
	}
	return OpenGroup(dir, id, s.knobs, s.logger, s.metrics)
}

func (s *Server) launch(g *Group) {
	s.eg.Go(func() error {
		err := g.Run(s.ctx)
		return s.groupTerminated(g, err)
	})
}

// groupTerminated retires a group whose Run returned. Errors that mean the group is
// gone for good dispose of its files and stay confined to the group; anything else
// takes the process down.
func (s *Server) groupTerminated(g *Group, err error) error {
	s.unregister(g)

	switch {
	case err == nil:
		return g.Close()
	case dberrors.IsTerminal(err):
		s.logger.Info("group retired", "group", g.ID().String(), "reason", err)
		if derr := g.Dispose(); derr != nil {
			s.logger.Error("failed to dispose group", "group", g.ID().String(), "error", derr)
		}
		return nil
	default:
		s.logger.Error("group failed", "group", g.ID().String(), "error", err)
		return multierr.Append(err, g.Close())
	}
}

func (s *Server) unregister(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groups[g.ID()] != g {
		return
	}
	delete(s.groups, g.ID())
	for team, id := range s.teamGroup {
		if id == g.ID() {
			delete(s.teamGroup, team)
		}
	}
	for team, ref := range s.active {
		if ref.group == g.ID() {
			delete(s.active, team)
		}
	}
}

// group returns the running group with id, opening a fresh one when there is none.
// Callers asking for a group that is being opened wait for that open.
func (s *Server) group(ctx context.Context, id types.GroupID) (*Group, error) {
	for {
		s.mu.Lock()
		if g, ok := s.groups[id]; ok {
			s.mu.Unlock()
			return g, nil
		}
		if opening, ok := s.opening[id]; ok {
			s.mu.Unlock()
			if err := opening.Wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		opened := notify.NewFuture()
		s.opening[id] = opened
		s.mu.Unlock()

		g, err := OpenGroup(filepath.Join(s.dataDir, groupDirPrefix+id.String()), id, s.knobs, s.logger, s.metrics)

		s.mu.Lock()
		delete(s.opening, id)
		if err == nil {
			s.groups[id] = g
			s.launch(g)
		}
		s.mu.Unlock()

		if err != nil {
			opened.Fail(err)
			return nil, err
		}
		opened.Send()
		return g, nil
	}
}

func (s *Server) snapshotGroups() []*Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// route finds the generation a request is for. The zero log id selects the active
// generation of the team.
func (s *Server) route(logID types.LogID, team types.StorageTeamID) (*Group, *Generation, error) {
	s.mu.Lock()
	var gid types.GroupID
	if logID == uuid.Nil {
		ref, ok := s.active[team]
		if !ok {
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("no active generation for team %s: %w", team, dberrors.ErrTLogGroupNotFound)
		}
		gid, logID = ref.group, ref.logID
	} else {
		id, ok := s.teamGroup[team]
		if !ok {
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("team %s: %w", team, dberrors.ErrTLogGroupNotFound)
		}
		gid = id
	}
	g, ok := s.groups[gid]
	s.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("group %s: %w", gid, dberrors.ErrTLogGroupNotFound)
	}
	gen, ok := g.Generation(logID)
	if !ok {
		return nil, nil, fmt.Errorf("generation %s of group %s: %w", logID, gid, dberrors.ErrTLogGroupNotFound)
	}
	return g, gen, nil
}

// Commit routes a commit to the active generation of the request's team.
func (s *Server) Commit(ctx context.Context, req CommitRequest) (CommitReply, error) {
	g, gen, err := s.route(uuid.Nil, req.StorageTeamID)
	if err != nil {
		return CommitReply{}, err
	}
	v, err := g.Commit(ctx, gen, req)
	if err != nil {
		return CommitReply{}, err
	}
	return CommitReply{Version: v}, nil
}

func (s *Server) Peek(ctx context.Context, req PeekRequest) (PeekReply, error) {
	g, gen, err := s.route(req.LogID, req.StorageTeamID)
	if err != nil {
		return PeekReply{}, err
	}
	return g.Peek(ctx, gen, req)
}

func (s *Server) Pop(_ context.Context, req PopRequest) error {
	g, gen, err := s.route(req.LogID, req.StorageTeamID)
	if err != nil {
		return err
	}
	return g.Pop(gen, req.StorageTeamID, req.Version)
}

// Lock stops the generation logID in every group hosting it and returns where each
// one ends.
func (s *Server) Lock(ctx context.Context, logID types.LogID) ([]LockResult, error) {
	var out []LockResult
	for _, g := range s.snapshotGroups() {
		gen, ok := g.Generation(logID)
		if !ok {
			continue
		}
		res, err := g.Lock(ctx, gen)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("generation %s: %w", logID, dberrors.ErrTLogGroupNotFound)
	}
	return out, nil
}

// ConfirmRunning fails when the generation logID is stopped or not hosted here.
func (s *Server) ConfirmRunning(logID types.LogID) error {
	found := false
	for _, g := range s.snapshotGroups() {
		gen, ok := g.Generation(logID)
		if !ok {
			continue
		}
		found = true
		if err := g.ConfirmRunning(gen); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("generation %s: %w", logID, dberrors.ErrTLogGroupNotFound)
	}
	return nil
}

func (s *Server) QueuingMetrics() []QueuingMetrics {
	groups := s.snapshotGroups()
	out := make([]QueuingMetrics, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.QueuingMetrics())
	}
	return out
}

// DisablePop holds back pops on every group until EnablePop with the same uid.
func (s *Server) DisablePop(uid string) error {
	var errs error
	for _, g := range s.snapshotGroups() {
		errs = multierr.Append(errs, g.DisablePop(uid))
	}
	return errs
}

func (s *Server) EnablePop(uid string) error {
	var errs error
	for _, g := range s.snapshotGroups() {
		errs = multierr.Append(errs, g.EnablePop(uid))
	}
	return errs
}
