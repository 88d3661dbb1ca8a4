package tlog

import (
	"context"
	"fmt"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/notify"
	"tlogd/pkg/types"

	"github.com/google/uuid"
)

type placement struct {
	group *Group
	gen   *Generation
	spec  GroupSpec
}

// Recruit starts a new generation of this log server for every group of req. All of
// them share one log id. Repeating a recruitment id returns the outcome of the first
// attempt instead of recruiting twice.
func (s *Server) Recruit(ctx context.Context, req InitializeRequest) (Interface, error) {
	select {
	case <-s.ready:
	default:
		return Interface{}, fmt.Errorf("log server not running: %w", dberrors.ErrClosed)
	}
	if len(req.Groups) == 0 {
		return Interface{}, fmt.Errorf("recruitment %s names no groups: %w", req.RecruitmentID, dberrors.ErrRecruitmentFailed)
	}

	s.mu.Lock()
	if r, ok := s.recruitments[req.RecruitmentID]; ok {
		s.mu.Unlock()
		if err := r.done.Wait(ctx); err != nil {
			return Interface{}, err
		}
		return r.iface, nil
	}
	r := &recruitment{req: req, done: notify.NewFuture()}
	s.recruitments[req.RecruitmentID] = r
	s.mu.Unlock()

	iface, err := s.start(ctx, r)
	if err != nil {
		s.logger.Error("recruitment failed", "recruitment", req.RecruitmentID.String(), "error", err)
		r.done.Fail(err)
		return Interface{}, err
	}
	r.iface = iface
	r.done.Send()
	return iface, nil
}

// Recruitment waits for the outcome of a recruitment this server has seen.
func (s *Server) Recruitment(ctx context.Context, id uuid.UUID) (Interface, error) {
	s.mu.Lock()
	r, ok := s.recruitments[id]
	s.mu.Unlock()
	if !ok {
		return Interface{}, fmt.Errorf("recruitment %s: %w", id, dberrors.ErrUnknownRecruitment)
	}
	if err := r.done.Wait(ctx); err != nil {
		return Interface{}, err
	}
	return r.iface, nil
}

func (s *Server) start(ctx context.Context, r *recruitment) (Interface, error) {
	req := r.req
	logID := uuid.New()
	logger := s.logger.With("recruitment", req.RecruitmentID.String(), "logId", logID.String(), "epoch", req.RecoveryCount)

	for _, g := range s.snapshotGroups() {
		g.StopAll("new recruitment")
	}

	var placed []placement
	abort := func(err error) (Interface, error) {
		for _, p := range placed {
			if rerr := p.group.RemoveGeneration(logID, dberrors.ErrRecruitmentFailed); rerr != nil {
				logger.Warn("failed to roll back generation", "group", p.group.ID().String(), "error", rerr)
			}
		}
		return Interface{}, err
	}

	for _, spec := range req.Groups {
		g, err := s.group(ctx, spec.GroupID)
		if err != nil {
			return abort(fmt.Errorf("open group %s: %w", spec.GroupID, err))
		}
		gen, err := g.addGeneration(generationSpec{
			LogID:         logID,
			RecoveryCount: req.RecoveryCount,
			Locality:      req.Locality,
			SpillType:     req.SpillType,
			TransferModel: req.TransferModel,
			StartVersion:  req.StartVersion,
			Teams:         spec.StorageTeams,
		})
		if err != nil {
			return abort(err)
		}
		placed = append(placed, placement{group: g, gen: gen, spec: spec})
		g.setPushDestinations(gen, s.pushDestinations(req, spec.StorageTeams))
	}

	gens := make([]*Generation, 0, len(placed))
	for _, p := range placed {
		gens = append(gens, p.gen)
	}
	s.eg.Go(func() error {
		s.watchDisplacement(s.ctx, req, logID, gens)
		return nil
	})

	for _, p := range placed {
		if err := p.group.initGeneration(p.gen); err != nil {
			return abort(err)
		}
	}

	iface := Interface{LogID: logID, TransferModel: req.TransferModel}
	s.mu.Lock()
	for _, p := range placed {
		for _, team := range p.spec.StorageTeams {
			s.teamGroup[team] = p.spec.GroupID
			s.active[team] = activeRef{group: p.spec.GroupID, logID: logID}
		}
		iface.Groups = append(iface.Groups, p.spec.GroupID)
	}
	s.mu.Unlock()

	logger.Info("recruited", "groups", len(placed), "transferModel", req.TransferModel.String(), "primary", req.IsPrimary)
	return iface, nil
}

func (s *Server) pushDestinations(req InitializeRequest, teams []types.StorageTeamID) map[types.StorageTeamID]PushDestination {
	if req.TransferModel != types.TLogActivelyPush {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.StorageTeamID]PushDestination, len(teams))
	for _, team := range teams {
		if dest, ok := s.destinations[team]; ok {
			out[team] = dest
			continue
		}
		if url := req.PushTargets[team]; url != "" && s.dial != nil {
			out[team] = s.dial(url)
		}
	}
	return out
}

// watchDisplacement removes the generations of a recruitment once the cluster has moved
// on without them. It returns when they are gone.
func (s *Server) watchDisplacement(ctx context.Context, req InitializeRequest, logID types.LogID, gens []*Generation) {
	gone := make(chan struct{})
	go func() {
		for _, gen := range gens {
			select {
			case <-gen.Removed():
			case <-ctx.Done():
				return
			}
		}
		close(gone)
	}()

	for {
		info, changed := s.dbInfo.Get()
		if info.Displaces(logID, req.RecoveryCount, req.IsPrimary) {
			s.logger.Warn("log server displaced", "logId", logID.String(), "epoch", req.RecoveryCount,
				"recoveryCount", info.RecoveryCount, "recoveryState", info.RecoveryState)
			s.removeLog(logID)
			return
		}

		select {
		case <-changed:
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// removeLog drops the generation logID from every group with worker_removed.
func (s *Server) removeLog(logID types.LogID) {
	s.mu.Lock()
	for team, ref := range s.active {
		if ref.logID == logID {
			delete(s.active, team)
		}
	}
	s.mu.Unlock()

	for _, g := range s.snapshotGroups() {
		if err := g.RemoveGeneration(logID, dberrors.ErrWorkerRemoved); err != nil {
			s.logger.Error("failed to remove generation", "group", g.ID().String(), "logId", logID.String(), "error", err)
		}
	}
}
