// Package diskqueue implements the append-only byte queue a log group writes its
// commit records to. Pushed bytes become durable as a prefix: after Commit returns,
// every byte pushed before the call survives a crash. A crash in the middle of a commit
// may leave any prefix of the uncommitted bytes on disk.
//
// The stream is split over segment files named after the location of their first
// byte, so that popped space can be reclaimed by deleting whole segments.
//
//	popped                   readEnd (at open)          pushed
//	  │                            │                       │
//	┌─▼──────────┐ ┌───────────────▼┐ ┌───────────────────▼┐
//	│ segment 0  │ │ segment 1      │ │ segment 2 (tail)    │
//	└────────────┘ └────────────────┘ └─────────────────────┘
package diskqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/listener"

	"go.uber.org/multierr"
)

// Location is a logical byte offset into the queue stream.
type Location int64

const (
	DefaultSegmentSize = 64 << 20
	headFileName       = "head"
	commitQueueDepth   = 16
)

type Option func(*Queue)

func WithSegmentSize(size int64) Option {
	return func(q *Queue) {
		if size > 0 {
			q.segmentBytes = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

type commitRequest struct {
	done chan error
}

// Queue is a segmented, crash-recoverable append-only byte log. Only one goroutine
// performs physical commits; Push may be called concurrently with a commit in flight.
type Queue struct {
	*listener.Listener[commitRequest]

	dir          string
	segmentBytes int64
	logger       *slog.Logger

	mu        sync.Mutex
	segments  []*segment
	pending   [][]byte
	pushed    Location
	committed Location
	popped    Location
	headSaved Location
	readLoc   Location
	readEnd   Location

	commitCh chan commitRequest
}

// Open opens (or creates) the queue stored in dir. The bytes already on disk can be
// read back with ReadNext before new data is pushed.
func Open(dir string, opts ...Option) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty disk queue dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create disk queue directory: %w", err)
	}

	q := &Queue{
		dir:          dir,
		segmentBytes: DefaultSegmentSize,
		logger:       slog.Default(),
		commitCh:     make(chan commitRequest, commitQueueDepth),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "diskqueue", "dir", dir)

	if err := q.load(); err != nil {
		return nil, multierr.Append(err, q.closeSegments())
	}

	q.Listener = listener.New(q.commitCh, q.handleCommit,
		listener.WithErrorHandler(func(err error) {
			q.logger.Error("disk queue commit failed", "error", err)
		}),
	)

	return q, nil
}

func (q *Queue) load() error {
	popped, err := readHead(filepath.Join(q.dir, headFileName))
	if err != nil {
		return err
	}
	q.popped, q.headSaved = popped, popped

	starts, err := listSegments(q.dir)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	for i, start := range starts {
		seg, err := openSegment(segmentPath(q.dir, start), start)
		if err != nil {
			return err
		}
		if n := len(q.segments); n > 0 && q.segments[n-1].end() != start {
			// A commit crashed after creating the next segment but before the previous
			// one was fully written. Everything from the gap on was never committed.
			q.logger.Warn("disk queue gap, dropping trailing segments",
				"expected", q.segments[n-1].end(), "found", start, "dropped", len(starts)-i)
			if err := seg.remove(); err != nil {
				return err
			}
			for _, s := range starts[i+1:] {
				if err := os.Remove(segmentPath(q.dir, s)); err != nil {
					return fmt.Errorf("failed to drop segment: %w", err)
				}
			}
			break
		}
		q.segments = append(q.segments, seg)
	}

	if len(q.segments) == 0 {
		seg, err := openSegment(segmentPath(q.dir, q.popped), q.popped)
		if err != nil {
			return err
		}
		q.segments = append(q.segments, seg)
	}

	head, tail := q.segments[0], q.segments[len(q.segments)-1]
	q.pushed = tail.end()
	q.committed = q.pushed
	q.readEnd = q.pushed
	q.readLoc = max(q.popped, head.start)
	if q.popped < head.start {
		q.popped = head.start
	}
	return nil
}

// Push appends b to the in-memory tail of the queue and returns the location one past
// its last byte. The bytes become durable with the next Commit.
func (q *Queue) Push(b []byte) Location {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(b) == 0 {
		return q.pushed
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	q.pending = append(q.pending, chunk)
	q.pushed += Location(len(b))
	return q.pushed
}

// Commit makes every byte pushed so far durable. Commits complete in call order.
func (q *Queue) Commit(ctx context.Context) error {
	req := commitRequest{done: make(chan error, 1)}
	select {
	case q.commitCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type write struct {
	seg  *segment
	data []byte
}

// will be called by the queue listener for every commit request
func (q *Queue) handleCommit(_ context.Context, req commitRequest) error {
	err := q.commit()
	req.done <- err
	return err
}

func (q *Queue) commit() error {
	q.mu.Lock()
	var writes []write
	for _, chunk := range q.pending {
		tail := q.segments[len(q.segments)-1]
		if tail.size >= q.segmentBytes {
			seg, err := openSegment(segmentPath(q.dir, tail.end()), tail.end())
			if err != nil {
				q.mu.Unlock()
				return err
			}
			q.segments = append(q.segments, seg)
			tail = seg
		}
		writes = append(writes, write{seg: tail, data: chunk})
		tail.size += int64(len(chunk))
	}
	q.pending = nil
	target, popped := q.pushed, q.popped
	q.mu.Unlock()

	var last *segment
	for _, w := range writes {
		if last != nil && last != w.seg {
			if err := last.sync(); err != nil {
				return err
			}
		}
		last = w.seg
		if _, err := w.seg.writer.Write(w.data); err != nil {
			return fmt.Errorf("failed to write segment %s: %w", w.seg.path, err)
		}
	}
	if last != nil {
		if err := last.sync(); err != nil {
			return err
		}
	}

	if err := q.saveHead(popped); err != nil {
		return err
	}

	q.mu.Lock()
	q.committed = target
	q.mu.Unlock()
	return nil
}

// Pop declares every byte before loc unneeded. Whole segments below loc are deleted.
func (q *Queue) Pop(loc Location) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if loc > q.committed {
		loc = q.committed
	}
	if loc <= q.popped {
		return nil
	}
	q.popped = loc

	var errs error
	for len(q.segments) > 1 && q.segments[0].end() <= q.popped {
		errs = multierr.Append(errs, q.segments[0].remove())
		q.segments = q.segments[1:]
	}
	return errs
}

// ReadNext reads up to n bytes of the data that was on disk when the queue was opened.
// It returns fewer bytes once the end of that data is reached.
func (q *Queue) ReadNext(n int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := min(Location(n), q.readEnd-q.readLoc)
	if want <= 0 {
		return nil, nil
	}

	buf := make([]byte, want)
	var off Location
	for off < want {
		loc := q.readLoc + off
		seg := q.segmentForLocked(loc)
		if seg == nil {
			return nil, fmt.Errorf("no segment holds location %d: %w", loc, dberrors.ErrCorruptedData)
		}
		chunk := min(want-off, seg.end()-loc)
		m, err := seg.file.ReadAt(buf[off:off+chunk], int64(loc-seg.start))
		if Location(m) < chunk {
			return nil, fmt.Errorf("failed to read segment %s: %w", seg.path, err)
		}
		off += chunk
	}
	q.readLoc += off
	return buf, nil
}

func (q *Queue) segmentForLocked(loc Location) *segment {
	for _, seg := range q.segments {
		if seg.contains(loc) {
			return seg
		}
	}
	return nil
}

// RecoveryLocation is where the next ReadNext starts.
func (q *Queue) RecoveryLocation() Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLoc
}

// NextPushLocation is the location the next pushed byte will get.
func (q *Queue) NextPushLocation() Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

func (q *Queue) CommittedLocation() Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committed
}

func (q *Queue) PoppedLocation() Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popped
}

// StorageBytes returns the bytes currently held on disk.
func (q *Queue) StorageBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, seg := range q.segments {
		n += seg.size
	}
	return n
}

func (q *Queue) Dir() string {
	return q.dir
}

// Close stops the committer and closes the segment files, keeping the data.
func (q *Queue) Close() error {
	q.Stop()
	return q.closeSegments()
}

// Dispose closes the queue and deletes its directory.
func (q *Queue) Dispose() error {
	return multierr.Append(q.Close(), os.RemoveAll(q.dir))
}

func (q *Queue) closeSegments() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs error
	for _, seg := range q.segments {
		errs = multierr.Append(errs, seg.close())
	}
	return errs
}

func (q *Queue) saveHead(popped Location) error {
	if popped == q.headSaved {
		return nil
	}

	path := filepath.Join(q.dir, headFileName)
	tmp := path + ".tmp"
	buf := binary.LittleEndian.AppendUint64(nil, uint64(popped))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open head file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		return multierr.Append(fmt.Errorf("failed to write head file: %w", err), f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("failed to sync head file: %w", err), f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install head file: %w", err)
	}
	q.headSaved = popped
	return nil
}

func readHead(path string) (Location, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read head file: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("head file has %d bytes: %w", len(data), dberrors.ErrCorruptedData)
	}
	return Location(binary.LittleEndian.Uint64(data)), nil
}
