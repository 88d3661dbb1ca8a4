// Package logqueue frames log commit records onto a disk queue and keeps the
// version → location index used to pop the queue once data is no longer needed.
package logqueue

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/diskqueue"
	"tlogd/pkg/types"

	"github.com/google/btree"
)

// DiskQueue is the byte queue the records are written to.
type DiskQueue interface {
	Push(b []byte) diskqueue.Location
	Commit(ctx context.Context) error
	Pop(loc diskqueue.Location) error
	ReadNext(n int) ([]byte, error)
	RecoveryLocation() diskqueue.Location
	NextPushLocation() diskqueue.Location
	Close() error
	Dispose() error
}

type location struct {
	version    types.Version
	start, end diskqueue.Location
}

func lessLocation(a, b location) bool {
	return a.version < b.version
}

// Queue is not safe for concurrent Push/ReadNext; the owning group serializes them.
// Commit may run concurrently with Push.
type Queue struct {
	disk   DiskQueue
	logger *slog.Logger

	mu        sync.Mutex
	locations *btree.BTreeG[location]

	recovered      bool
	zeroFilled     int
	recoveredBytes int64
}

func New(disk DiskQueue, logger *slog.Logger) *Queue {
	return &Queue{
		disk:      disk,
		logger:    logger.With("component", "logqueue"),
		locations: btree.NewG(16, lessLocation),
	}
}

// Push writes e to the queue. It becomes durable with the next Commit.
func (q *Queue) Push(e Entry) (start, end diskqueue.Location) {
	rec := EncodeRecord(e)
	end = q.disk.Push(rec)
	start = end - diskqueue.Location(len(rec))
	q.addLocation(e.Version, start, end)
	return start, end
}

func (q *Queue) addLocation(v types.Version, start, end diskqueue.Location) {
	q.mu.Lock()
	defer q.mu.Unlock()

	loc := location{version: v, start: start, end: end}
	if old, ok := q.locations.Get(loc); ok {
		loc.start = min(old.start, start)
		loc.end = max(old.end, end)
	}
	q.locations.ReplaceOrInsert(loc)
}

func (q *Queue) Commit(ctx context.Context) error {
	return q.disk.Commit(ctx)
}

// ReadNext returns the next valid record written before the queue was opened. Records
// with a cleared valid flag are skipped. A torn trailing record is completed with zeros
// so it reads as invalid from now on, and ReadNext reports dberrors.ErrEndOfStream.
func (q *Queue) ReadNext() (Entry, error) {
	if q.recovered {
		return Entry{}, dberrors.ErrEndOfStream
	}

	for {
		start := q.disk.RecoveryLocation()

		h, err := q.disk.ReadNext(sizeFieldBytes)
		if err != nil {
			return Entry{}, err
		}
		if len(h) != sizeFieldBytes {
			if len(h) > 0 {
				var full [sizeFieldBytes]byte
				copy(full[:], h)
				payloadSize := int(binary.LittleEndian.Uint32(full[:]))
				q.zeroFill(sizeFieldBytes - len(h) + payloadSize + validFlagBytes)
			}
			return Entry{}, q.finishRecovery()
		}

		payloadSize := int(binary.LittleEndian.Uint32(h))
		if payloadSize > MaxPayloadBytes {
			return Entry{}, fmt.Errorf("record at %d claims %d bytes: %w", start, payloadSize, dberrors.ErrCorruptedData)
		}

		body, err := q.disk.ReadNext(payloadSize + validFlagBytes)
		if err != nil {
			return Entry{}, err
		}
		if len(body) != payloadSize+validFlagBytes {
			q.zeroFill(payloadSize + validFlagBytes - len(body))
			return Entry{}, q.finishRecovery()
		}

		q.recoveredBytes += int64(sizeFieldBytes + len(body))
		switch body[payloadSize] {
		case 0:
			continue
		case validFlag:
		default:
			return Entry{}, fmt.Errorf("record at %d has valid flag %d: %w", start, body[payloadSize], dberrors.ErrCorruptedData)
		}

		e, err := decodePayload(body[:payloadSize])
		if err != nil {
			return Entry{}, fmt.Errorf("record at %d: %w", start, err)
		}
		q.addLocation(e.Version, start, start+diskqueue.Location(sizeFieldBytes+len(body)))
		return e, nil
	}
}

func (q *Queue) zeroFill(n int) {
	q.zeroFilled = n
	q.disk.Push(make([]byte, n))
	q.logger.Info("zero-filled torn record", "bytes", n)
}

func (q *Queue) finishRecovery() error {
	q.recovered = true
	q.logger.Info("queue recovery finished", "recoveredBytes", q.recoveredBytes, "zeroFilled", q.zeroFilled)
	return dberrors.ErrEndOfStream
}

// ZeroFilled returns how many bytes recovery padded the queue with.
func (q *Queue) ZeroFilled() int {
	return q.zeroFilled
}

// Location returns the byte range holding the records of version v.
func (q *Queue) Location(v types.Version) (start, end diskqueue.Location, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	loc, ok := q.locations.Get(location{version: v})
	return loc.start, loc.end, ok
}

func (q *Queue) forgetBeforeLocked(v types.Version) {
	for {
		loc, ok := q.locations.Min()
		if !ok || loc.version >= v {
			return
		}
		q.locations.DeleteMin()
	}
}

// PopBefore releases the queue space of every record with a version < v.
func (q *Queue) PopBefore(v types.Version) error {
	q.mu.Lock()
	popTo := diskqueue.Location(-1)
	q.locations.AscendGreaterOrEqual(location{version: v}, func(loc location) bool {
		popTo = loc.start
		return false
	})
	if popTo < 0 {
		popTo = q.disk.NextPushLocation()
	}
	q.forgetBeforeLocked(v)
	q.mu.Unlock()

	return q.disk.Pop(popTo)
}

// Len returns the number of indexed versions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locations.Len()
}

func (q *Queue) Close() error {
	return q.disk.Close()
}

func (q *Queue) Dispose() error {
	return q.disk.Dispose()
}
