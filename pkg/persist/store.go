// Package persist keeps the durable metadata of log generations and the messages
// spilled out of memory in an embedded bbolt database, one file per log group.
package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/message"
	"tlogd/pkg/types"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("tlog")

// GenerationMeta is everything persisted about one generation besides its messages.
type GenerationMeta struct {
	LogID types.LogID
	// Version is the newest version whose messages are fully persisted here.
	Version         types.Version
	KnownCommitted  types.Version
	Locality        types.Locality
	RecoveryCount   uint64
	ProtocolVersion uint64
	SpillType       types.SpillType
	Popped          map[types.StorageTeamID]types.Version
}

type Store struct {
	db   *bolt.DB
	path string
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open persistent store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// CheckFormat reports whether the store is fresh. A store with data but a missing or
// different format marker is corrupted.
func (s *Store) CheckFormat() (fresh bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		format := b.Get(formatKey)
		if format == nil {
			if k, _ := b.Cursor().First(); k != nil {
				return fmt.Errorf("data without format marker: %w", dberrors.ErrCorruptedData)
			}
			fresh = true
			return nil
		}
		if string(format) != FormatValue {
			return fmt.Errorf("format %q, want %q: %w", format, FormatValue, dberrors.ErrCorruptedData)
		}
		return nil
	})
	return fresh, err
}

// InitGeneration durably records a new generation in a single transaction.
func (s *Store) InitGeneration(meta GenerationMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		id := meta.LogID

		puts := []struct{ k, v []byte }{
			{formatKey, []byte(FormatValue)},
			{logKey(versionPrefix, id), encodeVersion(meta.Version)},
			{logKey(knownCommittedPrefix, id), encodeVersion(meta.KnownCommitted)},
			{logKey(localityPrefix, id), []byte{byte(meta.Locality)}},
			{logKey(recoveryCountPrefix, id), encodeUint64(meta.RecoveryCount)},
			{logKey(protocolVersionPrefix, id), encodeUint64(meta.ProtocolVersion)},
			{logKey(spillTypePrefix, id), []byte{byte(meta.SpillType)}},
		}
		for team, popped := range meta.Popped {
			puts = append(puts, struct{ k, v []byte }{teamKey(tagPopPrefix, id, team), encodeVersion(popped)})
		}
		for _, p := range puts {
			if err := b.Put(p.k, p.v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Generations loads every generation recorded in the store.
func (s *Store) Generations() ([]GenerationMeta, error) {
	var out []GenerationMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		for k, v := c.Seek(versionPrefix); k != nil && bytes.HasPrefix(k, versionPrefix); k, v = c.Next() {
			raw := k[len(versionPrefix):]
			if len(raw) != 16 {
				return fmt.Errorf("bad generation key %x: %w", k, dberrors.ErrCorruptedData)
			}
			id := uuid.UUID(raw)

			meta := GenerationMeta{
				LogID:           id,
				Version:         decodeVersion(v),
				KnownCommitted:  decodeVersion(b.Get(logKey(knownCommittedPrefix, id))),
				RecoveryCount:   decodeUint64(b.Get(logKey(recoveryCountPrefix, id))),
				ProtocolVersion: decodeUint64(b.Get(logKey(protocolVersionPrefix, id))),
				SpillType:       types.SpillValue,
				Popped:          make(map[types.StorageTeamID]types.Version),
			}
			if l := b.Get(logKey(localityPrefix, id)); len(l) == 1 {
				meta.Locality = types.Locality(int8(l[0]))
			}
			if st := b.Get(logKey(spillTypePrefix, id)); len(st) == 1 {
				meta.SpillType = types.SpillType(int8(st[0]))
			}

			popPrefix := logKey(tagPopPrefix, id)
			pc := b.Cursor()
			for pk, pv := pc.Seek(popPrefix); pk != nil && bytes.HasPrefix(pk, popPrefix); pk, pv = pc.Next() {
				team := pk[len(popPrefix):]
				if len(team) != 16 {
					return fmt.Errorf("bad popped key %x: %w", pk, dberrors.ErrCorruptedData)
				}
				meta.Popped[uuid.UUID(team)] = decodeVersion(pv)
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}

// RemoveGeneration clears every key of the generation.
func (s *Store) RemoveGeneration(id types.LogID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, prefix := range generationPrefixes {
			if err := deletePrefix(b, logKey(prefix, id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetPopped records the popped version of a team.
func (s *Store) SetPopped(id types.LogID, team types.StorageTeamID, v types.Version) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(teamKey(tagPopPrefix, id, team), encodeVersion(v))
	})
}

// Spill persists the given messages and advances the persisted version of the
// generation to through in one transaction.
func (s *Store) Spill(id types.LogID, through, knownCommitted types.Version, batches map[types.StorageTeamID][]message.VersionedMessages) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for team, entries := range batches {
			for _, e := range entries {
				if err := b.Put(msgKey(id, team, e.Version), e.Messages); err != nil {
					return err
				}
			}
		}
		if err := b.Put(logKey(versionPrefix, id), encodeVersion(through)); err != nil {
			return err
		}
		return b.Put(logKey(knownCommittedPrefix, id), encodeVersion(knownCommitted))
	})
}

// ReadSpilled returns spilled messages of team with begin <= version < end, stopping
// at a version boundary once limit bytes are collected. more reports whether the limit
// cut the read short.
func (s *Store) ReadSpilled(id types.LogID, team types.StorageTeamID, begin, end types.Version, limit int) (out []message.VersionedMessages, more bool, err error) {
	prefix := teamKey(tagMsgPrefix, id, team)
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		total := 0
		for k, v := c.Seek(msgKey(id, team, max(begin, 0))); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ver := types.Version(binary.BigEndian.Uint64(k[len(prefix):]))
			if ver >= end {
				return nil
			}
			if total >= limit {
				more = true
				return nil
			}
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, message.VersionedMessages{Version: ver, Messages: data})
			total += len(data)
		}
		return nil
	})
	return out, more, err
}

// HasSpilled reports whether any message of team below end is still spilled.
func (s *Store) HasSpilled(id types.LogID, team types.StorageTeamID, end types.Version) (bool, error) {
	entries, _, err := s.ReadSpilled(id, team, 0, end, 1)
	return len(entries) > 0, err
}

// ClearSpilledBefore deletes the spilled messages of team with a version < v.
func (s *Store) ClearSpilledBefore(id types.LogID, team types.StorageTeamID, v types.Version) error {
	prefix := teamKey(tagMsgPrefix, id, team)
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if types.Version(binary.BigEndian.Uint64(k[len(prefix):])) >= v {
				return nil
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Dispose closes the store and deletes its file.
func (s *Store) Dispose() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
