// Package msgstore buffers the committed messages of one log generation in memory,
// per storage team and ordered by version, until they are spilled or popped.
package msgstore

import (
	"slices"
	"sort"

	"tlogd/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

type Config struct {
	// BlockBytes is the size of the arena blocks messages are copied into.
	BlockBytes int
	// OverheadFactor scales message bytes to approximate arena slack.
	OverheadFactor float64
	// EntryOverhead is charged once per buffered entry for the index structures.
	EntryOverhead int64
}

// Sizes counts the message bytes appended at one version, split by traffic class.
type Sizes struct {
	Normal int64
	Txs    int64
}

type sizeIndex = skipmap.FuncMap[types.Version, Sizes]

type block struct {
	buf  []byte
	refs int
}

type entry struct {
	version types.Version
	data    []byte
	block   *block
	cost    int64
}

// Team is the ordered buffer of one storage team.
type Team struct {
	id          types.StorageTeamID
	entries     []entry
	head        int
	bytes       int64
	lastVersion types.Version
}

func (t *Team) ID() types.StorageTeamID {
	return t.id
}

func (t *Team) Len() int {
	return len(t.entries) - t.head
}

// Bytes is the accounted size of the buffered entries.
func (t *Team) Bytes() int64 {
	return t.bytes
}

// FirstVersion returns the oldest buffered version.
func (t *Team) FirstVersion() (types.Version, bool) {
	if t.Len() == 0 {
		return types.InvalidVersion, false
	}
	return t.entries[t.head].version, true
}

// LastVersion is the newest version ever appended, even if it was trimmed since.
func (t *Team) LastVersion() types.Version {
	return t.lastVersion
}

func (t *Team) live() []entry {
	return t.entries[t.head:]
}

// Store is not safe for concurrent mutation. The version size index can be read
// concurrently with mutations.
type Store struct {
	cfg    Config
	blocks []*block
	tail   *block
	teams  map[types.StorageTeamID]*Team
	sizes  *sizeIndex
	bytes  int64
}

func New(cfg Config) *Store {
	if cfg.BlockBytes <= 0 {
		cfg.BlockBytes = 1 << 20
	}
	if cfg.OverheadFactor < 1 {
		cfg.OverheadFactor = 1
	}
	return &Store{
		cfg:   cfg,
		teams: make(map[types.StorageTeamID]*Team),
		sizes: skipmap.NewFunc[types.Version, Sizes](func(a, b types.Version) bool {
			return a < b
		}),
	}
}

// Cost is the accounted size of an entry carrying n message bytes.
func (s *Store) Cost(n int) int64 {
	return int64(float64(n)*s.cfg.OverheadFactor) + s.cfg.EntryOverhead
}

// AddTeam registers an empty buffer for team.
func (s *Store) AddTeam(team types.StorageTeamID) *Team {
	if t, ok := s.teams[team]; ok {
		return t
	}
	t := &Team{id: team, lastVersion: types.InvalidVersion}
	s.teams[team] = t
	return t
}

func (s *Store) Team(team types.StorageTeamID) (*Team, bool) {
	t, ok := s.teams[team]
	return t, ok
}

// Append copies msgs into the arena and buffers it for team at version. Versions must
// not go backwards within a team. It returns the accounted cost of the new entry.
func (s *Store) Append(team types.StorageTeamID, version types.Version, msgs []byte) int64 {
	t := s.AddTeam(team)
	if version < t.lastVersion {
		panic("msgstore: version went backwards")
	}

	b := s.reserve(len(msgs))
	off := len(b.buf)
	b.buf = append(b.buf, msgs...)
	b.refs++

	cost := s.Cost(len(msgs))
	t.entries = append(t.entries, entry{
		version: version,
		data:    b.buf[off : off+len(msgs) : off+len(msgs)],
		block:   b,
		cost:    cost,
	})
	t.bytes += cost
	t.lastVersion = version
	s.bytes += cost

	sizes, _ := s.sizes.Load(version)
	if team == types.TxsTeam {
		sizes.Txs += int64(len(msgs))
	} else {
		sizes.Normal += int64(len(msgs))
	}
	s.sizes.Store(version, sizes)

	return cost
}

// reserve returns a block with room for n more bytes. A fresh block starts where the
// previous tail stopped being useful; the old tail is kept alive by its references.
func (s *Store) reserve(n int) *block {
	if s.tail != nil && cap(s.tail.buf)-len(s.tail.buf) >= n {
		return s.tail
	}
	if s.tail != nil && s.tail.refs == 0 {
		s.dropBlock(s.tail)
	}

	b := &block{buf: make([]byte, 0, max(s.cfg.BlockBytes, n))}
	s.blocks = append(s.blocks, b)
	s.tail = b
	return b
}

func (s *Store) dropBlock(b *block) {
	if i := slices.Index(s.blocks, b); i >= 0 {
		s.blocks = slices.Delete(s.blocks, i, i+1)
	}
}

// TrimBefore discards the entries of team with a version < v and returns the
// accounted bytes released.
func (s *Store) TrimBefore(team types.StorageTeamID, v types.Version) int64 {
	t, ok := s.teams[team]
	if !ok {
		return 0
	}

	var freed int64
	for t.head < len(t.entries) && t.entries[t.head].version < v {
		e := &t.entries[t.head]
		freed += e.cost
		e.block.refs--
		if e.block.refs == 0 && e.block != s.tail {
			s.dropBlock(e.block)
		}
		*e = entry{}
		t.head++
	}

	if t.head == len(t.entries) {
		t.entries = t.entries[:0]
		t.head = 0
	} else if t.head > 64 && t.head*2 > len(t.entries) {
		n := copy(t.entries, t.entries[t.head:])
		clear(t.entries[n:])
		t.entries = t.entries[:n]
		t.head = 0
	}

	t.bytes -= freed
	s.bytes -= freed
	return freed
}

// Range calls fn for every entry of team with begin <= version < end, ascending.
func (s *Store) Range(team types.StorageTeamID, begin, end types.Version, fn func(types.Version, []byte) bool) {
	t, ok := s.teams[team]
	if !ok {
		return
	}

	live := t.live()
	i := sort.Search(len(live), func(i int) bool { return live[i].version >= begin })
	for ; i < len(live) && live[i].version < end; i++ {
		if !fn(live[i].version, live[i].data) {
			return
		}
	}
}

// VersionSizes returns the message bytes appended at v.
func (s *Store) VersionSizes(v types.Version) (Sizes, bool) {
	return s.sizes.Load(v)
}

// RangeSizes walks the per-version sizes in ascending version order.
func (s *Store) RangeSizes(fn func(types.Version, Sizes) bool) {
	s.sizes.Range(fn)
}

// ForgetSizesBefore drops the per-version sizes of versions < v.
func (s *Store) ForgetSizesBefore(v types.Version) {
	var stale []types.Version
	s.sizes.Range(func(ver types.Version, _ Sizes) bool {
		if ver >= v {
			return false
		}
		stale = append(stale, ver)
		return true
	})
	for _, ver := range stale {
		s.sizes.Delete(ver)
	}
}

// Bytes is the accounted size of everything buffered.
func (s *Store) Bytes() int64 {
	return s.bytes
}

// BlockCount is the number of arena blocks alive.
func (s *Store) BlockCount() int {
	return len(s.blocks)
}

// Empty reports whether no team buffers any entry.
func (s *Store) Empty() bool {
	for _, t := range s.teams {
		if t.Len() > 0 {
			return false
		}
	}
	return true
}
