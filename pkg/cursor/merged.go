package cursor

import (
	"context"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
)

type indexed struct {
	m  VersionedMutation
	id int
}

func lessIndexed(a, b indexed) bool {
	if a.m.less(b.m) {
		return true
	}
	if b.m.less(a.m) {
		return false
	}
	return a.id < b.id
}

// MergedCursor merges several cursors into one stream ordered by (version,
// subsequence). A cursor is dropped once it runs dry locally and its server has nothing
// more for it.
type MergedCursor struct {
	cursors map[int]Cursor
	nextID  int
	heads   *btree.BTreeG[indexed]
}

func NewMergedCursor(cursors ...Cursor) *MergedCursor {
	mc := &MergedCursor{
		cursors: make(map[int]Cursor),
		heads:   btree.NewG(8, lessIndexed),
	}
	for _, c := range cursors {
		mc.Add(c)
	}
	return mc
}

func (mc *MergedCursor) Add(c Cursor) {
	id := mc.nextID
	mc.nextID++
	mc.cursors[id] = c
	if c.HasRemaining() {
		mc.heads.ReplaceOrInsert(indexed{m: c.Get(), id: id})
	}
}

// NumActive is the number of cursors not dropped yet.
func (mc *MergedCursor) NumActive() int {
	return len(mc.cursors)
}

// HasRemaining is false as soon as any cursor has run dry locally, since that cursor
// may still hold the next mutation remotely.
func (mc *MergedCursor) HasRemaining() bool {
	if len(mc.cursors) == 0 {
		return false
	}
	for _, c := range mc.cursors {
		if !c.HasRemaining() {
			return false
		}
	}
	return true
}

func (mc *MergedCursor) Get() VersionedMutation {
	top, _ := mc.heads.Min()
	return top.m
}

func (mc *MergedCursor) Next() {
	top, ok := mc.heads.DeleteMin()
	if !ok {
		return
	}
	c := mc.cursors[top.id]
	c.Next()
	if c.HasRemaining() {
		mc.heads.ReplaceOrInsert(indexed{m: c.Get(), id: top.id})
	}
}

// RemoteMoreAvailable refills every locally exhausted cursor in parallel and drops the
// ones that got nothing. It reports whether any cursor is left.
func (mc *MergedCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	if len(mc.cursors) == 0 {
		return false, nil
	}

	var ids []int
	for id, c := range mc.cursors {
		if !c.HasRemaining() {
			ids = append(ids, id)
		}
	}

	more := make([]bool, len(ids))
	eg, ctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i := i
		c := mc.cursors[id]
		eg.Go(func() error {
			ok, err := c.RemoteMoreAvailable(ctx)
			more[i] = ok
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return false, err
	}

	for i, id := range ids {
		if !more[i] {
			delete(mc.cursors, id)
			continue
		}
		mc.heads.ReplaceOrInsert(indexed{m: mc.cursors[id].Get(), id: id})
	}
	return len(mc.cursors) > 0, nil
}
