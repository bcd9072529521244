package game

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"agenttown.ai/internal/store"
)

// Table is the in-memory view of one entity kind for the duration of a
// step. Get hands out copies; changes become visible (and get saved) only
// through Put, Insert or Delete.
type Table[T any] struct {
	kind    string
	idOf    func(T) string
	archive func(T) bool

	rows     map[string]T
	loaded   map[string][]byte
	modified map[string]bool
	inserted map[string]bool
	deleted  map[string]bool

	// journal holds the pre-image of every id touched since mark; nil when
	// no checkpoint is open.
	journal map[string]undo[T]
}

type undo[T any] struct {
	row                         T
	present                     bool
	modified, inserted, deleted bool
}

func newTable[T any](kind string, idOf func(T) string, archive func(T) bool) *Table[T] {
	return &Table[T]{
		kind:     kind,
		idOf:     idOf,
		archive:  archive,
		rows:     map[string]T{},
		loaded:   map[string][]byte{},
		modified: map[string]bool{},
		inserted: map[string]bool{},
		deleted:  map[string]bool{},
	}
}

func (t *Table[T]) load(rows []store.Entity) error {
	for _, e := range rows {
		var v T
		if err := json.Unmarshal(e.Data, &v); err != nil {
			return invariant("decode %s %s: %v", t.kind, e.ID, err)
		}
		if id := t.idOf(v); id != e.ID {
			return invariant("%s row %s carries id %q", t.kind, e.ID, id)
		}
		t.rows[e.ID] = v
		t.loaded[e.ID] = e.Data
	}
	return nil
}

func (t *Table[T]) Kind() string { return t.kind }

func (t *Table[T]) Get(id string) (T, bool) {
	v, ok := t.rows[id]
	return v, ok
}

func (t *Table[T]) Has(id string) bool {
	_, ok := t.rows[id]
	return ok
}

// Put replaces an existing row and records it as modified.
func (t *Table[T]) Put(v T) error {
	id := t.idOf(v)
	if _, ok := t.rows[id]; !ok {
		return invariant("put unknown %s %s", t.kind, id)
	}
	t.remember(id)
	t.rows[id] = v
	t.modified[id] = true
	return nil
}

func (t *Table[T]) Insert(v T) error {
	id := t.idOf(v)
	if id == "" {
		return invariant("insert %s with empty id", t.kind)
	}
	if _, ok := t.rows[id]; ok {
		return invariant("insert duplicate %s %s", t.kind, id)
	}
	t.remember(id)
	t.rows[id] = v
	t.modified[id] = true
	if !t.deleted[id] {
		t.inserted[id] = true
	}
	delete(t.deleted, id)
	return nil
}

func (t *Table[T]) Delete(id string) {
	if _, ok := t.rows[id]; !ok {
		return
	}
	t.remember(id)
	delete(t.rows, id)
	delete(t.modified, id)
	if t.inserted[id] {
		delete(t.inserted, id)
		return
	}
	t.deleted[id] = true
}

func (t *Table[T]) remember(id string) {
	if t.journal == nil {
		return
	}
	if _, ok := t.journal[id]; ok {
		return
	}
	row, present := t.rows[id]
	t.journal[id] = undo[T]{
		row: row, present: present,
		modified: t.modified[id], inserted: t.inserted[id], deleted: t.deleted[id],
	}
}

// mark opens a checkpoint, dropping any previous one.
func (t *Table[T]) mark() { t.journal = map[string]undo[T]{} }

// rollback restores every row touched since mark and closes the checkpoint.
func (t *Table[T]) rollback() {
	for id, u := range t.journal {
		if u.present {
			t.rows[id] = u.row
		} else {
			delete(t.rows, id)
		}
		setFlag(t.modified, id, u.modified)
		setFlag(t.inserted, id, u.inserted)
		setFlag(t.deleted, id, u.deleted)
	}
	t.journal = nil
}

func (t *Table[T]) release() { t.journal = nil }

func setFlag(m map[string]bool, id string, on bool) {
	if on {
		m[id] = true
	} else {
		delete(m, id)
	}
}

// IDs returns the ids of all rows in sorted order.
func (t *Table[T]) IDs() []string {
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns copies of all rows ordered by id.
func (t *Table[T]) All() []T {
	ids := t.IDs()
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.rows[id])
	}
	return out
}

func (t *Table[T]) Len() int { return len(t.rows) }

// Inserted reports whether id was created during this step.
func (t *Table[T]) Inserted(id string) bool { return t.inserted[id] }

// Dirty returns the ids that Save would touch.
func (t *Table[T]) Dirty() []string {
	var ids []string
	for id := range t.modified {
		ids = append(ids, id)
	}
	for id := range t.deleted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// save writes modified and deleted rows. Rows whose encoding did not change
// are skipped. Archived rows are written once and then dropped from memory.
func (t *Table[T]) save(tx *store.Tx, worldID string) (written int, err error) {
	for _, id := range t.Dirty() {
		if t.deleted[id] {
			if err := tx.DeleteEntity(worldID, t.kind, id); err != nil {
				return written, err
			}
			written++
			continue
		}
		v := t.rows[id]
		data, err := json.Marshal(v)
		if err != nil {
			return written, fmt.Errorf("encode %s %s: %w", t.kind, id, err)
		}
		archived := t.archive != nil && t.archive(v)
		if prev, ok := t.loaded[id]; ok && !archived && bytes.Equal(prev, data) {
			continue
		}
		if err := tx.PutEntity(worldID, store.Entity{Kind: t.kind, ID: id, Data: data, Archived: archived}); err != nil {
			return written, err
		}
		written++
		if archived {
			delete(t.rows, id)
			delete(t.loaded, id)
		} else {
			t.loaded[id] = data
		}
	}
	t.modified = map[string]bool{}
	t.inserted = map[string]bool{}
	t.deleted = map[string]bool{}
	return written, nil
}
