package watch

import (
	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/wire"
)

// SnapEntry is one document of a target snapshot, in result order.
type SnapEntry struct {
	Path    string
	Version int64
	Doc     *domain.MetaDocument
}

// DiffEntry is one reconciliation step between two snapshots.
type DiffEntry struct {
	Kind     wire.ChangeKind
	Doc      *domain.MetaDocument
	OldIndex int
	NewIndex int
}

// Diff reconciles two ordered snapshots of the same target. Departures come
// first in old order, then arrivals and modifications in new order. A
// document present on both sides only re-emits when its version moved; a
// pure position shift produces no entry.
func Diff(oldSnap, newSnap []SnapEntry) []DiffEntry {
	oldIdx := make(map[string]int, len(oldSnap))
	for i, e := range oldSnap {
		oldIdx[e.Path] = i
	}
	newIdx := make(map[string]int, len(newSnap))
	for i, e := range newSnap {
		newIdx[e.Path] = i
	}

	var out []DiffEntry
	for i, e := range oldSnap {
		if _, stays := newIdx[e.Path]; !stays {
			out = append(out, DiffEntry{
				Kind:     wire.ChangeRemoved,
				Doc:      e.Doc,
				OldIndex: i,
				NewIndex: -1,
			})
		}
	}
	for i, e := range newSnap {
		prev, wasThere := oldIdx[e.Path]
		if !wasThere {
			out = append(out, DiffEntry{
				Kind:     wire.ChangeAdded,
				Doc:      e.Doc,
				OldIndex: -1,
				NewIndex: i,
			})
			continue
		}
		if oldSnap[prev].Version != e.Version {
			out = append(out, DiffEntry{
				Kind:     wire.ChangeModified,
				Doc:      e.Doc,
				OldIndex: prev,
				NewIndex: i,
			})
		}
	}
	return out
}
