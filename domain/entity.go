package domain

import (
	"time"

	"github.com/mementodb/memento/pkg/wire"
)

// MetaDocument is the stored record for one document path at one version.
// Instances are immutable once published by the store; a new snapshot is
// created per mutation and linked to the prior state through Previous so
// listeners and triggers can diff consecutive states.
type MetaDocument struct {
	Path   string
	Exists bool
	// Fields is nil when the document does not exist. Treated as frozen;
	// callers must clone before mutating.
	Fields map[string]*wire.Value
	// Version increases strictly on every state change of this path,
	// including deletion, and is unique across all documents.
	Version    int64
	CreateTime time.Time
	UpdateTime time.Time
	// ServerTime is the commit time of the batch that produced this state.
	ServerTime time.Time
	Previous   *MetaDocument
}

// StateAt walks the version chain back to the newest state whose commit time
// is not after at. Returns nil when the document had no state yet.
func (m *MetaDocument) StateAt(at time.Time) *MetaDocument {
	for cur := m; cur != nil; cur = cur.Previous {
		if !cur.ServerTime.After(at) {
			return cur
		}
	}
	return nil
}

// ChangeSet is delivered to change watchers once per commit.
type ChangeSet struct {
	ServerTime time.Time
	// Docs holds the final state of every document the commit touched,
	// one entry per path.
	Docs []*MetaDocument
}

// ChangeWatcher observes committed change sets.
type ChangeWatcher func(*ChangeSet)

// CommitMode selects the failure behavior of a write batch.
type CommitMode uint8

const (
	// CommitTransactional fails the whole batch on the first precondition
	// mismatch, leaving the store untouched.
	CommitTransactional CommitMode = iota
	// CommitBatchWrite fails offending writes individually and applies
	// the rest.
	CommitBatchWrite
)

// CommitResult is the outcome of one applied batch.
type CommitResult struct {
	ServerTime   time.Time
	WriteResults []*wire.WriteResult
	// WriteErrors aligns with WriteResults; entries are nil on success.
	// Only batch-write mode produces partial failures.
	WriteErrors []error
	// Changed holds the final state per touched path.
	Changed []*MetaDocument
}

// TxnStatus is the lifecycle state of a transaction.
type TxnStatus uint8

const (
	TxnActive TxnStatus = iota
	TxnCommitted
	TxnAborted
)

// EncodedDocument is the serializer's output for one native document: the
// plain field tree plus any sentinel transforms and deletions extracted
// from it, addressed by dot-escaped field paths.
type EncodedDocument struct {
	Fields     map[string]*wire.Value
	Transforms []*wire.FieldTransform
	// DeletePaths lists fields marked with the Delete sentinel. Valid
	// only for merge sets and updates.
	DeletePaths []string
}

// QueryResult pairs a matching document with an optional vector distance
// computed by a nearest-neighbor stage.
type QueryResult struct {
	Doc *MetaDocument
	// Distance is set only by findNearest evaluation.
	Distance *float64
}

// Sentinel values recognized by the serializer inside document data. They
// never reach the stored value tree; the serializer folds them into field
// transforms or delete masks.
type (
	serverTimestampSentinel struct{}
	deleteFieldSentinel     struct{}
)

// ServerTimestamp resolves to the commit time of the write.
var ServerTimestamp = serverTimestampSentinel{}

// DeleteField removes the addressed field in a merge set or update.
var DeleteField = deleteFieldSentinel{}

// IncrementValue adds N to the stored number, treating a missing or
// non-numeric stored value as zero.
type IncrementValue struct{ Operand any }

// Increment builds an increment sentinel. n must encode to an integer or
// double.
func Increment(n any) IncrementValue { return IncrementValue{Operand: n} }

// ArrayUnionValue appends elements not already present in the stored array.
type ArrayUnionValue struct{ Elements []any }

// ArrayUnion builds an array-union sentinel.
func ArrayUnion(elements ...any) ArrayUnionValue { return ArrayUnionValue{Elements: elements} }

// ArrayRemoveValue removes all occurrences of its elements.
type ArrayRemoveValue struct{ Elements []any }

// ArrayRemove builds an array-remove sentinel.
func ArrayRemove(elements ...any) ArrayRemoveValue { return ArrayRemoveValue{Elements: elements} }

// Vector marks a []float64-convertible slice as a vector field value.
type Vector []float64

// Ref marks a string as a document reference when encoding native data.
type Ref string

// GeoPoint is the native representation of a geographic point.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}
