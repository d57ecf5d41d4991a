// Package domain contains the interfaces, status taxonomy and option types
// shared by every memento adapter.
//
// The default implementations live under internal/adapter; each can be
// swapped through the functional options accepted by the constructors.
package domain

import (
	"context"
	"io"
	"time"

	"github.com/mementodb/memento/pkg/wire"
)

// Path is a parsed, validated document or collection path. Instances are
// immutable and cached: parsing the same raw string twice returns the same
// instance, and Parent is reference-stable across calls.
type Path interface {
	// String returns the slash-joined path. Root is the empty string.
	String() string
	// Segments returns the path segments. Callers must not mutate.
	Segments() []string
	// IsRoot reports an empty path.
	IsRoot() bool
	// IsCollection reports an odd segment count.
	IsCollection() bool
	// IsDocument reports a non-zero even segment count.
	IsDocument() bool
	// Parent returns the cached parent path; the root's parent is the
	// root itself.
	Parent() Path
	// ID returns the last segment, or "" for the root.
	ID() string
}

// PathResolver parses raw slash-separated paths into cached Path values.
type PathResolver interface {
	// Parse validates and caches a path. Fails with InvalidArgument on
	// empty segments, "." or "..", reserved __*__ names, or segments over
	// the byte limit.
	Parse(raw string) (Path, error)
	// ParseDocument is Parse plus a document-parity check.
	ParseDocument(raw string) (Path, error)
	// ParseCollection is Parse plus a collection-parity check.
	ParseCollection(raw string) (Path, error)
}

// TimeGetter provides current time for commit stamping.
type TimeGetter interface {
	// GetTime returns the current time.
	GetTime() time.Time
}

// Comparer provides the total order over wire values used by queries,
// cursors and index keys.
type Comparer interface {
	// Compare returns -1, 0 or 1 under the cross-type value ordering.
	Compare(a, b *wire.Value) int
	// Equal reports query equality: numerically for integer vs double,
	// self-equal-only for null and NaN.
	Equal(a, b *wire.Value) bool
	// SameOrderGroup reports whether two values sort inside the same
	// type group, which gates range filters.
	SameOrderGroup(a, b *wire.Value) bool
}

// FieldNavigator resolves dot-notation field paths against wire value trees.
type FieldNavigator interface {
	// Split parses a dot path into segments, honoring backtick quoting.
	Split(path string) ([]string, error)
	// Join renders segments back into a dot path, quoting as needed.
	Join(parts []string) string
	// Get returns the value at the path and whether it is present.
	Get(fields map[string]*wire.Value, parts []string) (*wire.Value, bool)
	// Set writes the value at the path, creating intermediate maps and
	// replacing intermediate non-maps.
	Set(fields map[string]*wire.Value, parts []string, v *wire.Value)
	// Delete removes the value at the path if present.
	Delete(fields map[string]*wire.Value, parts []string)
	// Leaves returns the paths of every leaf field, where a leaf is any
	// non-map value or empty map.
	Leaves(fields map[string]*wire.Value) [][]string
}

// Serializer converts between native Go values and wire value trees,
// enforcing the depth, size and vector limits at encode time.
type Serializer interface {
	// EncodeDocument encodes a struct or map into fields plus extracted
	// sentinel transforms and delete paths.
	EncodeDocument(data any) (*EncodedDocument, error)
	// EncodeValue encodes one native value; sentinels are rejected here.
	EncodeValue(v any) (*wire.Value, error)
	// DecodeValue converts a wire value back to a native value.
	DecodeValue(v *wire.Value) (any, error)
	// DecodeFields converts a field map into a native map.
	DecodeFields(fields map[string]*wire.Value) (map[string]any, error)
	// DecodeInto decodes a field map into a caller struct or map.
	DecodeInto(fields map[string]*wire.Value, target any) error
}

// Store is the authoritative versioned document store.
type Store interface {
	// GetDoc returns the document state at the given time, or the latest
	// state when at is the zero time. Missing documents yield a
	// MetaDocument with Exists false, never an error.
	GetDoc(path string, at time.Time) (*MetaDocument, error)

	// Commit applies a batch of writes atomically from the caller's view.
	// All writes share one server time. Mode selects whether a
	// precondition mismatch fails the batch or only the write.
	Commit(ctx context.Context, writes []*wire.Write, mode CommitMode) (*CommitResult, error)

	// Candidates returns existing documents in scope at the given time:
	// children of parent with the collection id, or all descendants when
	// allDescendants is set. An empty collection id with allDescendants
	// matches every document. Results come back in path order.
	Candidates(parent string, collectionID string, allDescendants bool, at time.Time) ([]*MetaDocument, error)

	// RegisterChangeWatcher subscribes to commits. The watcher runs once
	// per commit, in commit order. Returns an unsubscribe func.
	RegisterChangeWatcher(w ChangeWatcher) func()

	// RegisterResetListener subscribes to store resets.
	RegisterResetListener(fn func()) func()

	// Reset drops every document and notifies reset listeners.
	Reset(ctx context.Context) error

	// Now returns the current read time: monotonic, microsecond
	// truncated, never before the last commit time.
	Now() time.Time
}

// Transaction is a handle issued by the TransactionManager.
type Transaction interface {
	// ID returns the wire token identifying this transaction.
	ID() []byte
	// ReadOnly reports the transaction mode.
	ReadOnly() bool
	// ReadTime returns the pinned snapshot time for read-only
	// transactions and the begin time otherwise.
	ReadTime() time.Time
	// Status returns the lifecycle state.
	Status() TxnStatus
	// RegisterRead records an observed document version for conflict
	// detection. No-op on read-only transactions.
	RegisterRead(doc *MetaDocument)
}

// TransactionManager issues transaction handles and applies optimistic
// concurrency checks at commit time. It only detects conflicts; retrying is
// the caller's job.
type TransactionManager interface {
	// Begin opens a transaction. Fails with InvalidArgument when both or
	// malformed modes are given.
	Begin(ctx context.Context, opts *wire.TransactionOptions) (Transaction, error)
	// Get resolves a transaction token. Unknown or finished tokens fail
	// with NotFound.
	Get(id []byte) (Transaction, error)
	// Commit validates the read set against current versions and applies
	// the writes. Version drift fails with Aborted and aborts the
	// transaction.
	Commit(ctx context.Context, tx Transaction, writes []*wire.Write) (*CommitResult, error)
	// Rollback abandons the transaction.
	Rollback(ctx context.Context, tx Transaction) error
}

// QueryEngine evaluates structured queries over the document set at a
// snapshot time.
type QueryEngine interface {
	// Evaluate returns matching documents in query order. parent is the
	// store-relative path the query runs under ("" for the root).
	Evaluate(ctx context.Context, parent string, q *wire.StructuredQuery, at time.Time) ([]*QueryResult, error)
	// Aggregate evaluates count/sum/avg aggregations, keyed by alias.
	Aggregate(ctx context.Context, parent string, q *wire.StructuredAggregationQuery, at time.Time) (map[string]*wire.Value, error)
}

// ListenStream is one bidirectional listen subscription stream.
type ListenStream interface {
	// AddTarget activates a target. Within one stream, target ids must be
	// all server-assigned (zero) or all client-chosen; a mixed id is
	// answered by removing the offending target on the event channel.
	AddTarget(t *wire.Target) error
	// RemoveTarget deactivates a target. Effective for future commits;
	// an in-flight notification may still be delivered.
	RemoveTarget(id int32) error
	// Events returns the ordered message channel. Closed when the stream
	// closes.
	Events() <-chan *wire.ListenResponse
	// Close tears the stream down.
	Close() error
}

// Broadcaster fans store commits out to listen streams, computing minimal
// per-target change sets.
type Broadcaster interface {
	// OpenStream creates a listen stream bound to ctx.
	OpenStream(ctx context.Context) (ListenStream, error)
	// WaitIdle blocks until all pending notifications are delivered.
	WaitIdle(ctx context.Context) error
	// Close stops dispatching and closes all streams.
	Close() error
}

// Txn is the per-attempt handle passed to RunTransaction bodies. Reads are
// registered for conflict detection; writes are buffered until the attempt
// commits.
type Txn interface {
	// Get reads a document inside the transaction.
	Get(ctx context.Context, path string) (*MetaDocument, error)
	// Create buffers a create write (fails on commit if it exists).
	Create(path string, data any) error
	// Set buffers a set write, optionally merging.
	Set(path string, data any, opts ...SetOption) error
	// Update buffers a field-path update (requires existence).
	Update(path string, data map[string]any) error
	// Delete buffers a delete write.
	Delete(path string) error
}

// Database is the facade over one emulated database instance.
type Database interface {
	// Name returns projects/{project}/databases/{database}.
	Name() string

	// Commit applies a write batch, optionally under a transaction.
	Commit(ctx context.Context, req *wire.CommitRequest) (*wire.CommitResponse, error)
	// BatchWrite applies writes non-atomically with per-write statuses.
	BatchWrite(ctx context.Context, req *wire.BatchWriteRequest) (*wire.BatchWriteResponse, error)
	// BatchGetDocuments reads documents at one consistent snapshot,
	// preserving request order.
	BatchGetDocuments(ctx context.Context, req *wire.BatchGetRequest) ([]*wire.BatchGetResponse, error)
	// BeginTransaction opens a transaction and returns its token.
	BeginTransaction(ctx context.Context, req *wire.BeginTransactionRequest) (*wire.BeginTransactionResponse, error)
	// Rollback abandons a transaction by token.
	Rollback(ctx context.Context, transactionID []byte) error
	// RunQuery evaluates a structured query.
	RunQuery(ctx context.Context, req *wire.RunQueryRequest) ([]*wire.RunQueryResponse, error)
	// RunAggregationQuery evaluates a structured aggregation query.
	RunAggregationQuery(ctx context.Context, req *wire.RunAggregationQueryRequest) (*wire.RunAggregationQueryResponse, error)
	// Listen opens a listen stream.
	Listen(ctx context.Context) (ListenStream, error)

	// RunTransaction runs fn with optimistic retries on Aborted.
	RunTransaction(ctx context.Context, fn func(context.Context, Txn) error, opts ...TxnOption) error

	// GetDocument reads the latest state of one document path.
	GetDocument(ctx context.Context, path string) (*MetaDocument, error)
	// SetDocument writes a full document, or merges when opted.
	SetDocument(ctx context.Context, path string, data any, opts ...SetOption) (*wire.WriteResult, error)
	// UpdateDocument applies dot-path updates; the document must exist.
	UpdateDocument(ctx context.Context, path string, data map[string]any) (*wire.WriteResult, error)
	// DeleteDocument deletes a document; deleting a missing document is
	// not an error.
	DeleteDocument(ctx context.Context, path string) (*wire.WriteResult, error)

	// RegisterChangeWatcher exposes the store's commit fan-out, for
	// trigger adapters.
	RegisterChangeWatcher(w ChangeWatcher) func()
	// Reset clears all state and re-arms dependent listeners.
	Reset(ctx context.Context) error
	// WaitListeners drains pending listener notifications.
	WaitListeners(ctx context.Context) error

	// ImportFixtures loads documents from a JSON-lines or YAML stream.
	ImportFixtures(ctx context.Context, r io.Reader, format FixtureFormat) (int, error)
	// ExportFixtures writes every document as a JSON-lines stream.
	ExportFixtures(ctx context.Context, w io.Writer) (int, error)
	// ClearPaths deletes documents whose path matches the glob pattern.
	ClearPaths(ctx context.Context, pattern string) (int, error)
}

// FixtureFormat selects a fixture stream encoding.
type FixtureFormat uint8

const (
	// FixtureJSONLines is one JSON object per line.
	FixtureJSONLines FixtureFormat = iota
	// FixtureYAML is a YAML stream of documents.
	FixtureYAML
)
