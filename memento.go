// Package memento provides an embedded, in-memory document database that
// speaks the wire semantics of a cloud document store: hierarchical
// collections and documents, atomic write batches with preconditions and
// field transforms, optimistic transactions, structured queries including
// vector nearest-neighbor search, and realtime listen streams.
//
// The basic usage starts with creating a [Database] instance, which can be
// done by calling [NewDatabase]. Several databases can be grouped under a
// [Pool], keyed by resource name.
package memento

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/gapic"
)

// NewDatabase creates a new Database instance with the provided
// configuration options:
//
// - [WithProjectID]: sets the project id of the database resource name.
//
// - [WithDatabaseID]: sets the database id of the database resource name.
//
// - [WithIgnoreUnsupported]: drops unencodable Go values instead of failing.
//
// - [WithTimeGetter]: sets the time source for commit stamping.
//
// - [WithPathResolver]: sets the path resolver implementation.
//
// - [WithComparer]: sets the value comparer implementation.
//
// - [WithFieldNavigator]: sets the field navigator implementation.
//
// - [WithSerializer]: sets the wire codec implementation.
//
// - [WithStore]: sets the document store implementation.
//
// - [WithQueryEngine]: sets the query engine implementation.
//
// - [WithBroadcaster]: sets the listener broadcaster implementation.
//
// - [WithTransactionManager]: sets the transaction manager implementation.
//
// - [WithWatermarkDelay]: sets the listener watermark debounce delay.
func NewDatabase(options ...Option) (Database, error) {
	return gapic.NewDatabase(options...)
}

// Database is the facade over one emulated database instance.
type Database = domain.Database

// Txn is the per-attempt handle passed to [Database.RunTransaction] bodies.
type Txn = domain.Txn

// MetaDocument is the stored record for one document path at one version.
type MetaDocument = domain.MetaDocument

// ChangeSet is delivered to change watchers once per commit.
type ChangeSet = domain.ChangeSet

// ChangeWatcher observes committed change sets.
type ChangeWatcher = domain.ChangeWatcher

// ListenStream is one bidirectional listen subscription stream.
type ListenStream = domain.ListenStream

// Store is the authoritative versioned document store.
type Store = domain.Store

// QueryEngine evaluates structured queries over the document set.
type QueryEngine = domain.QueryEngine

// Broadcaster fans store commits out to listen streams.
type Broadcaster = domain.Broadcaster

// TransactionManager issues transaction handles and applies optimistic
// concurrency checks at commit time.
type TransactionManager = domain.TransactionManager

// Serializer converts between native Go values and wire value trees.
type Serializer = domain.Serializer

// Comparer provides the total order over wire values.
type Comparer = domain.Comparer

// FieldNavigator resolves dot-notation field paths.
type FieldNavigator = domain.FieldNavigator

// PathResolver parses raw slash-separated paths into cached Path values.
type PathResolver = domain.PathResolver

// Path is a parsed, validated document or collection path.
type Path = domain.Path

// TimeGetter provides current time for commit stamping.
type TimeGetter = domain.TimeGetter

// StatusError is the error type carried by every failed operation.
type StatusError = domain.StatusError

// Code classifies an operation failure.
type Code = domain.Code

// The status codes operations fail with.
const (
	InvalidArgument    = domain.InvalidArgument
	NotFound           = domain.NotFound
	AlreadyExists      = domain.AlreadyExists
	FailedPrecondition = domain.FailedPrecondition
	Aborted            = domain.Aborted
	Unimplemented      = domain.Unimplemented
	Internal           = domain.Internal
)

// CodeOf extracts the status code of an error.
func CodeOf(err error) Code { return domain.CodeOf(err) }

// IsCode reports whether an error carries the given status code.
func IsCode(err error, code Code) bool { return domain.IsCode(err, code) }

// FixtureFormat selects a fixture stream encoding.
type FixtureFormat = domain.FixtureFormat

// Fixture stream encodings accepted by [Database.ImportFixtures].
const (
	FixtureJSONLines = domain.FixtureJSONLines
	FixtureYAML      = domain.FixtureYAML
)

// GeoPoint is the native representation of a geographic point.
type GeoPoint = domain.GeoPoint

// Vector marks a []float64-convertible slice as a vector field value.
type Vector = domain.Vector

// Ref marks a string as a document reference when encoding native data.
type Ref = domain.Ref

// Sentinel values recognized inside document data.
var (
	// ServerTimestamp resolves to the commit time of the write.
	ServerTimestamp = domain.ServerTimestamp
	// DeleteField removes the addressed field in a merge set or update.
	DeleteField = domain.DeleteField
)

// Increment builds an increment sentinel; n must encode to an integer or
// double.
func Increment(n any) domain.IncrementValue { return domain.Increment(n) }

// ArrayUnion builds an array-union sentinel.
func ArrayUnion(elements ...any) domain.ArrayUnionValue { return domain.ArrayUnion(elements...) }

// ArrayRemove builds an array-remove sentinel.
func ArrayRemove(elements ...any) domain.ArrayRemoveValue { return domain.ArrayRemove(elements...) }

// Option configures database behavior through the functional options
// pattern.
type Option = domain.DatabaseOption

// SetOption configures set behavior.
type SetOption = domain.SetOption

// TxnOption configures transaction behavior.
type TxnOption = domain.TxnOption

// WithProjectID sets the project id of the database resource name.
func WithProjectID(id string) Option { return domain.WithProjectID(id) }

// WithDatabaseID sets the database id of the database resource name.
func WithDatabaseID(id string) Option { return domain.WithDatabaseID(id) }

// WithIgnoreUnsupported makes the serializer drop unsupported Go values
// instead of failing the write.
func WithIgnoreUnsupported(ignore bool) Option { return domain.WithIgnoreUnsupported(ignore) }

// WithTimeGetter sets the time source used for commit stamping.
func WithTimeGetter(t TimeGetter) Option { return domain.WithTimeGetter(t) }

// WithPathResolver sets the path resolver implementation.
func WithPathResolver(p PathResolver) Option { return domain.WithPathResolver(p) }

// WithComparer sets the value comparer implementation.
func WithComparer(c Comparer) Option { return domain.WithComparer(c) }

// WithFieldNavigator sets the field navigator implementation.
func WithFieldNavigator(f FieldNavigator) Option { return domain.WithFieldNavigator(f) }

// WithSerializer sets the wire codec implementation.
func WithSerializer(s Serializer) Option { return domain.WithSerializer(s) }

// WithStore sets the document store implementation.
func WithStore(s Store) Option { return domain.WithStore(s) }

// WithQueryEngine sets the query engine implementation.
func WithQueryEngine(q QueryEngine) Option { return domain.WithQueryEngine(q) }

// WithBroadcaster sets the listener broadcaster implementation.
func WithBroadcaster(b Broadcaster) Option { return domain.WithBroadcaster(b) }

// WithTransactionManager sets the transaction manager implementation.
func WithTransactionManager(t TransactionManager) Option {
	return domain.WithTransactionManager(t)
}

// WithWatermarkDelay sets the debounce delay of the global listener
// watermark.
func WithWatermarkDelay(d time.Duration) Option { return domain.WithWatermarkDelay(d) }

// MergeAll merges the given data instead of replacing the document.
func MergeAll() SetOption { return domain.MergeAll() }

// MergeFields merges only the named field paths.
func MergeFields(paths ...string) SetOption { return domain.MergeFields(paths...) }

// WithMaxAttempts caps the number of transaction attempts.
func WithMaxAttempts(n int) TxnOption { return domain.WithMaxAttempts(n) }

// WithReadOnlyTxn pins the transaction to a read-only snapshot; a zero time
// means "now".
func WithReadOnlyTxn(at time.Time) TxnOption { return domain.WithReadOnlyTxn(at) }

// Pool groups database instances by resource name, the way a real project
// hosts several databases.
type Pool struct {
	mu  sync.RWMutex
	dbs map[string]Database
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{dbs: map[string]Database{}}
}

// Register adds a database to the pool under its resource name. Registering
// the same name twice fails with AlreadyExists.
func (p *Pool) Register(db Database) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.dbs[db.Name()]; ok {
		return domain.Errorf(domain.AlreadyExists, "database %s is already registered", db.Name())
	}
	p.dbs[db.Name()] = db
	return nil
}

// Get returns the database registered under the given resource name.
func (p *Pool) Get(name string) (Database, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.dbs[name]
	if !ok {
		return nil, domain.Errorf(domain.NotFound, "database %s is not registered", name)
	}
	return db, nil
}

// Remove drops a database from the pool. Removing an unknown name is a
// no-op.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dbs, name)
}

// Names returns the registered resource names in sorted order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.dbs))
	for name := range p.dbs {
		names = append(names, name)
	}
	slices.SortFunc(names, strings.Compare)
	return names
}
