package domain

import "time"

// DatabaseOptions configures a database instance.
type DatabaseOptions struct {
	ProjectID  string
	DatabaseID string
	// IgnoreUnsupported drops Go values the serializer cannot encode
	// (funcs, channels, complex numbers) instead of rejecting the write.
	// Honored uniformly across set, update and fixture paths.
	IgnoreUnsupported  bool
	TimeGetter         TimeGetter
	PathResolver       PathResolver
	Comparer           Comparer
	FieldNavigator     FieldNavigator
	Serializer         Serializer
	Store              Store
	QueryEngine        QueryEngine
	Broadcaster        Broadcaster
	TransactionManager TransactionManager
	// WatermarkDelay debounces the global listener watermark.
	WatermarkDelay time.Duration
}

// DatabaseOption configures database behavior through the functional
// options pattern.
type DatabaseOption func(*DatabaseOptions)

// WithProjectID sets the project id of the database resource name.
func WithProjectID(id string) DatabaseOption {
	return func(o *DatabaseOptions) { o.ProjectID = id }
}

// WithDatabaseID sets the database id of the database resource name.
func WithDatabaseID(id string) DatabaseOption {
	return func(o *DatabaseOptions) { o.DatabaseID = id }
}

// WithIgnoreUnsupported makes the serializer drop unsupported Go values
// instead of failing the write.
func WithIgnoreUnsupported(ignore bool) DatabaseOption {
	return func(o *DatabaseOptions) { o.IgnoreUnsupported = ignore }
}

// WithTimeGetter sets the time source used for commit stamping.
func WithTimeGetter(t TimeGetter) DatabaseOption {
	return func(o *DatabaseOptions) { o.TimeGetter = t }
}

// WithPathResolver sets the path resolver implementation.
func WithPathResolver(p PathResolver) DatabaseOption {
	return func(o *DatabaseOptions) { o.PathResolver = p }
}

// WithComparer sets the value comparer implementation.
func WithComparer(c Comparer) DatabaseOption {
	return func(o *DatabaseOptions) { o.Comparer = c }
}

// WithFieldNavigator sets the field navigator implementation.
func WithFieldNavigator(f FieldNavigator) DatabaseOption {
	return func(o *DatabaseOptions) { o.FieldNavigator = f }
}

// WithSerializer sets the wire codec implementation.
func WithSerializer(s Serializer) DatabaseOption {
	return func(o *DatabaseOptions) { o.Serializer = s }
}

// WithStore sets the document store implementation.
func WithStore(s Store) DatabaseOption {
	return func(o *DatabaseOptions) { o.Store = s }
}

// WithQueryEngine sets the query engine implementation.
func WithQueryEngine(q QueryEngine) DatabaseOption {
	return func(o *DatabaseOptions) { o.QueryEngine = q }
}

// WithBroadcaster sets the listener broadcaster implementation.
func WithBroadcaster(b Broadcaster) DatabaseOption {
	return func(o *DatabaseOptions) { o.Broadcaster = b }
}

// WithTransactionManager sets the transaction manager implementation.
func WithTransactionManager(t TransactionManager) DatabaseOption {
	return func(o *DatabaseOptions) { o.TransactionManager = t }
}

// WithWatermarkDelay sets the debounce delay of the global listener
// watermark.
func WithWatermarkDelay(d time.Duration) DatabaseOption {
	return func(o *DatabaseOptions) { o.WatermarkDelay = d }
}

// SetOptions configures a set write.
type SetOptions struct {
	// Merge performs a field-path union of the given data with the
	// stored document, merging maps recursively.
	Merge bool
	// MergeFields restricts the write and its transforms to the named
	// dot paths; unmentioned transforms are dropped silently.
	MergeFields []string
}

// SetOption configures set behavior through the functional options pattern.
type SetOption func(*SetOptions)

// MergeAll merges the given data instead of replacing the document.
func MergeAll() SetOption {
	return func(o *SetOptions) { o.Merge = true }
}

// MergeFields merges only the named field paths.
func MergeFields(paths ...string) SetOption {
	return func(o *SetOptions) { o.MergeFields = paths }
}

// TxnOptions configures RunTransaction.
type TxnOptions struct {
	// MaxAttempts caps retries on Aborted. Zero means the default of 5.
	MaxAttempts int
	// ReadOnly pins every read of the transaction to ReadTime (or "now"
	// when zero) and forbids writes.
	ReadOnly bool
	ReadTime time.Time
}

// TxnOption configures transaction behavior through the functional options
// pattern.
type TxnOption func(*TxnOptions)

// WithMaxAttempts caps the number of transaction attempts.
func WithMaxAttempts(n int) TxnOption {
	return func(o *TxnOptions) { o.MaxAttempts = n }
}

// WithReadOnlyTxn pins the transaction to a read-only snapshot; a zero time
// means "now".
func WithReadOnlyTxn(at time.Time) TxnOption {
	return func(o *TxnOptions) {
		o.ReadOnly = true
		o.ReadTime = at
	}
}

// StoreOptions configures the document store.
type StoreOptions struct {
	TimeGetter     TimeGetter
	PathResolver   PathResolver
	FieldNavigator FieldNavigator
	Comparer       Comparer
}

// StoreOption configures store behavior through the functional options
// pattern.
type StoreOption func(*StoreOptions)

// WithStoreTimeGetter sets the store's time source.
func WithStoreTimeGetter(t TimeGetter) StoreOption {
	return func(o *StoreOptions) { o.TimeGetter = t }
}

// WithStorePathResolver sets the store's path resolver.
func WithStorePathResolver(p PathResolver) StoreOption {
	return func(o *StoreOptions) { o.PathResolver = p }
}

// WithStoreFieldNavigator sets the store's field navigator.
func WithStoreFieldNavigator(f FieldNavigator) StoreOption {
	return func(o *StoreOptions) { o.FieldNavigator = f }
}

// WithStoreComparer sets the store's value comparer.
func WithStoreComparer(c Comparer) StoreOption {
	return func(o *StoreOptions) { o.Comparer = c }
}

// EngineOptions configures the query engine.
type EngineOptions struct {
	Comparer       Comparer
	FieldNavigator FieldNavigator
	PathResolver   PathResolver
}

// EngineOption configures query engine behavior through the functional
// options pattern.
type EngineOption func(*EngineOptions)

// WithEngineComparer sets the engine's value comparer.
func WithEngineComparer(c Comparer) EngineOption {
	return func(o *EngineOptions) { o.Comparer = c }
}

// WithEngineFieldNavigator sets the engine's field navigator.
func WithEngineFieldNavigator(f FieldNavigator) EngineOption {
	return func(o *EngineOptions) { o.FieldNavigator = f }
}

// WithEnginePathResolver sets the engine's path resolver.
func WithEnginePathResolver(p PathResolver) EngineOption {
	return func(o *EngineOptions) { o.PathResolver = p }
}

// BroadcasterOptions configures the listener broadcaster.
type BroadcasterOptions struct {
	// WatermarkDelay debounces the global no-change watermark.
	WatermarkDelay time.Duration
}

// BroadcasterOption configures broadcaster behavior through the functional
// options pattern.
type BroadcasterOption func(*BroadcasterOptions)

// WithBroadcasterWatermarkDelay sets the watermark debounce delay.
func WithBroadcasterWatermarkDelay(d time.Duration) BroadcasterOption {
	return func(o *BroadcasterOptions) { o.WatermarkDelay = d }
}

// SerializerOptions configures the wire codec.
type SerializerOptions struct {
	// DatabaseName prefixes relative reference paths when encoding.
	DatabaseName string
	// IgnoreUnsupported drops unencodable Go values instead of failing.
	IgnoreUnsupported bool
	FieldNavigator    FieldNavigator
}

// SerializerOption configures serializer behavior through the functional
// options pattern.
type SerializerOption func(*SerializerOptions)

// WithSerializerDatabaseName sets the database resource name used to
// qualify references.
func WithSerializerDatabaseName(name string) SerializerOption {
	return func(o *SerializerOptions) { o.DatabaseName = name }
}

// WithSerializerIgnoreUnsupported drops unencodable values instead of
// rejecting them.
func WithSerializerIgnoreUnsupported(ignore bool) SerializerOption {
	return func(o *SerializerOptions) { o.IgnoreUnsupported = ignore }
}

// WithSerializerFieldNavigator sets the serializer's field navigator.
func WithSerializerFieldNavigator(f FieldNavigator) SerializerOption {
	return func(o *SerializerOptions) { o.FieldNavigator = f }
}
