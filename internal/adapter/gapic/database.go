// Package gapic contains the default [domain.Database] implementation: the
// protocol-shaped surface over the store, transaction manager, query engine
// and broadcaster.
//
// Requests address documents by full resource name,
// projects/{project}/databases/{database}/documents/{path}; the adapter
// translates to store-relative paths on the way in and back to resource
// names on the way out.
package gapic

import (
	"context"
	"io"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/comparer"
	"github.com/mementodb/memento/internal/adapter/fieldpath"
	"github.com/mementodb/memento/internal/adapter/pathcache"
	"github.com/mementodb/memento/internal/adapter/query"
	"github.com/mementodb/memento/internal/adapter/seed"
	"github.com/mementodb/memento/internal/adapter/serializer"
	"github.com/mementodb/memento/internal/adapter/store"
	"github.com/mementodb/memento/internal/adapter/timegetter"
	"github.com/mementodb/memento/internal/adapter/txn"
	"github.com/mementodb/memento/internal/adapter/watch"
	"github.com/mementodb/memento/pkg/wire"
)

// Defaults for the database resource name.
const (
	DefaultProjectID  = "local-project"
	DefaultDatabaseID = "(default)"
)

// DefaultMaxAttempts caps RunTransaction retries unless overridden.
const DefaultMaxAttempts = 5

var timeZero time.Time

// Database implements domain.Database.
type Database struct {
	name string

	store          domain.Store
	transactions   domain.TransactionManager
	engine         domain.QueryEngine
	broadcaster    domain.Broadcaster
	serializer     domain.Serializer
	pathResolver   domain.PathResolver
	fieldNavigator domain.FieldNavigator
	loader         *seed.Loader
}

// NewDatabase returns a new implementation of domain.Database, assembling
// default adapters for every dependency not supplied through options.
func NewDatabase(options ...domain.DatabaseOption) (domain.Database, error) {
	opts := domain.DatabaseOptions{
		ProjectID:  DefaultProjectID,
		DatabaseID: DefaultDatabaseID,
	}
	for _, option := range options {
		option(&opts)
	}
	name := "projects/" + opts.ProjectID + "/databases/" + opts.DatabaseID

	if opts.TimeGetter == nil {
		opts.TimeGetter = timegetter.NewTimeGetter()
	}
	if opts.PathResolver == nil {
		opts.PathResolver = pathcache.NewResolver()
	}
	if opts.Comparer == nil {
		opts.Comparer = comparer.NewComparer()
	}
	if opts.FieldNavigator == nil {
		opts.FieldNavigator = fieldpath.NewNavigator()
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.NewSerializer(
			domain.WithSerializerDatabaseName(name),
			domain.WithSerializerIgnoreUnsupported(opts.IgnoreUnsupported),
			domain.WithSerializerFieldNavigator(opts.FieldNavigator),
		)
	}
	if opts.Store == nil {
		opts.Store = store.NewStore(
			domain.WithStoreTimeGetter(opts.TimeGetter),
			domain.WithStorePathResolver(opts.PathResolver),
			domain.WithStoreFieldNavigator(opts.FieldNavigator),
			domain.WithStoreComparer(opts.Comparer),
		)
	}
	if opts.QueryEngine == nil {
		opts.QueryEngine = query.NewEngine(opts.Store,
			domain.WithEngineComparer(opts.Comparer),
			domain.WithEngineFieldNavigator(opts.FieldNavigator),
			domain.WithEnginePathResolver(opts.PathResolver),
		)
	}
	if opts.TransactionManager == nil {
		opts.TransactionManager = txn.NewManager(opts.Store)
	}
	if opts.Broadcaster == nil {
		var bOpts []domain.BroadcasterOption
		if opts.WatermarkDelay > 0 {
			bOpts = append(bOpts, domain.WithBroadcasterWatermarkDelay(opts.WatermarkDelay))
		}
		opts.Broadcaster = watch.NewBroadcaster(opts.Store, opts.QueryEngine, name, bOpts...)
	}

	return &Database{
		name:           name,
		store:          opts.Store,
		transactions:   opts.TransactionManager,
		engine:         opts.QueryEngine,
		broadcaster:    opts.Broadcaster,
		serializer:     opts.Serializer,
		pathResolver:   opts.PathResolver,
		fieldNavigator: opts.FieldNavigator,
		loader:         seed.NewLoader(opts.Store, opts.Serializer, opts.PathResolver),
	}, nil
}

// Name implements domain.Database.
func (d *Database) Name() string { return d.name }

// relative translates a resource name into a store-relative path. Names
// without the projects/ prefix pass through as already relative; names
// under a different database are rejected.
func (d *Database) relative(name string) (string, error) {
	root := d.name + "/documents"
	switch {
	case name == root:
		return "", nil
	case strings.HasPrefix(name, root+"/"):
		return name[len(root)+1:], nil
	case strings.HasPrefix(name, "projects/"):
		return "", domain.Errorf(domain.InvalidArgument, "resource %q does not belong to %s", name, d.name)
	default:
		return strings.Trim(name, "/"), nil
	}
}

func (d *Database) fullName(path string) string {
	return d.name + "/documents/" + path
}

// translateWrite rewrites the write's resource names to relative paths,
// leaving the caller's request untouched.
func (d *Database) translateWrite(w *wire.Write) (*wire.Write, error) {
	if w == nil {
		return nil, domain.Errorf(domain.InvalidArgument, "missing write")
	}
	out := *w
	if w.Delete != "" {
		rel, err := d.relative(w.Delete)
		if err != nil {
			return nil, err
		}
		out.Delete = rel
	}
	if w.Update != nil {
		rel, err := d.relative(w.Update.Name)
		if err != nil {
			return nil, err
		}
		doc := *w.Update
		doc.Name = rel
		out.Update = &doc
	}
	return &out, nil
}

func (d *Database) translateWrites(writes []*wire.Write) ([]*wire.Write, error) {
	out := make([]*wire.Write, len(writes))
	for i, w := range writes {
		t, err := d.translateWrite(w)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Commit implements domain.Database.
func (d *Database) Commit(ctx context.Context, req *wire.CommitRequest) (*wire.CommitResponse, error) {
	writes, err := d.translateWrites(req.Writes)
	if err != nil {
		return nil, err
	}
	var result *domain.CommitResult
	if len(req.Transaction) > 0 {
		tx, err := d.transactions.Get(req.Transaction)
		if err != nil {
			return nil, err
		}
		result, err = d.transactions.Commit(ctx, tx, writes)
		if err != nil {
			return nil, err
		}
	} else {
		result, err = d.store.Commit(ctx, writes, domain.CommitTransactional)
		if err != nil {
			return nil, err
		}
	}
	return &wire.CommitResponse{
		CommitTime:   timestamppb.New(result.ServerTime),
		WriteResults: result.WriteResults,
	}, nil
}

// BatchWrite implements domain.Database.
func (d *Database) BatchWrite(ctx context.Context, req *wire.BatchWriteRequest) (*wire.BatchWriteResponse, error) {
	writes, err := d.translateWrites(req.Writes)
	if err != nil {
		return nil, err
	}
	result, err := d.store.Commit(ctx, writes, domain.CommitBatchWrite)
	if err != nil {
		return nil, err
	}
	return &wire.BatchWriteResponse{
		WriteResults: result.WriteResults,
		Statuses:     result.WriteErrors,
	}, nil
}

// readSelector resolves the shared transaction/newTransaction/readTime
// request triplet into a snapshot time, an optional transaction to register
// reads on, and the token to echo back.
func (d *Database) readSelector(ctx context.Context, transaction []byte, newTxn *wire.TransactionOptions, readTime *timestamppb.Timestamp) (at time.Time, tx domain.Transaction, echo []byte, err error) {
	set := 0
	if len(transaction) > 0 {
		set++
	}
	if newTxn != nil {
		set++
	}
	if readTime != nil {
		set++
	}
	if set > 1 {
		return timeZero, nil, nil, domain.Errorf(domain.InvalidArgument,
			"at most one of transaction, newTransaction and readTime may be set")
	}
	switch {
	case len(transaction) > 0:
		tx, err = d.transactions.Get(transaction)
		if err != nil {
			return timeZero, nil, nil, err
		}
	case newTxn != nil:
		tx, err = d.transactions.Begin(ctx, newTxn)
		if err != nil {
			return timeZero, nil, nil, err
		}
		echo = tx.ID()
	case readTime != nil:
		return readTime.AsTime(), nil, nil, nil
	default:
		return d.store.Now(), nil, nil, nil
	}
	if tx.ReadOnly() {
		at = tx.ReadTime()
	}
	return at, tx, echo, nil
}

// BatchGetDocuments implements domain.Database.
func (d *Database) BatchGetDocuments(ctx context.Context, req *wire.BatchGetRequest) ([]*wire.BatchGetResponse, error) {
	at, tx, echo, err := d.readSelector(ctx, req.Transaction, req.NewTransaction, req.ReadTime)
	if err != nil {
		return nil, err
	}
	readTime := at
	if readTime.IsZero() {
		readTime = d.store.Now()
	}
	out := make([]*wire.BatchGetResponse, 0, len(req.Documents))
	for _, name := range req.Documents {
		rel, err := d.relative(name)
		if err != nil {
			return nil, err
		}
		doc, err := d.store.GetDoc(rel, at)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			tx.RegisterRead(doc)
		}
		resp := &wire.BatchGetResponse{ReadTime: timestamppb.New(readTime)}
		if doc.Exists {
			resp.Found = d.wireDocument(doc)
		} else {
			resp.Missing = d.fullName(rel)
		}
		if len(echo) > 0 && len(out) == 0 {
			resp.Transaction = echo
		}
		out = append(out, resp)
	}
	return out, nil
}

// BeginTransaction implements domain.Database.
func (d *Database) BeginTransaction(ctx context.Context, req *wire.BeginTransactionRequest) (*wire.BeginTransactionResponse, error) {
	var opts *wire.TransactionOptions
	if req != nil {
		opts = req.Options
	}
	tx, err := d.transactions.Begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &wire.BeginTransactionResponse{Transaction: tx.ID()}, nil
}

// Rollback implements domain.Database.
func (d *Database) Rollback(ctx context.Context, transactionID []byte) error {
	tx, err := d.transactions.Get(transactionID)
	if err != nil {
		return err
	}
	return d.transactions.Rollback(ctx, tx)
}

// RunQuery implements domain.Database.
func (d *Database) RunQuery(ctx context.Context, req *wire.RunQueryRequest) ([]*wire.RunQueryResponse, error) {
	at, tx, echo, err := d.readSelector(ctx, req.Transaction, req.NewTransaction, req.ReadTime)
	if err != nil {
		return nil, err
	}
	parent, err := d.relative(req.Parent)
	if err != nil {
		return nil, err
	}
	readTime := at
	if readTime.IsZero() {
		readTime = d.store.Now()
	}
	results, err := d.engine.Evaluate(ctx, parent, req.Query, at)
	if err != nil {
		return nil, err
	}
	out := make([]*wire.RunQueryResponse, 0, len(results)+1)
	ts := timestamppb.New(readTime)
	for _, r := range results {
		if tx != nil {
			tx.RegisterRead(r.Doc)
		}
		out = append(out, &wire.RunQueryResponse{
			Document: d.projectDocument(r, req.Query),
			ReadTime: ts,
		})
	}
	if len(out) == 0 {
		// An empty result still answers with the read time.
		out = append(out, &wire.RunQueryResponse{ReadTime: ts})
	}
	out[0].Transaction = echo
	if req.Query != nil && req.Query.Offset > 0 {
		out[0].SkippedResults = req.Query.Offset
	}
	return out, nil
}

// projectDocument renders one query result, applying the projection and the
// distance result field.
func (d *Database) projectDocument(r *domain.QueryResult, q *wire.StructuredQuery) *wire.Document {
	doc := d.wireDocument(r.Doc)
	if q != nil && len(q.Select) > 0 {
		fields := map[string]*wire.Value{}
		for _, fp := range q.Select {
			if fp == query.NameField {
				continue
			}
			parts, err := d.fieldNavigator.Split(fp)
			if err != nil {
				continue
			}
			if v, ok := d.fieldNavigator.Get(r.Doc.Fields, parts); ok {
				d.fieldNavigator.Set(fields, parts, v.Clone())
			}
		}
		doc.Fields = fields
	} else if r.Distance != nil {
		doc.Fields = wire.CloneFields(doc.Fields)
	}
	if r.Distance != nil && q != nil && q.FindNearest != nil && q.FindNearest.DistanceResultField != "" {
		if parts, err := d.fieldNavigator.Split(q.FindNearest.DistanceResultField); err == nil {
			d.fieldNavigator.Set(doc.Fields, parts, wire.Double(*r.Distance))
		}
	}
	return doc
}

// RunAggregationQuery implements domain.Database.
func (d *Database) RunAggregationQuery(ctx context.Context, req *wire.RunAggregationQueryRequest) (*wire.RunAggregationQueryResponse, error) {
	at, _, echo, err := d.readSelector(ctx, req.Transaction, req.NewTransaction, req.ReadTime)
	if err != nil {
		return nil, err
	}
	parent, err := d.relative(req.Parent)
	if err != nil {
		return nil, err
	}
	readTime := at
	if readTime.IsZero() {
		readTime = d.store.Now()
	}
	result, err := d.engine.Aggregate(ctx, parent, req.Query, at)
	if err != nil {
		return nil, err
	}
	return &wire.RunAggregationQueryResponse{
		Result:      result,
		ReadTime:    timestamppb.New(readTime),
		Transaction: echo,
	}, nil
}

// Listen implements domain.Database.
func (d *Database) Listen(ctx context.Context) (domain.ListenStream, error) {
	return d.broadcaster.OpenStream(ctx)
}

// RunTransaction implements domain.Database. The body runs with a fresh
// attempt per conflict, up to the attempt cap; only Aborted retries.
func (d *Database) RunTransaction(ctx context.Context, fn func(context.Context, domain.Txn) error, opts ...domain.TxnOption) error {
	o := domain.TxnOptions{MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	wireOpts := &wire.TransactionOptions{}
	if o.ReadOnly {
		ro := &wire.ReadOnlyOptions{}
		if !o.ReadTime.IsZero() {
			ro.ReadTime = timestamppb.New(o.ReadTime)
		}
		wireOpts.ReadOnly = ro
	}

	var lastErr error
	var prev []byte
	for attempt := 0; attempt < o.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.ReadOnly {
			wireOpts.ReadWrite = &wire.ReadWriteOptions{RetryTransaction: prev}
		}
		tx, err := d.transactions.Begin(ctx, wireOpts)
		if err != nil {
			return err
		}
		h := &txnHandle{db: d, tx: tx}
		if err := fn(ctx, h); err != nil {
			_ = d.transactions.Rollback(ctx, tx)
			return err
		}
		if o.ReadOnly && len(h.writes) > 0 {
			_ = d.transactions.Rollback(ctx, tx)
			return domain.Errorf(domain.InvalidArgument, "read-only transaction cannot write")
		}
		_, err = d.transactions.Commit(ctx, tx, h.writes)
		if err == nil {
			return nil
		}
		if !domain.IsCode(err, domain.Aborted) {
			return err
		}
		lastErr = err
		prev = tx.ID()
	}
	return lastErr
}

// GetDocument implements domain.Database.
func (d *Database) GetDocument(ctx context.Context, path string) (*domain.MetaDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := d.relative(path)
	if err != nil {
		return nil, err
	}
	return d.store.GetDoc(rel, timeZero)
}

// SetDocument implements domain.Database.
func (d *Database) SetDocument(ctx context.Context, path string, data any, opts ...domain.SetOption) (*wire.WriteResult, error) {
	rel, err := d.relative(path)
	if err != nil {
		return nil, err
	}
	var o domain.SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	w, err := d.buildSetWrite(rel, data, o)
	if err != nil {
		return nil, err
	}
	return d.applyOne(ctx, w)
}

// UpdateDocument implements domain.Database.
func (d *Database) UpdateDocument(ctx context.Context, path string, data map[string]any) (*wire.WriteResult, error) {
	rel, err := d.relative(path)
	if err != nil {
		return nil, err
	}
	w, err := d.buildUpdateWrite(rel, data)
	if err != nil {
		return nil, err
	}
	return d.applyOne(ctx, w)
}

// DeleteDocument implements domain.Database.
func (d *Database) DeleteDocument(ctx context.Context, path string) (*wire.WriteResult, error) {
	rel, err := d.relative(path)
	if err != nil {
		return nil, err
	}
	return d.applyOne(ctx, &wire.Write{Delete: rel})
}

func (d *Database) applyOne(ctx context.Context, w *wire.Write) (*wire.WriteResult, error) {
	result, err := d.store.Commit(ctx, []*wire.Write{w}, domain.CommitTransactional)
	if err != nil {
		return nil, err
	}
	return result.WriteResults[0], nil
}

// RegisterChangeWatcher implements domain.Database.
func (d *Database) RegisterChangeWatcher(w domain.ChangeWatcher) func() {
	return d.store.RegisterChangeWatcher(w)
}

// Reset implements domain.Database.
func (d *Database) Reset(ctx context.Context) error {
	return d.store.Reset(ctx)
}

// WaitListeners implements domain.Database.
func (d *Database) WaitListeners(ctx context.Context) error {
	return d.broadcaster.WaitIdle(ctx)
}

// ImportFixtures implements domain.Database.
func (d *Database) ImportFixtures(ctx context.Context, r io.Reader, format domain.FixtureFormat) (int, error) {
	return d.loader.Import(ctx, r, format)
}

// ExportFixtures implements domain.Database.
func (d *Database) ExportFixtures(ctx context.Context, w io.Writer) (int, error) {
	return d.loader.Export(ctx, w)
}

// ClearPaths implements domain.Database.
func (d *Database) ClearPaths(ctx context.Context, pattern string) (int, error) {
	return d.loader.ClearPaths(ctx, pattern)
}

func (d *Database) wireDocument(doc *domain.MetaDocument) *wire.Document {
	return &wire.Document{
		Name:       d.fullName(doc.Path),
		Fields:     doc.Fields,
		CreateTime: timestamppb.New(doc.CreateTime),
		UpdateTime: timestamppb.New(doc.UpdateTime),
	}
}
