// Package store contains the default [domain.Store] implementation: an
// in-memory versioned document store.
//
// Every mutation publishes a fresh immutable [domain.MetaDocument] linked to
// the prior state, so reads at a past time walk the version chain instead of
// locking writers out for long. An ordered path index backs collection and
// collection-group scans.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vinicius-lino-figueiredo/bst"
	"github.com/vinicius-lino-figueiredo/bst/adapter/unbalanced"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/comparer"
	"github.com/mementodb/memento/internal/adapter/fieldpath"
	"github.com/mementodb/memento/internal/adapter/pathcache"
	"github.com/mementodb/memento/internal/adapter/timegetter"
	"github.com/mementodb/memento/pkg/wire"
)

// entry is the mutable head slot for one document path. The entry itself is
// interned in the path index once and updated in place under the store lock.
type entry struct {
	path string
	head *domain.MetaDocument
}

type watcher struct {
	id int
	fn domain.ChangeWatcher
}

type resetListener struct {
	id int
	fn func()
}

// Store implements domain.Store.
type Store struct {
	timeGetter     domain.TimeGetter
	pathResolver   domain.PathResolver
	fieldNavigator domain.FieldNavigator
	comparer       domain.Comparer

	mu           sync.RWMutex
	docs         map[string]*entry
	tree         bst.BST[string, *entry]
	treeComparer bst.Comparer[string, *entry]
	version      int64
	lastCommit   time.Time

	nextID   int
	watchers []watcher
	resetFns []resetListener
}

// NewStore returns a new implementation of domain.Store.
func NewStore(options ...domain.StoreOption) domain.Store {
	opts := domain.StoreOptions{
		TimeGetter:     timegetter.NewTimeGetter(),
		PathResolver:   pathcache.NewResolver(),
		FieldNavigator: fieldpath.NewNavigator(),
		Comparer:       comparer.NewComparer(),
	}
	for _, option := range options {
		option(&opts)
	}
	treeComparer := pathComparer{}
	return &Store{
		timeGetter:     opts.TimeGetter,
		pathResolver:   opts.PathResolver,
		fieldNavigator: opts.FieldNavigator,
		comparer:       opts.Comparer,
		docs:           map[string]*entry{},
		tree:           unbalanced.NewBST[string, *entry](true, 1, treeComparer),
		treeComparer:   treeComparer,
	}
}

// pathComparer adapts comparePaths to the bst.Comparer the path index needs.
type pathComparer struct{}

// CompareKeys implements bst.Comparer.
func (pathComparer) CompareKeys(a, b string) (int, error) {
	return comparePaths(a, b), nil
}

// CompareValues implements bst.Comparer.
func (pathComparer) CompareValues(a, b *entry) (bool, error) {
	return a == b, nil
}

// comparePaths orders slash paths segment by segment, so "a/b" sorts before
// "a/b/c/d" and before "a/c".
func comparePaths(a, b string) int {
	return slices.Compare(strings.Split(a, "/"), strings.Split(b, "/"))
}

// GetDoc implements domain.Store.
func (s *Store) GetDoc(path string, at time.Time) (*domain.MetaDocument, error) {
	p, err := s.pathResolver.ParseDocument(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[p.String()]
	if !ok {
		return missingDoc(p.String()), nil
	}
	state := e.head
	if !at.IsZero() {
		state = e.head.StateAt(at)
	}
	if state == nil {
		return missingDoc(p.String()), nil
	}
	return state, nil
}

func missingDoc(path string) *domain.MetaDocument {
	return &domain.MetaDocument{Path: path, Exists: false}
}

// staged is the in-flight state of one path while a batch applies. Later
// writes to the same path in the same batch see the earlier staged state.
type staged struct {
	base       *domain.MetaDocument // pre-batch head, nil if never written
	exists     bool
	fields     map[string]*wire.Value
	createTime time.Time
	order      int
}

// Commit implements domain.Store.
func (s *Store) Commit(ctx context.Context, writes []*wire.Write, mode domain.CommitMode) (*domain.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	serverTime := s.nextCommitTimeLocked()
	stage := map[string]*staged{}

	load := func(path string) *staged {
		if st, ok := stage[path]; ok {
			return st
		}
		st := &staged{order: len(stage)}
		if e, ok := s.docs[path]; ok {
			st.base = e.head
			if e.head.Exists {
				st.exists = true
				st.fields = wire.CloneFields(e.head.Fields)
				st.createTime = e.head.CreateTime
			}
		}
		stage[path] = st
		return st
	}

	// Preconditions always compare against the pre-batch state, even when
	// an earlier write in the same batch touched the path.
	validate := func(w *wire.Write) (string, error) {
		path, err := s.writePath(w)
		if err != nil {
			return "", err
		}
		var base *domain.MetaDocument
		if e, ok := s.docs[path]; ok {
			base = e.head
		}
		if err := checkPrecondition(w.CurrentDocument, base); err != nil {
			return "", err
		}
		return path, nil
	}

	if mode == domain.CommitTransactional {
		for _, w := range writes {
			if _, err := validate(w); err != nil {
				return nil, err
			}
		}
	}

	results := make([]*wire.WriteResult, len(writes))
	writeErrors := make([]error, len(writes))
	for i, w := range writes {
		path, err := validate(w)
		if err != nil {
			// Transactional mode already validated; only batch mode
			// reaches this with an error.
			writeErrors[i] = err
			results[i] = &wire.WriteResult{}
			continue
		}
		st := load(path)
		transformResults, err := s.applyWrite(w, st, serverTime)
		if err != nil {
			if mode == domain.CommitTransactional {
				return nil, err
			}
			writeErrors[i] = err
			results[i] = &wire.WriteResult{}
			continue
		}
		results[i] = &wire.WriteResult{
			UpdateTime:       timestamppb.New(serverTime),
			TransformResults: transformResults,
		}
	}

	changed := s.publishLocked(stage, serverTime)
	result := &domain.CommitResult{
		ServerTime:   serverTime,
		WriteResults: results,
		WriteErrors:  writeErrors,
		Changed:      changed,
	}
	if len(changed) > 0 {
		cs := &domain.ChangeSet{ServerTime: serverTime, Docs: changed}
		for _, w := range s.watchers {
			w.fn(cs)
		}
	}
	return result, nil
}

// publishLocked turns staged states into new immutable versions, in the
// order the paths were first touched by the batch.
func (s *Store) publishLocked(stage map[string]*staged, serverTime time.Time) []*domain.MetaDocument {
	paths := make([]string, 0, len(stage))
	for p := range stage {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, func(a, b string) int {
		return stage[a].order - stage[b].order
	})

	var changed []*domain.MetaDocument
	for _, path := range paths {
		st := stage[path]
		wasThere := st.base != nil && st.base.Exists
		if !st.exists && !wasThere {
			// Deleting a missing document is a no-op, not a new version.
			continue
		}
		s.version++
		doc := &domain.MetaDocument{
			Path:       path,
			Exists:     st.exists,
			Fields:     st.fields,
			Version:    s.version,
			CreateTime: st.createTime,
			UpdateTime: serverTime,
			ServerTime: serverTime,
			Previous:   st.base,
		}
		e, ok := s.docs[path]
		if !ok {
			e = &entry{path: path}
			s.docs[path] = e
			_ = s.tree.Insert(path, e)
		}
		e.head = doc
		changed = append(changed, doc)
	}
	return changed
}

// writePath validates the shape of a write and returns its canonical
// document path.
func (s *Store) writePath(w *wire.Write) (string, error) {
	switch {
	case w == nil:
		return "", domain.Errorf(domain.InvalidArgument, "missing write")
	case w.Delete != "" && w.Update != nil:
		return "", domain.Errorf(domain.InvalidArgument, "write sets both update and delete")
	case w.Delete != "":
		if len(w.Transforms) > 0 {
			return "", domain.Errorf(domain.InvalidArgument, "delete write cannot carry transforms")
		}
		p, err := s.pathResolver.ParseDocument(w.Delete)
		if err != nil {
			return "", err
		}
		return p.String(), nil
	case w.Update != nil:
		p, err := s.pathResolver.ParseDocument(w.Update.Name)
		if err != nil {
			return "", err
		}
		return p.String(), nil
	default:
		return "", domain.Errorf(domain.InvalidArgument, "write sets neither update nor delete")
	}
}

func checkPrecondition(p *wire.Precondition, base *domain.MetaDocument) error {
	if p == nil {
		return nil
	}
	if p.Exists != nil && p.UpdateTime != nil {
		return domain.Errorf(domain.InvalidArgument, "precondition sets both exists and update time")
	}
	exists := base != nil && base.Exists
	if p.Exists != nil {
		if *p.Exists && !exists {
			return domain.Errorf(domain.NotFound, "no document to update")
		}
		if !*p.Exists && exists {
			return domain.Errorf(domain.AlreadyExists, "document already exists")
		}
		return nil
	}
	if p.UpdateTime != nil {
		if !exists {
			return domain.Errorf(domain.FailedPrecondition, "no document to compare update time against")
		}
		if !base.UpdateTime.Equal(p.UpdateTime.AsTime()) {
			return domain.Errorf(domain.FailedPrecondition, "stored update time does not match precondition")
		}
	}
	return nil
}

// applyWrite mutates the staged state and returns the transform results in
// transform order. Transforms run after the field portion of the same write.
func (s *Store) applyWrite(w *wire.Write, st *staged, serverTime time.Time) ([]*wire.Value, error) {
	if w.Delete != "" {
		st.exists = false
		st.fields = nil
		st.createTime = time.Time{}
		return nil, nil
	}

	transformOnly := w.Update.Fields == nil && w.UpdateMask == nil && len(w.Transforms) > 0
	ensure := func() {
		if !st.exists {
			st.exists = true
			st.fields = map[string]*wire.Value{}
			st.createTime = serverTime
		}
	}

	switch {
	case transformOnly:
		ensure()
	case w.UpdateMask != nil:
		ensure()
		for _, fp := range w.UpdateMask.FieldPaths {
			parts, err := s.fieldNavigator.Split(fp)
			if err != nil {
				return nil, err
			}
			if v, ok := s.fieldNavigator.Get(w.Update.Fields, parts); ok {
				s.fieldNavigator.Set(st.fields, parts, v.Clone())
			} else {
				s.fieldNavigator.Delete(st.fields, parts)
			}
		}
	default:
		st.exists = true
		st.fields = wire.CloneFields(w.Update.Fields)
		if st.fields == nil {
			st.fields = map[string]*wire.Value{}
		}
		if st.base == nil || !st.base.Exists {
			st.createTime = serverTime
		}
	}

	if len(w.Transforms) == 0 {
		return nil, nil
	}
	out := make([]*wire.Value, len(w.Transforms))
	for i, ft := range w.Transforms {
		parts, err := s.fieldNavigator.Split(ft.FieldPath)
		if err != nil {
			return nil, err
		}
		cur, _ := s.fieldNavigator.Get(st.fields, parts)
		stored, result, err := s.applyTransform(ft, cur, serverTime)
		if err != nil {
			return nil, err
		}
		s.fieldNavigator.Set(st.fields, parts, stored)
		out[i] = result
	}
	return out, nil
}

func (s *Store) applyTransform(ft *wire.FieldTransform, cur *wire.Value, serverTime time.Time) (stored, result *wire.Value, err error) {
	switch ft.Type {
	case wire.TransformServerTimestamp:
		v := wire.Time(serverTime)
		return v, v, nil
	case wire.TransformIncrement:
		v := increment(cur, ft.Operand)
		return v, v, nil
	case wire.TransformMaximum:
		v := pickExtreme(cur, ft.Operand, s.comparer, true)
		return v, v, nil
	case wire.TransformMinimum:
		v := pickExtreme(cur, ft.Operand, s.comparer, false)
		return v, v, nil
	case wire.TransformArrayUnion:
		return s.arrayUnion(cur, ft.Elements), wire.Null(), nil
	case wire.TransformArrayRemove:
		return s.arrayRemove(cur, ft.Elements), wire.Null(), nil
	default:
		return nil, nil, domain.Errorf(domain.Unimplemented, "transform %q on field %s is not supported", ft.Type, ft.FieldPath)
	}
}

// increment adds the operand to the stored number. A missing or non-numeric
// stored value behaves as zero; integer overflow saturates.
func increment(cur, operand *wire.Value) *wire.Value {
	if cur == nil || !cur.IsNumber() {
		return operand.Clone()
	}
	if cur.Kind == wire.NaNKind || operand.Kind == wire.NaNKind {
		return wire.NaN()
	}
	if cur.Kind == wire.IntegerKind && operand.Kind == wire.IntegerKind {
		return wire.Int(saturatingAdd(cur.Integer, operand.Integer))
	}
	return wire.Double(cur.Float() + operand.Float())
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if b > 0 && sum < a {
		return 1<<63 - 1
	}
	if b < 0 && sum > a {
		return -1 << 63
	}
	return sum
}

// pickExtreme keeps the larger (or smaller) of the stored number and the
// operand; a non-numeric stored value is replaced by the operand.
func pickExtreme(cur, operand *wire.Value, cmp domain.Comparer, max bool) *wire.Value {
	if cur == nil || !cur.IsNumber() {
		return operand.Clone()
	}
	d := cmp.Compare(cur, operand)
	if (max && d >= 0) || (!max && d <= 0) {
		return cur
	}
	return operand.Clone()
}

func (s *Store) arrayUnion(cur *wire.Value, elements []*wire.Value) *wire.Value {
	var out []*wire.Value
	if cur != nil && cur.Kind == wire.ArrayKind {
		out = slices.Clone(cur.Values)
	}
	for _, e := range elements {
		found := slices.ContainsFunc(out, func(v *wire.Value) bool {
			return s.comparer.Equal(v, e)
		})
		if !found {
			out = append(out, e.Clone())
		}
	}
	return wire.Array(out...)
}

func (s *Store) arrayRemove(cur *wire.Value, elements []*wire.Value) *wire.Value {
	var out []*wire.Value
	if cur != nil && cur.Kind == wire.ArrayKind {
		for _, v := range cur.Values {
			remove := slices.ContainsFunc(elements, func(e *wire.Value) bool {
				return s.comparer.Equal(v, e)
			})
			if !remove {
				out = append(out, v)
			}
		}
	}
	return wire.Array(out...)
}

// Candidates implements domain.Store.
func (s *Store) Candidates(parent string, collectionID string, allDescendants bool, at time.Time) ([]*domain.MetaDocument, error) {
	if parent != "" {
		p, err := s.pathResolver.ParseDocument(parent)
		if err != nil {
			return nil, err
		}
		parent = p.String()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MetaDocument
	prefix := ""
	if parent != "" {
		prefix = parent + "/"
	}
	for e := range s.tree.GetAll() {
		if prefix != "" && !strings.HasPrefix(e.path, prefix) {
			continue
		}
		rel := strings.Split(strings.TrimPrefix(e.path, prefix), "/")
		if !inScope(rel, collectionID, allDescendants) {
			continue
		}
		state := e.head
		if !at.IsZero() {
			state = e.head.StateAt(at)
		}
		if state != nil && state.Exists {
			out = append(out, state)
		}
	}
	return out, nil
}

// inScope reports whether a document with the given parent-relative segments
// belongs to the selected collection. With allDescendants, the document's
// immediate collection anywhere under the parent must carry the id; an empty
// id matches every descendant.
func inScope(rel []string, collectionID string, allDescendants bool) bool {
	if allDescendants {
		if collectionID == "" {
			return true
		}
		return len(rel) >= 2 && rel[len(rel)-2] == collectionID
	}
	return len(rel) == 2 && rel[0] == collectionID
}

// RegisterChangeWatcher implements domain.Store.
func (s *Store) RegisterChangeWatcher(w domain.ChangeWatcher) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers = append(s.watchers, watcher{id: id, fn: w})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers = slices.DeleteFunc(s.watchers, func(x watcher) bool { return x.id == id })
	}
}

// RegisterResetListener implements domain.Store.
func (s *Store) RegisterResetListener(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.resetFns = append(s.resetFns, resetListener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.resetFns = slices.DeleteFunc(s.resetFns, func(x resetListener) bool { return x.id == id })
	}
}

// Reset implements domain.Store. The version counter keeps counting across
// resets so versions stay strictly increasing for the process lifetime.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = map[string]*entry{}
	s.tree = unbalanced.NewBST[string, *entry](true, 1, s.treeComparer)
	for _, r := range s.resetFns {
		r.fn()
	}
	return nil
}

// Now implements domain.Store.
func (s *Store) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.timeGetter.GetTime().Truncate(time.Microsecond)
	if t.Before(s.lastCommit) {
		return s.lastCommit
	}
	return t
}

// nextCommitTimeLocked stamps a commit: wall clock truncated to the stored
// granularity, nudged forward so consecutive commits never share a time.
func (s *Store) nextCommitTimeLocked() time.Time {
	t := s.timeGetter.GetTime().Truncate(time.Microsecond)
	if !t.After(s.lastCommit) {
		t = s.lastCommit.Add(time.Microsecond)
	}
	s.lastCommit = t
	return t
}
