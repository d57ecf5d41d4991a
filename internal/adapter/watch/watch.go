// Package watch contains the default [domain.Broadcaster] implementation:
// the fan-out from store commits to listen streams.
//
// A single dispatch goroutine runs every job (commit notification, target
// add and remove, reset, watermark) in order, so all streams observe commits
// in the same sequence and snapshot bookkeeping needs no further locking.
package watch

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/ctxsync"
	"github.com/mementodb/memento/pkg/wire"
)

// DefaultWatermarkDelay debounces the global no-change watermark after a
// burst of commits.
const DefaultWatermarkDelay = 100 * time.Millisecond

const eventBuffer = 128

// Broadcaster implements domain.Broadcaster.
type Broadcaster struct {
	store        domain.Store
	engine       domain.QueryEngine
	databaseName string
	delay        time.Duration

	mu        sync.Mutex
	streams   map[string]*Stream
	jobs      []func()
	closed    bool
	watermark *time.Timer

	// commitSeq is the high-water mark of dispatched commits. Owned by
	// the dispatch goroutine, like all target state.
	commitSeq int64

	wake    chan struct{}
	done    chan struct{}
	pending *ctxsync.Pending

	unwatch func()
	unreset func()
}

// NewBroadcaster returns a new implementation of domain.Broadcaster wired to
// the given store and query engine. databaseName is the resource name used
// to qualify document names in emitted events.
func NewBroadcaster(store domain.Store, engine domain.QueryEngine, databaseName string, options ...domain.BroadcasterOption) domain.Broadcaster {
	opts := domain.BroadcasterOptions{WatermarkDelay: DefaultWatermarkDelay}
	for _, option := range options {
		option(&opts)
	}
	b := &Broadcaster{
		store:        store,
		engine:       engine,
		databaseName: databaseName,
		delay:        opts.WatermarkDelay,
		streams:      map[string]*Stream{},
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		pending:      ctxsync.NewPending(),
	}
	b.unwatch = store.RegisterChangeWatcher(func(cs *domain.ChangeSet) {
		b.enqueue(func() { b.dispatchCommit(cs) })
	})
	b.unreset = store.RegisterResetListener(func() {
		b.enqueue(b.dispatchReset)
	})
	go b.run()
	return b
}

func (b *Broadcaster) enqueue(job func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.jobs = append(b.jobs, job)
	b.pending.Add(1)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) run() {
	for {
		select {
		case <-b.done:
			b.drain()
			for _, s := range b.orderedStreams() {
				s.closeNow()
			}
			return
		case <-b.wake:
			b.drain()
		}
	}
}

func (b *Broadcaster) drain() {
	for {
		b.mu.Lock()
		if len(b.jobs) == 0 {
			b.mu.Unlock()
			return
		}
		job := b.jobs[0]
		b.jobs = b.jobs[1:]
		b.mu.Unlock()
		job()
		b.pending.Done()
	}
}

// OpenStream implements domain.Broadcaster.
func (b *Broadcaster) OpenStream(ctx context.Context) (domain.ListenStream, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.Errorf(domain.FailedPrecondition, "broadcaster is closed")
	}
	s := &Stream{
		b:      b,
		id:     ulid.Make().String(),
		events: make(chan *wire.ListenResponse, eventBuffer),
		closed: make(chan struct{}),
	}
	b.streams[s.id] = s
	b.mu.Unlock()

	glog.V(2).Infof("listen stream %s opened", s.id)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.closed:
			}
		}()
	}
	return s, nil
}

// WaitIdle implements domain.Broadcaster.
func (b *Broadcaster) WaitIdle(ctx context.Context) error {
	return b.pending.WaitWithContext(ctx)
}

// Close implements domain.Broadcaster. Remaining jobs drain before the
// streams close.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.watermark != nil {
		b.watermark.Stop()
	}
	b.mu.Unlock()

	b.unwatch()
	b.unreset()
	close(b.done)
	return nil
}

func (b *Broadcaster) removeStream(s *Stream) {
	b.mu.Lock()
	delete(b.streams, s.id)
	b.mu.Unlock()
}

// orderedStreams returns the open streams in a stable order so every commit
// fans out deterministically.
func (b *Broadcaster) orderedStreams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, c *Stream) int { return strings.Compare(a.id, c.id) })
	return out
}

// dispatchCommit recomputes every target snapshot at the commit time and
// emits the reconciliation. A target whose membership changed increments its
// consistency counter and receives a CURRENT signal with the commit time;
// afterwards the watermark is armed.
func (b *Broadcaster) dispatchCommit(cs *domain.ChangeSet) {
	b.commitSeq++
	readTime := timestamppb.New(cs.ServerTime)
	for _, s := range b.orderedStreams() {
		for _, t := range s.targets {
			changed := b.refreshTarget(s, t, cs.ServerTime)
			t.seenSeq = b.commitSeq
			t.readTime = cs.ServerTime
			if !changed {
				continue
			}
			t.counter++
			s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
				Kind:      wire.TargetCurrent,
				TargetIDs: []int32{t.id},
				ReadTime:  readTime,
			}})
		}
	}
	b.armWatermark(cs.ServerTime)
}

// dispatchReset tells every target to drop its state; snapshots restart
// empty because the store is empty after a reset.
func (b *Broadcaster) dispatchReset() {
	now := b.store.Now()
	for _, s := range b.orderedStreams() {
		for _, t := range s.targets {
			t.snapshot = nil
			t.seenSeq = b.commitSeq
			t.readTime = now
			s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
				Kind:      wire.TargetReset,
				TargetIDs: []int32{t.id},
			}})
			s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
				Kind:      wire.TargetCurrent,
				TargetIDs: []int32{t.id},
				ReadTime:  timestamppb.New(now),
			}})
		}
		s.sendWatermark(now)
	}
}

// armWatermark schedules the debounced global no-change message. A zero
// delay emits it inline with the commit dispatch.
func (b *Broadcaster) armWatermark(at time.Time) {
	if b.delay <= 0 {
		b.emitWatermark(at)
		return
	}
	b.mu.Lock()
	if b.watermark != nil {
		b.watermark.Stop()
	}
	b.watermark = time.AfterFunc(b.delay, func() {
		b.enqueue(func() { b.emitWatermark(b.store.Now()) })
	})
	b.mu.Unlock()
}

// emitWatermark sends the global no-change signal to every stream whose
// targets have all caught up to the commit high-water mark, carrying the
// maximum read time across them.
func (b *Broadcaster) emitWatermark(at time.Time) {
	for _, s := range b.orderedStreams() {
		max := at
		behind := false
		for _, t := range s.targets {
			if t.seenSeq != b.commitSeq {
				behind = true
				break
			}
			if t.readTime.After(max) {
				max = t.readTime
			}
		}
		if behind {
			continue
		}
		s.sendWatermark(max)
	}
}

// refreshTarget recomputes one target's snapshot at the given time, emits
// the diff against the previous snapshot and reports whether membership
// changed.
func (b *Broadcaster) refreshTarget(s *Stream, t *targetState, at time.Time) bool {
	newSnap, err := b.snapshot(t, at)
	if err != nil {
		glog.Warningf("listen stream %s target %d: %v", s.id, t.id, err)
		s.removeTargetState(t, err)
		return false
	}
	readTime := timestamppb.New(at)
	diffs := Diff(t.snapshot, newSnap)
	for _, d := range diffs {
		switch d.Kind {
		case wire.ChangeRemoved:
			s.send(&wire.ListenResponse{DocumentDelete: &wire.DocumentDelete{
				Document:  b.fullName(d.Doc.Path),
				TargetIDs: []int32{t.id},
				ReadTime:  readTime,
				OldIndex:  d.OldIndex,
			}})
		default:
			s.send(&wire.ListenResponse{DocumentChange: &wire.DocumentChange{
				Kind:      d.Kind,
				Document:  b.wireDocument(d.Doc),
				TargetIDs: []int32{t.id},
				OldIndex:  d.OldIndex,
				NewIndex:  d.NewIndex,
			}})
		}
	}
	t.snapshot = newSnap
	return len(diffs) > 0
}

// snapshot evaluates a target's result set at one point in time.
func (b *Broadcaster) snapshot(t *targetState, at time.Time) ([]SnapEntry, error) {
	if t.query != nil {
		results, err := b.engine.Evaluate(context.Background(), t.parent, t.query, at)
		if err != nil {
			return nil, err
		}
		out := make([]SnapEntry, len(results))
		for i, r := range results {
			out[i] = SnapEntry{Path: r.Doc.Path, Version: r.Doc.Version, Doc: r.Doc}
		}
		return out, nil
	}
	var out []SnapEntry
	for _, path := range t.documents {
		doc, err := b.store.GetDoc(path, at)
		if err != nil {
			return nil, err
		}
		if doc.Exists {
			out = append(out, SnapEntry{Path: doc.Path, Version: doc.Version, Doc: doc})
		}
	}
	return out, nil
}

func (b *Broadcaster) fullName(path string) string {
	return b.databaseName + "/documents/" + path
}

// relativePath strips the database prefix from a resource name. The bare
// documents root maps to the empty path; names under a different database
// are rejected.
func (b *Broadcaster) relativePath(name string) (string, error) {
	root := b.databaseName + "/documents"
	switch {
	case name == root:
		return "", nil
	case strings.HasPrefix(name, root+"/"):
		return name[len(root)+1:], nil
	case strings.HasPrefix(name, "projects/"):
		return "", domain.Errorf(domain.InvalidArgument, "resource %q does not belong to %s", name, b.databaseName)
	default:
		// Already database-relative.
		return strings.Trim(name, "/"), nil
	}
}

func (b *Broadcaster) wireDocument(doc *domain.MetaDocument) *wire.Document {
	return &wire.Document{
		Name:       b.fullName(doc.Path),
		Fields:     doc.Fields,
		CreateTime: timestamppb.New(doc.CreateTime),
		UpdateTime: timestamppb.New(doc.UpdateTime),
	}
}

// Stream implements domain.ListenStream. All state mutation happens on the
// broadcaster's dispatch goroutine.
type Stream struct {
	b  *Broadcaster
	id string

	// Owned by the dispatch goroutine.
	targets      []*targetState
	clientChosen *bool
	nextServerID int32

	closed chan struct{}
	events chan *wire.ListenResponse
}

type targetState struct {
	id        int32
	parent    string
	query     *wire.StructuredQuery
	documents []string
	snapshot  []SnapEntry

	// counter increments once per commit that changed this target's
	// membership; seenSeq and readTime track how far the target has
	// caught up, gating the global watermark.
	counter  int64
	seenSeq  int64
	readTime time.Time
}

// AddTarget implements domain.ListenStream.
func (s *Stream) AddTarget(t *wire.Target) error {
	if t == nil || (t.Query == nil) == (t.Documents == nil) {
		return domain.Errorf(domain.InvalidArgument, "target must set exactly one of query or documents")
	}
	s.b.enqueue(func() { s.addTarget(t) })
	return nil
}

func (s *Stream) addTarget(t *wire.Target) {
	client := t.ID != 0
	if s.clientChosen != nil && *s.clientChosen != client {
		glog.Warningf("listen stream %s: mixed target id assignment", s.id)
		s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
			Kind:      wire.TargetRemove,
			TargetIDs: []int32{t.ID},
			Cause:     domain.Errorf(domain.InvalidArgument, "target ids must be all server-assigned or all client-chosen"),
		}})
		return
	}
	id := t.ID
	if !client {
		s.nextServerID++
		id = s.nextServerID
	} else if slices.ContainsFunc(s.targets, func(ts *targetState) bool { return ts.id == id }) {
		s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
			Kind:      wire.TargetRemove,
			TargetIDs: []int32{id},
			Cause:     domain.Errorf(domain.InvalidArgument, "duplicate target id"),
		}})
		return
	}

	ts := &targetState{id: id}
	var err error
	if t.Query != nil {
		ts.parent, err = s.b.relativePath(t.Query.Parent)
		ts.query = t.Query.Query
	} else {
		for _, name := range t.Documents.Documents {
			var rel string
			rel, err = s.b.relativePath(name)
			if err != nil {
				break
			}
			ts.documents = append(ts.documents, rel)
		}
		slices.Sort(ts.documents)
	}
	if err != nil {
		s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
			Kind:      wire.TargetRemove,
			TargetIDs: []int32{id},
			Cause:     err,
		}})
		return
	}

	s.clientChosen = &client
	s.targets = append(s.targets, ts)
	s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		Kind:      wire.TargetAdd,
		TargetIDs: []int32{id},
	}})

	now := s.b.store.Now()
	s.b.refreshTarget(s, ts, now)
	if !slices.Contains(s.targets, ts) {
		// The initial evaluation failed and removed the target.
		return
	}
	ts.seenSeq = s.b.commitSeq
	ts.readTime = now
	s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		Kind:      wire.TargetCurrent,
		TargetIDs: []int32{ts.id},
		ReadTime:  timestamppb.New(now),
	}})
	s.sendWatermark(now)
}

// RemoveTarget implements domain.ListenStream.
func (s *Stream) RemoveTarget(id int32) error {
	s.b.enqueue(func() {
		s.targets = slices.DeleteFunc(s.targets, func(ts *targetState) bool { return ts.id == id })
		if len(s.targets) == 0 {
			s.clientChosen = nil
		}
	})
	return nil
}

// removeTargetState drops a target after a failure, announcing the cause.
func (s *Stream) removeTargetState(t *targetState, cause error) {
	s.targets = slices.DeleteFunc(s.targets, func(ts *targetState) bool { return ts.id == t.id })
	s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		Kind:      wire.TargetRemove,
		TargetIDs: []int32{t.id},
		Cause:     cause,
	}})
}

// Events implements domain.ListenStream.
func (s *Stream) Events() <-chan *wire.ListenResponse { return s.events }

// Close implements domain.ListenStream. The event channel closes once the
// dispatch goroutine has drained the stream's remaining work.
func (s *Stream) Close() error {
	s.b.removeStream(s)
	s.b.enqueue(s.closeNow)
	return nil
}

// closeNow runs on the dispatch goroutine, like every send.
func (s *Stream) closeNow() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	close(s.events)
	glog.V(2).Infof("listen stream %s closed", s.id)
}

func (s *Stream) sendWatermark(at time.Time) {
	s.send(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		Kind:     wire.TargetNoChange,
		ReadTime: timestamppb.New(at),
	}})
}

// send never blocks the dispatch goroutine: a reader that stopped draining
// its channel loses messages rather than stalling every other stream.
func (s *Stream) send(r *wire.ListenResponse) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.events <- r:
	default:
		glog.Warningf("listen stream %s: event buffer full, dropping message", s.id)
	}
}
