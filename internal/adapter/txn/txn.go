// Package txn contains the default [domain.TransactionManager]
// implementation: optimistic transactions validated against document
// versions at commit time.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/ctxsync"
	"github.com/mementodb/memento/pkg/wire"
)

// Transaction implements domain.Transaction.
type Transaction struct {
	id       []byte
	readOnly bool
	readTime time.Time

	mu     sync.Mutex
	status domain.TxnStatus
	// reads maps document path to the version first observed inside the
	// transaction. Zero marks a document read as missing.
	reads map[string]int64
}

// ID implements domain.Transaction.
func (t *Transaction) ID() []byte { return t.id }

// ReadOnly implements domain.Transaction.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// ReadTime implements domain.Transaction.
func (t *Transaction) ReadTime() time.Time { return t.readTime }

// Status implements domain.Transaction.
func (t *Transaction) Status() domain.TxnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RegisterRead implements domain.Transaction. The first observed version of
// a path wins; re-reads inside the same transaction do not widen the window.
func (t *Transaction) RegisterRead(doc *domain.MetaDocument) {
	if t.readOnly || doc == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != domain.TxnActive {
		return
	}
	if _, ok := t.reads[doc.Path]; !ok {
		t.reads[doc.Path] = doc.Version
	}
}

func (t *Transaction) finish(status domain.TxnStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

// Manager implements domain.TransactionManager.
type Manager struct {
	store domain.Store

	// commitGate serializes read-write commits. User code can run for an
	// arbitrarily long time between Begin and Commit, so the gate is
	// context-aware rather than a plain mutex.
	commitGate *ctxsync.Mutex

	mu     sync.Mutex
	active map[string]*Transaction
}

// NewManager returns a new implementation of domain.TransactionManager
// backed by the given store.
func NewManager(store domain.Store) domain.TransactionManager {
	return &Manager{
		store:      store,
		commitGate: ctxsync.NewMutex(),
		active:     map[string]*Transaction{},
	}
}

// Begin implements domain.TransactionManager.
func (m *Manager) Begin(ctx context.Context, opts *wire.TransactionOptions) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts != nil && opts.ReadOnly != nil && opts.ReadWrite != nil {
		return nil, domain.Errorf(domain.InvalidArgument, "transaction options set both read-only and read-write modes")
	}
	t := &Transaction{
		status: domain.TxnActive,
		reads:  map[string]int64{},
	}
	switch {
	case opts != nil && opts.ReadOnly != nil:
		t.readOnly = true
		t.readTime = m.store.Now()
		if rt := opts.ReadOnly.ReadTime; rt != nil {
			t.readTime = rt.AsTime()
		}
	default:
		t.readTime = m.store.Now()
		if opts != nil && opts.ReadWrite != nil && len(opts.ReadWrite.RetryTransaction) > 0 {
			// A retry token abandons the previous attempt if it is
			// still around.
			if prev, err := m.Get(opts.ReadWrite.RetryTransaction); err == nil {
				_ = m.Rollback(ctx, prev)
			}
		}
	}
	id := uuid.New()
	t.id = id[:]

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[string(t.id)] = t
	return t, nil
}

// Get implements domain.TransactionManager.
func (m *Manager) Get(id []byte) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[string(id)]
	if !ok {
		return nil, domain.Errorf(domain.NotFound, "unknown transaction")
	}
	return t, nil
}

// Commit implements domain.TransactionManager. The read set is validated and
// the writes applied while no other transaction can commit, so a successful
// commit saw no concurrent writes to anything it read.
func (m *Manager) Commit(ctx context.Context, tx domain.Transaction, writes []*wire.Write) (*domain.CommitResult, error) {
	t, ok := tx.(*Transaction)
	if !ok {
		return nil, domain.Errorf(domain.InvalidArgument, "foreign transaction handle")
	}
	if t.Status() != domain.TxnActive {
		return nil, domain.Errorf(domain.FailedPrecondition, "transaction is no longer active")
	}
	if t.readOnly {
		if len(writes) > 0 {
			return nil, domain.Errorf(domain.InvalidArgument, "read-only transaction cannot write")
		}
		m.remove(t, domain.TxnCommitted)
		return &domain.CommitResult{ServerTime: m.store.Now()}, nil
	}

	if err := m.commitGate.LockWithContext(ctx); err != nil {
		return nil, err
	}
	defer m.commitGate.Unlock()
	for path, version := range t.reads {
		cur, err := m.store.GetDoc(path, time.Time{})
		if err != nil {
			return nil, err
		}
		if cur.Version != version {
			m.remove(t, domain.TxnAborted)
			return nil, domain.Errorf(domain.Aborted, "transaction conflict on %s", path)
		}
	}
	result, err := m.store.Commit(ctx, writes, domain.CommitTransactional)
	if err != nil {
		m.remove(t, domain.TxnAborted)
		return nil, err
	}
	m.remove(t, domain.TxnCommitted)
	return result, nil
}

// Rollback implements domain.TransactionManager.
func (m *Manager) Rollback(ctx context.Context, tx domain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, ok := tx.(*Transaction)
	if !ok {
		return domain.Errorf(domain.InvalidArgument, "foreign transaction handle")
	}
	m.remove(t, domain.TxnAborted)
	return nil
}

func (m *Manager) remove(t *Transaction, status domain.TxnStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(t, status)
}

func (m *Manager) removeLocked(t *Transaction, status domain.TxnStatus) {
	t.finish(status)
	delete(m.active, string(t.id))
}
