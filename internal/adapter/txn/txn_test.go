package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/store"
	"github.com/mementodb/memento/pkg/wire"
)

type TxnTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   domain.Store
	manager domain.TransactionManager
}

func (s *TxnTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewStore()
	s.manager = NewManager(s.store)
}

func (s *TxnTestSuite) set(path string, fields map[string]*wire.Value) *domain.MetaDocument {
	res, err := s.store.Commit(s.ctx, []*wire.Write{
		{Update: &wire.Document{Name: path, Fields: fields}},
	}, domain.CommitTransactional)
	s.Require().NoError(err)
	return res.Changed[0]
}

func (s *TxnTestSuite) TestBeginModes() {
	s.Run("default is read-write", func() {
		tx, err := s.manager.Begin(s.ctx, nil)
		s.Require().NoError(err)
		s.False(tx.ReadOnly())
		s.Len(tx.ID(), 16)
		s.Equal(domain.TxnActive, tx.Status())
	})
	s.Run("read only pins the given time", func() {
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		tx, err := s.manager.Begin(s.ctx, &wire.TransactionOptions{
			ReadOnly: &wire.ReadOnlyOptions{ReadTime: timestamppb.New(at)},
		})
		s.Require().NoError(err)
		s.True(tx.ReadOnly())
		s.True(tx.ReadTime().Equal(at))
	})
	s.Run("both modes rejected", func() {
		_, err := s.manager.Begin(s.ctx, &wire.TransactionOptions{
			ReadOnly:  &wire.ReadOnlyOptions{},
			ReadWrite: &wire.ReadWriteOptions{},
		})
		s.Equal(domain.InvalidArgument, domain.CodeOf(err))
	})
}

func (s *TxnTestSuite) TestCommitWithoutConflict() {
	doc := s.set("counters/c", map[string]*wire.Value{"n": wire.Int(1)})

	tx, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)
	tx.RegisterRead(doc)

	res, err := s.manager.Commit(s.ctx, tx, []*wire.Write{
		{Update: &wire.Document{Name: "counters/c", Fields: map[string]*wire.Value{"n": wire.Int(2)}}},
	})
	s.Require().NoError(err)
	s.Len(res.Changed, 1)
	s.Equal(domain.TxnCommitted, tx.Status())

	_, err = s.manager.Get(tx.ID())
	s.Equal(domain.NotFound, domain.CodeOf(err))
}

func (s *TxnTestSuite) TestConflictAborts() {
	doc := s.set("counters/c", map[string]*wire.Value{"n": wire.Int(1)})

	tx, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)
	tx.RegisterRead(doc)

	// A concurrent writer bumps the version after the read.
	s.set("counters/c", map[string]*wire.Value{"n": wire.Int(10)})

	_, err = s.manager.Commit(s.ctx, tx, []*wire.Write{
		{Update: &wire.Document{Name: "counters/c", Fields: map[string]*wire.Value{"n": wire.Int(2)}}},
	})
	s.Equal(domain.Aborted, domain.CodeOf(err))
	s.Equal(domain.TxnAborted, tx.Status())

	cur, err := s.store.GetDoc("counters/c", time.Time{})
	s.Require().NoError(err)
	s.Equal(int64(10), cur.Fields["n"].Integer)
}

func (s *TxnTestSuite) TestMissingReadConflictsWithCreate() {
	tx, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)

	missing, err := s.store.GetDoc("users/alice", time.Time{})
	s.Require().NoError(err)
	tx.RegisterRead(missing)

	s.set("users/alice", nil)

	_, err = s.manager.Commit(s.ctx, tx, nil)
	s.Equal(domain.Aborted, domain.CodeOf(err))
}

func (s *TxnTestSuite) TestFirstObservedVersionWins() {
	v1 := s.set("counters/c", map[string]*wire.Value{"n": wire.Int(1)})

	tx, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)
	tx.RegisterRead(v1)

	v2 := s.set("counters/c", map[string]*wire.Value{"n": wire.Int(2)})
	tx.RegisterRead(v2)

	_, err = s.manager.Commit(s.ctx, tx, nil)
	s.Equal(domain.Aborted, domain.CodeOf(err))
}

func (s *TxnTestSuite) TestReadOnlyRejectsWrites() {
	tx, err := s.manager.Begin(s.ctx, &wire.TransactionOptions{ReadOnly: &wire.ReadOnlyOptions{}})
	s.Require().NoError(err)

	_, err = s.manager.Commit(s.ctx, tx, []*wire.Write{
		{Update: &wire.Document{Name: "users/alice"}},
	})
	s.Equal(domain.InvalidArgument, domain.CodeOf(err))

	// Reads never register, so a trivial commit succeeds.
	tx2, err := s.manager.Begin(s.ctx, &wire.TransactionOptions{ReadOnly: &wire.ReadOnlyOptions{}})
	s.Require().NoError(err)
	_, err = s.manager.Commit(s.ctx, tx2, nil)
	s.NoError(err)
}

func (s *TxnTestSuite) TestCommitHonorsCanceledContext() {
	doc := s.set("counters/c", map[string]*wire.Value{"n": wire.Int(1)})

	tx, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)
	tx.RegisterRead(doc)

	canceled, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err = s.manager.Commit(canceled, tx, []*wire.Write{
		{Update: &wire.Document{Name: "counters/c", Fields: map[string]*wire.Value{"n": wire.Int(2)}}},
	})
	s.ErrorIs(err, context.Canceled)

	// Nothing was applied and the commit gate is free again.
	cur, err := s.store.GetDoc("counters/c", time.Time{})
	s.Require().NoError(err)
	s.Equal(int64(1), cur.Fields["n"].Integer)

	_, err = s.manager.Commit(s.ctx, tx, []*wire.Write{
		{Update: &wire.Document{Name: "counters/c", Fields: map[string]*wire.Value{"n": wire.Int(2)}}},
	})
	s.NoError(err)
}

func (s *TxnTestSuite) TestRollback() {
	tx, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.manager.Rollback(s.ctx, tx))
	s.Equal(domain.TxnAborted, tx.Status())

	_, err = s.manager.Commit(s.ctx, tx, nil)
	s.Equal(domain.FailedPrecondition, domain.CodeOf(err))
}

func (s *TxnTestSuite) TestRetryTokenAbandonsPrevious() {
	prev, err := s.manager.Begin(s.ctx, nil)
	s.Require().NoError(err)

	_, err = s.manager.Begin(s.ctx, &wire.TransactionOptions{
		ReadWrite: &wire.ReadWriteOptions{RetryTransaction: prev.ID()},
	})
	s.Require().NoError(err)

	s.Equal(domain.TxnAborted, prev.Status())
	_, err = s.manager.Get(prev.ID())
	s.Equal(domain.NotFound, domain.CodeOf(err))
}

func TestTxnTestSuite(t *testing.T) {
	suite.Run(t, new(TxnTestSuite))
}
