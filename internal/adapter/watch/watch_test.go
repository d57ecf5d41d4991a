package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/query"
	"github.com/mementodb/memento/internal/adapter/store"
	"github.com/mementodb/memento/pkg/wire"
)

const databaseName = "projects/p/databases/d"

type F = map[string]*wire.Value

type WatchTestSuite struct {
	suite.Suite
	ctx         context.Context
	store       domain.Store
	broadcaster domain.Broadcaster
}

func (s *WatchTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewStore()
	s.broadcaster = NewBroadcaster(
		s.store,
		query.NewEngine(s.store),
		databaseName,
		domain.WithBroadcasterWatermarkDelay(0),
	)
}

func (s *WatchTestSuite) TearDownTest() {
	s.Require().NoError(s.broadcaster.Close())
}

func (s *WatchTestSuite) set(path string, fields F) {
	_, err := s.store.Commit(s.ctx, []*wire.Write{
		{Update: &wire.Document{Name: path, Fields: fields}},
	}, domain.CommitTransactional)
	s.Require().NoError(err)
}

func (s *WatchTestSuite) delete(path string) {
	_, err := s.store.Commit(s.ctx, []*wire.Write{{Delete: path}}, domain.CommitTransactional)
	s.Require().NoError(err)
}

// drain waits for the dispatcher to go idle and returns the buffered events.
func (s *WatchTestSuite) drain(stream domain.ListenStream) []*wire.ListenResponse {
	s.Require().NoError(s.broadcaster.WaitIdle(s.ctx))
	var out []*wire.ListenResponse
	for {
		select {
		case r := <-stream.Events():
			out = append(out, r)
		default:
			return out
		}
	}
}

func queryTarget(collectionID string) *wire.Target {
	return &wire.Target{Query: &wire.QueryTarget{
		Parent: databaseName + "/documents",
		Query: &wire.StructuredQuery{
			From: []*wire.CollectionSelector{{CollectionID: collectionID}},
		},
	}}
}

func (s *WatchTestSuite) TestAddTargetSequence() {
	s.set("cities/sf", F{"name": wire.String("SF")})

	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(queryTarget("cities")))

	events := s.drain(stream)
	s.Require().Len(events, 4)

	s.Equal(wire.TargetAdd, events[0].TargetChange.Kind)
	s.Equal([]int32{1}, events[0].TargetChange.TargetIDs)

	change := events[1].DocumentChange
	s.Require().NotNil(change)
	s.Equal(wire.ChangeAdded, change.Kind)
	s.Equal(databaseName+"/documents/cities/sf", change.Document.Name)
	s.Equal(-1, change.OldIndex)
	s.Equal(0, change.NewIndex)

	s.Equal(wire.TargetCurrent, events[2].TargetChange.Kind)
	s.Equal(wire.TargetNoChange, events[3].TargetChange.Kind)
	s.Empty(events[3].TargetChange.TargetIDs)
}

func (s *WatchTestSuite) TestQueryParentResolution() {
	s.set("cities/sf", F{"name": wire.String("SF")})

	s.Run("bare documents root", func() {
		stream, err := s.broadcaster.OpenStream(s.ctx)
		s.Require().NoError(err)
		defer stream.Close()
		s.Require().NoError(stream.AddTarget(queryTarget("cities")))

		events := s.drain(stream)
		s.Require().NotEmpty(events)
		s.Equal(wire.TargetAdd, events[0].TargetChange.Kind)
	})
	s.Run("foreign database", func() {
		stream, err := s.broadcaster.OpenStream(s.ctx)
		s.Require().NoError(err)
		defer stream.Close()
		s.Require().NoError(stream.AddTarget(&wire.Target{Query: &wire.QueryTarget{
			Parent: "projects/other/databases/d/documents",
			Query: &wire.StructuredQuery{
				From: []*wire.CollectionSelector{{CollectionID: "cities"}},
			},
		}}))

		events := s.drain(stream)
		s.Require().Len(events, 1)
		s.Equal(wire.TargetRemove, events[0].TargetChange.Kind)
		s.Equal(domain.InvalidArgument, domain.CodeOf(events[0].TargetChange.Cause))
	})
}

func (s *WatchTestSuite) TestCommitEmitsDiffs() {
	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(queryTarget("cities")))
	s.drain(stream)

	s.set("cities/sf", F{"v": wire.Int(1)})
	events := s.drain(stream)
	s.Require().Len(events, 3)
	s.Equal(wire.ChangeAdded, events[0].DocumentChange.Kind)
	s.Equal(wire.TargetCurrent, events[1].TargetChange.Kind)
	s.Equal([]int32{1}, events[1].TargetChange.TargetIDs)
	s.Require().NotNil(events[1].TargetChange.ReadTime)
	s.Equal(wire.TargetNoChange, events[2].TargetChange.Kind)

	s.set("cities/sf", F{"v": wire.Int(2)})
	events = s.drain(stream)
	s.Require().Len(events, 3)
	s.Equal(wire.ChangeModified, events[0].DocumentChange.Kind)
	s.Equal(0, events[0].DocumentChange.OldIndex)
	s.Equal(0, events[0].DocumentChange.NewIndex)
	s.Equal(wire.TargetCurrent, events[1].TargetChange.Kind)

	s.delete("cities/sf")
	events = s.drain(stream)
	s.Require().Len(events, 3)
	del := events[0].DocumentDelete
	s.Require().NotNil(del)
	s.Equal(databaseName+"/documents/cities/sf", del.Document)
	s.Equal(0, del.OldIndex)
	s.Equal(wire.TargetCurrent, events[1].TargetChange.Kind)
}

func (s *WatchTestSuite) TestUnchangedCommitOnlyMovesWatermark() {
	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(queryTarget("cities")))
	s.drain(stream)

	s.set("countries/jp", F{"name": wire.String("Japan")})
	events := s.drain(stream)
	s.Require().Len(events, 1)
	s.Equal(wire.TargetNoChange, events[0].TargetChange.Kind)
}

func (s *WatchTestSuite) TestLimitWindowEviction() {
	s.set("cities/a", F{"pop": wire.Int(1)})
	s.set("cities/b", F{"pop": wire.Int(2)})

	target := &wire.Target{Query: &wire.QueryTarget{
		Parent: databaseName + "/documents",
		Query: &wire.StructuredQuery{
			From:    []*wire.CollectionSelector{{CollectionID: "cities"}},
			OrderBy: []*wire.Order{{FieldPath: "pop", Direction: wire.Ascending}},
			Limit:   2,
		},
	}}

	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(target))
	s.drain(stream)

	// A smaller newcomer pushes the largest member out of the window.
	s.set("cities/c", F{"pop": wire.Int(0)})
	events := s.drain(stream)
	s.Require().Len(events, 4)

	del := events[0].DocumentDelete
	s.Require().NotNil(del)
	s.Equal(databaseName+"/documents/cities/b", del.Document)
	s.Equal(1, del.OldIndex)

	change := events[1].DocumentChange
	s.Require().NotNil(change)
	s.Equal(wire.ChangeAdded, change.Kind)
	s.Equal(databaseName+"/documents/cities/c", change.Document.Name)
	s.Equal(0, change.NewIndex)

	s.Equal(wire.TargetCurrent, events[2].TargetChange.Kind)
	s.Equal(wire.TargetNoChange, events[3].TargetChange.Kind)
}

func (s *WatchTestSuite) TestDocumentsTarget() {
	s.set("users/alice", F{"v": wire.Int(1)})

	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(&wire.Target{
		Documents: &wire.DocumentsTarget{Documents: []string{
			databaseName + "/documents/users/alice",
			databaseName + "/documents/users/bob",
		}},
	}))

	events := s.drain(stream)
	s.Require().Len(events, 4)
	s.Equal(wire.ChangeAdded, events[1].DocumentChange.Kind)

	// Only the subscribed names matter; other documents stay silent.
	s.set("users/carol", F{"v": wire.Int(1)})
	events = s.drain(stream)
	s.Require().Len(events, 1)
	s.Equal(wire.TargetNoChange, events[0].TargetChange.Kind)

	s.set("users/bob", F{"v": wire.Int(1)})
	events = s.drain(stream)
	s.Require().Len(events, 3)
	s.Equal(wire.ChangeAdded, events[0].DocumentChange.Kind)
	s.Equal(databaseName+"/documents/users/bob", events[0].DocumentChange.Document.Name)
	s.Equal(wire.TargetCurrent, events[1].TargetChange.Kind)
}

func (s *WatchTestSuite) TestTargetIDAssignment() {
	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()

	s.Run("server ids increment", func() {
		s.Require().NoError(stream.AddTarget(queryTarget("a")))
		s.Require().NoError(stream.AddTarget(queryTarget("b")))
		events := s.drain(stream)
		s.Equal([]int32{1}, events[0].TargetChange.TargetIDs)
		s.Equal([]int32{2}, events[3].TargetChange.TargetIDs)
	})
	s.Run("mixed ids are removed with a cause", func() {
		mixed := queryTarget("c")
		mixed.ID = 7
		s.Require().NoError(stream.AddTarget(mixed))
		events := s.drain(stream)
		s.Require().Len(events, 1)
		s.Equal(wire.TargetRemove, events[0].TargetChange.Kind)
		s.Equal([]int32{7}, events[0].TargetChange.TargetIDs)
		s.Equal(domain.InvalidArgument, domain.CodeOf(events[0].TargetChange.Cause))
	})
	s.Run("exactly one of query or documents", func() {
		s.Error(stream.AddTarget(&wire.Target{}))
	})
}

func (s *WatchTestSuite) TestDuplicateClientIDRejected() {
	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()

	first := queryTarget("a")
	first.ID = 5
	dup := queryTarget("b")
	dup.ID = 5
	s.Require().NoError(stream.AddTarget(first))
	s.Require().NoError(stream.AddTarget(dup))

	events := s.drain(stream)
	last := events[len(events)-1].TargetChange
	s.Require().NotNil(last)
	s.Equal(wire.TargetRemove, last.Kind)
	s.Equal(domain.InvalidArgument, domain.CodeOf(last.Cause))
}

func (s *WatchTestSuite) TestRemoveTargetSilences() {
	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(queryTarget("cities")))
	s.drain(stream)

	s.Require().NoError(stream.RemoveTarget(1))
	s.set("cities/sf", F{"v": wire.Int(1)})

	events := s.drain(stream)
	s.Require().Len(events, 1)
	s.Equal(wire.TargetNoChange, events[0].TargetChange.Kind)
}

func (s *WatchTestSuite) TestResetEmitsTargetReset() {
	s.set("cities/sf", F{"v": wire.Int(1)})

	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	defer stream.Close()
	s.Require().NoError(stream.AddTarget(queryTarget("cities")))
	s.drain(stream)

	s.Require().NoError(s.store.Reset(s.ctx))
	events := s.drain(stream)
	s.Require().Len(events, 3)
	s.Equal(wire.TargetReset, events[0].TargetChange.Kind)
	s.Equal(wire.TargetCurrent, events[1].TargetChange.Kind)
	s.Equal(wire.TargetNoChange, events[2].TargetChange.Kind)
}

func (s *WatchTestSuite) TestCloseClosesEvents() {
	stream, err := s.broadcaster.OpenStream(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(stream.Close())
	s.Require().NoError(s.broadcaster.WaitIdle(s.ctx))

	select {
	case _, ok := <-stream.Events():
		s.False(ok)
	case <-time.After(time.Second):
		s.Fail("events channel did not close")
	}
}

func (s *WatchTestSuite) TestContextCancelClosesStream() {
	ctx, cancel := context.WithCancel(s.ctx)
	stream, err := s.broadcaster.OpenStream(ctx)
	s.Require().NoError(err)

	cancel()
	select {
	case _, ok := <-stream.Events():
		s.False(ok)
	case <-time.After(time.Second):
		s.Fail("events channel did not close")
	}
}

func TestWatchTestSuite(t *testing.T) {
	suite.Run(t, new(WatchTestSuite))
}
