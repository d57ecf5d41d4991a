package gapic

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/wire"
)

type M = map[string]any

type DatabaseTestSuite struct {
	suite.Suite
	ctx context.Context
	db  domain.Database
}

func (s *DatabaseTestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := NewDatabase(domain.WithProjectID("p"), domain.WithDatabaseID("d"))
	s.Require().NoError(err)
	s.db = db
}

func (s *DatabaseTestSuite) TestName() {
	s.Equal("projects/p/databases/d", s.db.Name())

	db, err := NewDatabase()
	s.Require().NoError(err)
	s.Equal("projects/local-project/databases/(default)", db.Name())
}

func (s *DatabaseTestSuite) TestSetGetDelete() {
	res, err := s.db.SetDocument(s.ctx, "users/alice", M{"name": "alice", "age": 30})
	s.Require().NoError(err)
	s.NotNil(res.UpdateTime)

	doc, err := s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	s.True(doc.Exists)
	s.Equal("alice", doc.Fields["name"].Str)
	s.Equal(int64(30), doc.Fields["age"].Integer)

	// Full resource names address the same document.
	doc, err = s.db.GetDocument(s.ctx, "projects/p/databases/d/documents/users/alice")
	s.Require().NoError(err)
	s.True(doc.Exists)

	_, err = s.db.DeleteDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	doc, err = s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	s.False(doc.Exists)

	// Deleting again stays quiet.
	_, err = s.db.DeleteDocument(s.ctx, "users/alice")
	s.NoError(err)
}

func (s *DatabaseTestSuite) TestForeignDatabaseRejected() {
	_, err := s.db.GetDocument(s.ctx, "projects/other/databases/d/documents/users/alice")
	s.Equal(domain.InvalidArgument, domain.CodeOf(err))
}

func (s *DatabaseTestSuite) TestSetMerge() {
	_, err := s.db.SetDocument(s.ctx, "users/alice", M{"name": "alice", "age": 30})
	s.Require().NoError(err)

	s.Run("merge all keeps unmentioned fields", func() {
		_, err := s.db.SetDocument(s.ctx, "users/alice", M{"age": 31}, domain.MergeAll())
		s.Require().NoError(err)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.Equal("alice", doc.Fields["name"].Str)
		s.Equal(int64(31), doc.Fields["age"].Integer)
	})
	s.Run("merge all applies field deletes", func() {
		_, err := s.db.SetDocument(s.ctx, "users/alice", M{"age": domain.DeleteField}, domain.MergeAll())
		s.Require().NoError(err)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.NotContains(doc.Fields, "age")
	})
	s.Run("delete sentinel requires merge", func() {
		_, err := s.db.SetDocument(s.ctx, "users/alice", M{"age": domain.DeleteField})
		s.Equal(domain.InvalidArgument, domain.CodeOf(err))
	})
	s.Run("merge fields narrows the write", func() {
		_, err := s.db.SetDocument(s.ctx, "users/alice",
			M{"name": "overwritten", "city": "SF"}, domain.MergeFields("city"))
		s.Require().NoError(err)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.Equal("alice", doc.Fields["name"].Str)
		s.Equal("SF", doc.Fields["city"].Str)
	})
	s.Run("merge fields filters transforms", func() {
		_, err := s.db.SetDocument(s.ctx, "users/alice",
			M{"visits": domain.Increment(1), "other": domain.Increment(1)},
			domain.MergeFields("visits"))
		s.Require().NoError(err)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.Equal(int64(1), doc.Fields["visits"].Integer)
		s.NotContains(doc.Fields, "other")
	})
}

func (s *DatabaseTestSuite) TestUpdateDocument() {
	_, err := s.db.UpdateDocument(s.ctx, "users/alice", M{"age": 30})
	s.Equal(domain.NotFound, domain.CodeOf(err))

	_, err = s.db.SetDocument(s.ctx, "users/alice", M{
		"name":    "alice",
		"profile": M{"city": "SF", "zip": "94110"},
	})
	s.Require().NoError(err)

	s.Run("dot paths update leaves", func() {
		_, err := s.db.UpdateDocument(s.ctx, "users/alice", M{"profile.city": "LA"})
		s.Require().NoError(err)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.Equal("LA", doc.Fields["profile"].Fields["city"].Str)
		s.Equal("94110", doc.Fields["profile"].Fields["zip"].Str)
	})
	s.Run("map value replaces the subtree", func() {
		_, err := s.db.UpdateDocument(s.ctx, "users/alice", M{"profile": M{"city": "NY"}})
		s.Require().NoError(err)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.Equal("NY", doc.Fields["profile"].Fields["city"].Str)
		s.NotContains(doc.Fields["profile"].Fields, "zip")
	})
	s.Run("sentinels", func() {
		res, err := s.db.UpdateDocument(s.ctx, "users/alice", M{
			"visits":  domain.Increment(2),
			"seen":    domain.ServerTimestamp,
			"name":    domain.DeleteField,
			"tags":    domain.ArrayUnion("a"),
		})
		s.Require().NoError(err)
		s.Len(res.TransformResults, 3)
		doc, err := s.db.GetDocument(s.ctx, "users/alice")
		s.Require().NoError(err)
		s.Equal(int64(2), doc.Fields["visits"].Integer)
		s.Equal(wire.TimestampKind, doc.Fields["seen"].Kind)
		s.NotContains(doc.Fields, "name")
		s.Len(doc.Fields["tags"].Values, 1)
	})
	s.Run("empty update rejected", func() {
		_, err := s.db.UpdateDocument(s.ctx, "users/alice", M{})
		s.Equal(domain.InvalidArgument, domain.CodeOf(err))
	})
}

func (s *DatabaseTestSuite) TestCommit() {
	resp, err := s.db.Commit(s.ctx, &wire.CommitRequest{
		Database: s.db.Name(),
		Writes: []*wire.Write{
			{Update: &wire.Document{
				Name:   "projects/p/databases/d/documents/users/alice",
				Fields: map[string]*wire.Value{"v": wire.Int(1)},
			}},
			{Update: &wire.Document{
				Name:   "users/bob",
				Fields: map[string]*wire.Value{"v": wire.Int(2)},
			}},
		},
	})
	s.Require().NoError(err)
	s.Len(resp.WriteResults, 2)
	s.NotNil(resp.CommitTime)

	doc, err := s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	s.True(doc.Exists)
}

func (s *DatabaseTestSuite) TestBatchWrite() {
	resp, err := s.db.BatchWrite(s.ctx, &wire.BatchWriteRequest{
		Writes: []*wire.Write{
			{Update: &wire.Document{Name: "users/alice"}},
			{
				Update:          &wire.Document{Name: "users/bob"},
				CurrentDocument: wire.ExistsPrecondition(true),
			},
		},
	})
	s.Require().NoError(err)
	s.Require().Len(resp.Statuses, 2)
	s.NoError(resp.Statuses[0])
	s.Equal(domain.NotFound, domain.CodeOf(resp.Statuses[1]))

	doc, err := s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	s.True(doc.Exists)
}

func (s *DatabaseTestSuite) TestBatchGetDocuments() {
	_, err := s.db.SetDocument(s.ctx, "users/alice", M{"v": 1})
	s.Require().NoError(err)

	out, err := s.db.BatchGetDocuments(s.ctx, &wire.BatchGetRequest{
		Documents: []string{"users/bob", "users/alice"},
	})
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.Equal("projects/p/databases/d/documents/users/bob", out[0].Missing)
	s.Require().NotNil(out[1].Found)
	s.Equal("projects/p/databases/d/documents/users/alice", out[1].Found.Name)
	s.NotNil(out[0].ReadTime)
}

func (s *DatabaseTestSuite) TestBatchGetAtReadTime() {
	_, err := s.db.SetDocument(s.ctx, "users/alice", M{"v": 1})
	s.Require().NoError(err)
	old, err := s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	_, err = s.db.SetDocument(s.ctx, "users/alice", M{"v": 2})
	s.Require().NoError(err)

	out, err := s.db.BatchGetDocuments(s.ctx, &wire.BatchGetRequest{
		Documents: []string{"users/alice"},
		ReadTime:  timestamppb.New(old.UpdateTime),
	})
	s.Require().NoError(err)
	s.Require().NotNil(out[0].Found)
	s.Equal(int64(1), out[0].Found.Fields["v"].Integer)
}

func (s *DatabaseTestSuite) TestBatchGetNewTransaction() {
	_, err := s.db.SetDocument(s.ctx, "counters/c", M{"n": 1})
	s.Require().NoError(err)

	out, err := s.db.BatchGetDocuments(s.ctx, &wire.BatchGetRequest{
		Documents:      []string{"counters/c"},
		NewTransaction: &wire.TransactionOptions{ReadWrite: &wire.ReadWriteOptions{}},
	})
	s.Require().NoError(err)
	s.Require().NotEmpty(out[0].Transaction)

	_, err = s.db.Commit(s.ctx, &wire.CommitRequest{
		Transaction: out[0].Transaction,
		Writes: []*wire.Write{
			{Update: &wire.Document{Name: "counters/c", Fields: map[string]*wire.Value{"n": wire.Int(2)}}},
		},
	})
	s.Require().NoError(err)

	doc, err := s.db.GetDocument(s.ctx, "counters/c")
	s.Require().NoError(err)
	s.Equal(int64(2), doc.Fields["n"].Integer)
}

func (s *DatabaseTestSuite) TestBatchGetExclusiveSelectors() {
	_, err := s.db.BatchGetDocuments(s.ctx, &wire.BatchGetRequest{
		Documents:      []string{"users/alice"},
		ReadTime:       timestamppb.Now(),
		NewTransaction: &wire.TransactionOptions{},
	})
	s.Equal(domain.InvalidArgument, domain.CodeOf(err))
}

func (s *DatabaseTestSuite) TestBeginAndRollback() {
	resp, err := s.db.BeginTransaction(s.ctx, &wire.BeginTransactionRequest{})
	s.Require().NoError(err)
	s.NotEmpty(resp.Transaction)

	s.Require().NoError(s.db.Rollback(s.ctx, resp.Transaction))
	s.Equal(domain.NotFound, domain.CodeOf(s.db.Rollback(s.ctx, resp.Transaction)))
}

func (s *DatabaseTestSuite) seedCities() {
	for path, fields := range map[string]M{
		"cities/bj":  {"name": "Beijing", "population": 21_500_000},
		"cities/sf":  {"name": "San Francisco", "population": 860_000},
		"cities/tok": {"name": "Tokyo", "population": 13_900_000},
	} {
		_, err := s.db.SetDocument(s.ctx, path, fields)
		s.Require().NoError(err)
	}
}

func (s *DatabaseTestSuite) TestRunQuery() {
	s.seedCities()

	out, err := s.db.RunQuery(s.ctx, &wire.RunQueryRequest{
		Parent: "projects/p/databases/d/documents",
		Query: &wire.StructuredQuery{
			From:    []*wire.CollectionSelector{{CollectionID: "cities"}},
			OrderBy: []*wire.Order{{FieldPath: "population", Direction: wire.Descending}},
			Limit:   2,
		},
	})
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.Equal("projects/p/databases/d/documents/cities/bj", out[0].Document.Name)
	s.Equal("projects/p/databases/d/documents/cities/tok", out[1].Document.Name)
}

func (s *DatabaseTestSuite) TestRunQueryProjection() {
	s.seedCities()

	out, err := s.db.RunQuery(s.ctx, &wire.RunQueryRequest{
		Parent: "projects/p/databases/d/documents",
		Query: &wire.StructuredQuery{
			Select: []string{"name", "__name__"},
			From:   []*wire.CollectionSelector{{CollectionID: "cities"}},
		},
	})
	s.Require().NoError(err)
	s.Require().NotEmpty(out)
	for _, r := range out {
		s.Contains(r.Document.Fields, "name")
		s.NotContains(r.Document.Fields, "population")
	}
}

func (s *DatabaseTestSuite) TestRunQueryEmptyAndOffset() {
	s.seedCities()

	s.Run("empty result answers with read time", func() {
		out, err := s.db.RunQuery(s.ctx, &wire.RunQueryRequest{
			Parent: "projects/p/databases/d/documents",
			Query: &wire.StructuredQuery{
				From: []*wire.CollectionSelector{{CollectionID: "nothing"}},
			},
		})
		s.Require().NoError(err)
		s.Require().Len(out, 1)
		s.Nil(out[0].Document)
		s.NotNil(out[0].ReadTime)
	})
	s.Run("offset reports skipped results", func() {
		out, err := s.db.RunQuery(s.ctx, &wire.RunQueryRequest{
			Parent: "projects/p/databases/d/documents",
			Query: &wire.StructuredQuery{
				From:   []*wire.CollectionSelector{{CollectionID: "cities"}},
				Offset: 1,
			},
		})
		s.Require().NoError(err)
		s.Require().Len(out, 2)
		s.Equal(1, out[0].SkippedResults)
	})
}

func (s *DatabaseTestSuite) TestRunQueryDistanceResultField() {
	_, err := s.db.SetDocument(s.ctx, "vecs/a", M{"embedding": domain.Vector{1, 0}})
	s.Require().NoError(err)

	out, err := s.db.RunQuery(s.ctx, &wire.RunQueryRequest{
		Parent: "projects/p/databases/d/documents",
		Query: &wire.StructuredQuery{
			From: []*wire.CollectionSelector{{CollectionID: "vecs"}},
			FindNearest: &wire.FindNearest{
				VectorField:         "embedding",
				QueryVector:         []float64{1, 0},
				Measure:             wire.DistanceEuclidean,
				Limit:               1,
				DistanceResultField: "dist",
			},
		},
	})
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Equal(float64(0), out[0].Document.Fields["dist"].Double)

	// The stored document never grows the distance field.
	doc, err := s.db.GetDocument(s.ctx, "vecs/a")
	s.Require().NoError(err)
	s.NotContains(doc.Fields, "dist")
}

func (s *DatabaseTestSuite) TestRunAggregationQuery() {
	s.seedCities()

	resp, err := s.db.RunAggregationQuery(s.ctx, &wire.RunAggregationQueryRequest{
		Parent: "projects/p/databases/d/documents",
		Query: &wire.StructuredAggregationQuery{
			Query: &wire.StructuredQuery{
				From: []*wire.CollectionSelector{{CollectionID: "cities"}},
			},
			Aggregations: []*wire.Aggregation{
				{Alias: "n", Type: wire.AggregationCount},
				{Alias: "pop", Type: wire.AggregationSum, FieldPath: "population"},
			},
		},
	})
	s.Require().NoError(err)
	s.Equal(int64(3), resp.Result["n"].Integer)
	s.Equal(int64(36_260_000), resp.Result["pop"].Integer)
	s.NotNil(resp.ReadTime)
}

func (s *DatabaseTestSuite) TestRunTransaction() {
	_, err := s.db.SetDocument(s.ctx, "counters/c", M{"n": 1})
	s.Require().NoError(err)

	err = s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		doc, err := tx.Get(ctx, "counters/c")
		if err != nil {
			return err
		}
		n := doc.Fields["n"].Integer
		return tx.Set("counters/c", M{"n": n + 1})
	})
	s.Require().NoError(err)

	doc, err := s.db.GetDocument(s.ctx, "counters/c")
	s.Require().NoError(err)
	s.Equal(int64(2), doc.Fields["n"].Integer)
}

func (s *DatabaseTestSuite) TestRunTransactionRetriesOnConflict() {
	_, err := s.db.SetDocument(s.ctx, "counters/c", M{"n": 1})
	s.Require().NoError(err)

	attempts := 0
	err = s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		attempts++
		doc, err := tx.Get(ctx, "counters/c")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// A concurrent writer sneaks in between read and commit.
			if _, err := s.db.SetDocument(s.ctx, "counters/c", M{"n": 100}); err != nil {
				return err
			}
		}
		return tx.Set("counters/c", M{"n": doc.Fields["n"].Integer + 1})
	})
	s.Require().NoError(err)
	s.Equal(2, attempts)

	doc, err := s.db.GetDocument(s.ctx, "counters/c")
	s.Require().NoError(err)
	s.Equal(int64(101), doc.Fields["n"].Integer)
}

func (s *DatabaseTestSuite) TestRunTransactionAttemptCap() {
	_, err := s.db.SetDocument(s.ctx, "counters/c", M{"n": 0})
	s.Require().NoError(err)

	attempts := 0
	err = s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		attempts++
		doc, err := tx.Get(ctx, "counters/c")
		if err != nil {
			return err
		}
		// Every attempt loses the race.
		if _, err := s.db.SetDocument(s.ctx, "counters/c", M{"n": doc.Fields["n"].Integer + 1}); err != nil {
			return err
		}
		return tx.Set("counters/c", M{"n": -1})
	}, domain.WithMaxAttempts(3))
	s.Equal(domain.Aborted, domain.CodeOf(err))
	s.Equal(3, attempts)
}

func (s *DatabaseTestSuite) TestRunTransactionReadAfterWrite() {
	err := s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		if err := tx.Set("users/alice", M{"v": 1}); err != nil {
			return err
		}
		_, err := tx.Get(ctx, "users/alice")
		return err
	})
	s.Equal(domain.InvalidArgument, domain.CodeOf(err))
}

func (s *DatabaseTestSuite) TestRunTransactionBodyErrorRollsBack() {
	bodyErr := domain.Errorf(domain.Internal, "boom")
	err := s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		if err := tx.Set("users/alice", M{"v": 1}); err != nil {
			return err
		}
		return bodyErr
	})
	s.ErrorIs(err, bodyErr)

	doc, err := s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	s.False(doc.Exists)
}

func (s *DatabaseTestSuite) TestRunTransactionReadOnly() {
	_, err := s.db.SetDocument(s.ctx, "users/alice", M{"v": 1})
	s.Require().NoError(err)

	s.Run("reads pin to the snapshot", func() {
		err := s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
			doc, err := tx.Get(ctx, "users/alice")
			if err != nil {
				return err
			}
			s.Equal(int64(1), doc.Fields["v"].Integer)
			return nil
		}, domain.WithReadOnlyTxn(time.Time{}))
		s.NoError(err)
	})
	s.Run("writes rejected", func() {
		err := s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
			return tx.Set("users/alice", M{"v": 2})
		}, domain.WithReadOnlyTxn(time.Time{}))
		s.Equal(domain.InvalidArgument, domain.CodeOf(err))
	})
}

func (s *DatabaseTestSuite) TestTxnCreate() {
	_, err := s.db.SetDocument(s.ctx, "users/alice", M{"v": 1})
	s.Require().NoError(err)

	err = s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		return tx.Create("users/alice", M{"v": 2})
	})
	s.Equal(domain.AlreadyExists, domain.CodeOf(err))

	err = s.db.RunTransaction(s.ctx, func(ctx context.Context, tx domain.Txn) error {
		return tx.Create("users/bob", M{"v": 1})
	})
	s.NoError(err)
}

func (s *DatabaseTestSuite) TestFixtures() {
	in := strings.NewReader(`
		{"path": "users/alice", "fields": {"name": "alice"}}
		{"path": "users/bob", "fields": {"name": "bob"}}
	`)
	n, err := s.db.ImportFixtures(s.ctx, in, domain.FixtureJSONLines)
	s.Require().NoError(err)
	s.Equal(2, n)

	var out bytes.Buffer
	n, err = s.db.ExportFixtures(s.ctx, &out)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Contains(out.String(), "users/alice")

	n, err = s.db.ClearPaths(s.ctx, "users/*")
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *DatabaseTestSuite) TestResetAndWatchers() {
	var commits int
	defer s.db.RegisterChangeWatcher(func(*domain.ChangeSet) { commits++ })()

	_, err := s.db.SetDocument(s.ctx, "users/alice", M{"v": 1})
	s.Require().NoError(err)
	s.Equal(1, commits)

	s.Require().NoError(s.db.Reset(s.ctx))
	doc, err := s.db.GetDocument(s.ctx, "users/alice")
	s.Require().NoError(err)
	s.False(doc.Exists)

	s.Require().NoError(s.db.WaitListeners(s.ctx))
}

func TestDatabaseTestSuite(t *testing.T) {
	suite.Run(t, new(DatabaseTestSuite))
}
