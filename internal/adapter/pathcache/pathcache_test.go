package pathcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mementodb/memento/domain"
)

type PathcacheTestSuite struct {
	suite.Suite
	resolver domain.PathResolver
}

func (s *PathcacheTestSuite) SetupTest() {
	s.resolver = NewResolver()
}

func (s *PathcacheTestSuite) TestParseReturnsSameInstance() {
	a, err := s.resolver.Parse("users/alice")
	s.Require().NoError(err)
	b, err := s.resolver.Parse("users/alice")
	s.Require().NoError(err)
	s.Same(a, b)
}

func (s *PathcacheTestSuite) TestParentIsReferenceStable() {
	p, err := s.resolver.Parse("users/alice/orders/o1")
	s.Require().NoError(err)
	s.Same(p.Parent(), p.Parent())

	col, err := s.resolver.Parse("users/alice/orders")
	s.Require().NoError(err)
	s.Same(col, p.Parent())
}

func (s *PathcacheTestSuite) TestParity() {
	doc, err := s.resolver.Parse("users/alice")
	s.Require().NoError(err)
	s.True(doc.IsDocument())
	s.False(doc.IsCollection())
	s.Equal("alice", doc.ID())

	col, err := s.resolver.Parse("users")
	s.Require().NoError(err)
	s.True(col.IsCollection())
	s.False(col.IsDocument())

	_, err = s.resolver.ParseDocument("users")
	s.Error(err)
	s.Equal(domain.InvalidArgument, domain.CodeOf(err))

	_, err = s.resolver.ParseCollection("users/alice")
	s.Error(err)
}

func (s *PathcacheTestSuite) TestRootNormalization() {
	root, err := s.resolver.Parse("")
	s.Require().NoError(err)
	s.True(root.IsRoot())
	s.Same(root, root.Parent())

	slash, err := s.resolver.Parse("/")
	s.Require().NoError(err)
	s.Same(root, slash)
}

func (s *PathcacheTestSuite) TestTrimsSlashes() {
	a, err := s.resolver.Parse("/users/alice/")
	s.Require().NoError(err)
	b, err := s.resolver.Parse("users/alice")
	s.Require().NoError(err)
	s.Same(a, b)
	s.Equal("users/alice", a.String())
}

func (s *PathcacheTestSuite) TestInvalidSegments() {
	for _, raw := range []string{
		"users//alice",
		"users/.",
		"users/..",
		"users/__reserved__",
		"users/" + strings.Repeat("x", 1501),
	} {
		_, err := s.resolver.Parse(raw)
		s.Error(err, raw)
		s.Equal(domain.InvalidArgument, domain.CodeOf(err), raw)
	}
}

func (s *PathcacheTestSuite) TestSegments() {
	p, err := s.resolver.Parse("users/alice/orders/o1")
	s.Require().NoError(err)
	s.Equal([]string{"users", "alice", "orders", "o1"}, p.Segments())
}

func TestPathcacheTestSuite(t *testing.T) {
	suite.Run(t, new(PathcacheTestSuite))
}
