// Package seed moves documents between the store and fixture streams, for
// test setup and state inspection.
//
// Fixtures are records of path plus native field values, either one JSON
// object per line or a YAML document stream. An import applies as a single
// commit, so listeners observe one change set.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dolmen-go/contextio"
	"gopkg.in/yaml.v3"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/wire"
)

// Record is one fixture document.
type Record struct {
	Path   string         `json:"path" yaml:"path"`
	Fields map[string]any `json:"fields" yaml:"fields"`
}

// Loader implements fixture import, export and glob deletion against a
// store.
type Loader struct {
	store        domain.Store
	serializer   domain.Serializer
	pathResolver domain.PathResolver
}

// NewLoader returns a Loader bound to the given store and codec.
func NewLoader(store domain.Store, serializer domain.Serializer, pathResolver domain.PathResolver) *Loader {
	return &Loader{
		store:        store,
		serializer:   serializer,
		pathResolver: pathResolver,
	}
}

// Import reads fixture records and commits them as full-document sets.
// Returns the number of records applied.
func (l *Loader) Import(ctx context.Context, r io.Reader, format domain.FixtureFormat) (int, error) {
	records, err := l.decode(ctx, r, format)
	if err != nil {
		return 0, err
	}
	writes := make([]*wire.Write, 0, len(records))
	for _, rec := range records {
		p, err := l.pathResolver.ParseDocument(rec.Path)
		if err != nil {
			return 0, err
		}
		enc, err := l.serializer.EncodeDocument(rec.Fields)
		if err != nil {
			return 0, err
		}
		writes = append(writes, &wire.Write{
			Update: &wire.Document{Name: p.String(), Fields: enc.Fields},
		})
	}
	if len(writes) == 0 {
		return 0, nil
	}
	if _, err := l.store.Commit(ctx, writes, domain.CommitTransactional); err != nil {
		return 0, err
	}
	return len(writes), nil
}

func (l *Loader) decode(ctx context.Context, r io.Reader, format domain.FixtureFormat) ([]*Record, error) {
	cr := contextio.NewReader(ctx, r)
	var records []*Record
	switch format {
	case domain.FixtureJSONLines:
		dec := json.NewDecoder(cr)
		for {
			rec := &Record{}
			if err := dec.Decode(rec); err != nil {
				if errors.Is(err, io.EOF) {
					return records, nil
				}
				return nil, domain.Errorf(domain.InvalidArgument, "malformed fixture stream: %v", err)
			}
			records = append(records, rec)
		}
	case domain.FixtureYAML:
		dec := yaml.NewDecoder(cr)
		for {
			rec := &Record{}
			if err := dec.Decode(rec); err != nil {
				if errors.Is(err, io.EOF) {
					return records, nil
				}
				return nil, domain.Errorf(domain.InvalidArgument, "malformed fixture stream: %v", err)
			}
			records = append(records, rec)
		}
	default:
		return nil, domain.Errorf(domain.InvalidArgument, "unknown fixture format")
	}
}

// Export writes every existing document as one JSON line, in path order.
// Returns the number of records written.
func (l *Loader) Export(ctx context.Context, w io.Writer) (int, error) {
	docs, err := l.store.Candidates("", "", true, time.Time{})
	if err != nil {
		return 0, err
	}
	cw := contextio.NewWriter(ctx, w)
	enc := json.NewEncoder(cw)
	for n, doc := range docs {
		fields, err := l.serializer.DecodeFields(doc.Fields)
		if err != nil {
			return n, err
		}
		if err := enc.Encode(&Record{Path: doc.Path, Fields: fields}); err != nil {
			return n, err
		}
	}
	return len(docs), nil
}

// ClearPaths deletes every existing document whose path matches the glob
// pattern, in one commit. Returns the number of documents deleted.
func (l *Loader) ClearPaths(ctx context.Context, pattern string) (int, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, domain.Errorf(domain.InvalidArgument, "malformed glob pattern %q", pattern)
	}
	docs, err := l.store.Candidates("", "", true, time.Time{})
	if err != nil {
		return 0, err
	}
	var writes []*wire.Write
	for _, doc := range docs {
		ok, err := doublestar.Match(pattern, doc.Path)
		if err != nil {
			return 0, domain.Errorf(domain.InvalidArgument, "malformed glob pattern %q", pattern)
		}
		if ok {
			writes = append(writes, &wire.Write{Delete: doc.Path})
		}
	}
	if len(writes) == 0 {
		return 0, nil
	}
	if _, err := l.store.Commit(ctx, writes, domain.CommitTransactional); err != nil {
		return 0, err
	}
	return len(writes), nil
}
