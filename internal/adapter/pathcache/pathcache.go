// Package pathcache contains the default [domain.PathResolver]
// implementation: parsed paths are immutable, cached by raw string, and
// linked to cached parents so repeated Parent calls are reference-stable.
package pathcache

import (
	"regexp"
	"strings"
	"sync"

	"github.com/mementodb/memento/domain"
)

// MaxSegmentBytes is the UTF-8 byte limit per path segment.
const MaxSegmentBytes = 1500

var reservedSegment = regexp.MustCompile(`^__.*__$`)

// Path implements domain.Path.
type Path struct {
	raw      string
	segments []string
	parent   *Path
}

// String implements domain.Path.
func (p *Path) String() string { return p.raw }

// Segments implements domain.Path.
func (p *Path) Segments() []string { return p.segments }

// IsRoot implements domain.Path.
func (p *Path) IsRoot() bool { return len(p.segments) == 0 }

// IsCollection implements domain.Path.
func (p *Path) IsCollection() bool { return len(p.segments)%2 == 1 }

// IsDocument implements domain.Path.
func (p *Path) IsDocument() bool {
	return len(p.segments) > 0 && len(p.segments)%2 == 0
}

// Parent implements domain.Path. The root's parent is the root itself.
func (p *Path) Parent() domain.Path {
	if p.parent == nil {
		return p
	}
	return p.parent
}

// ID implements domain.Path.
func (p *Path) ID() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Resolver implements domain.PathResolver.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*Path
	root  *Path
}

// NewResolver returns a new implementation of domain.PathResolver.
func NewResolver() domain.PathResolver {
	root := &Path{raw: "", segments: nil}
	return &Resolver{
		cache: map[string]*Path{"": root},
		root:  root,
	}
}

// Parse implements domain.PathResolver.
func (r *Resolver) Parse(raw string) (domain.Path, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parseLocked(raw)
}

// ParseDocument implements domain.PathResolver.
func (r *Resolver) ParseDocument(raw string) (domain.Path, error) {
	p, err := r.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !p.IsDocument() {
		return nil, domain.Errorf(domain.InvalidArgument, "path %q is not a document path", raw)
	}
	return p, nil
}

// ParseCollection implements domain.PathResolver.
func (r *Resolver) ParseCollection(raw string) (domain.Path, error) {
	p, err := r.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !p.IsCollection() {
		return nil, domain.Errorf(domain.InvalidArgument, "path %q is not a collection path", raw)
	}
	return p, nil
}

func (r *Resolver) parseLocked(raw string) (*Path, error) {
	if p, ok := r.cache[raw]; ok {
		return p, nil
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		// "/"-only input normalizes to the root.
		r.cache[raw] = r.root
		return r.root, nil
	}
	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if err := checkSegment(raw, seg); err != nil {
			return nil, err
		}
	}
	p := r.build(segments)
	r.cache[raw] = p
	return p, nil
}

// build interns a path and all its ancestors, reusing cached entries.
func (r *Resolver) build(segments []string) *Path {
	if len(segments) == 0 {
		return r.root
	}
	joined := strings.Join(segments, "/")
	if p, ok := r.cache[joined]; ok {
		return p
	}
	p := &Path{
		raw:      joined,
		segments: segments,
		parent:   r.build(segments[:len(segments)-1]),
	}
	r.cache[joined] = p
	return p
}

func checkSegment(raw, seg string) error {
	switch {
	case seg == "":
		return domain.Errorf(domain.InvalidArgument, "path %q contains an empty segment", raw)
	case seg == "." || seg == "..":
		return domain.Errorf(domain.InvalidArgument, "path %q contains the relative segment %q", raw, seg)
	case reservedSegment.MatchString(seg):
		return domain.Errorf(domain.InvalidArgument, "path %q uses the reserved segment %q", raw, seg)
	case len(seg) > MaxSegmentBytes:
		return domain.Errorf(domain.InvalidArgument, "path %q has a segment longer than %d bytes", raw, MaxSegmentBytes)
	}
	return nil
}
