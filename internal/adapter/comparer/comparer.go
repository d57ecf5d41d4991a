// Package comparer contains the default [domain.Comparer] implementation:
// the cross-type total order over wire values that queries, cursors and
// ordered scans rely on.
package comparer

import (
	"bytes"
	"cmp"
	"maps"
	"math/big"
	"slices"
	"strings"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/wire"
)

// Comparer implements domain.Comparer.
type Comparer struct{}

// NewComparer returns a new implementation of domain.Comparer.
func NewComparer() domain.Comparer {
	return &Comparer{}
}

// typeRank groups value kinds into the backend's cross-type sort order.
// NaN shares the number group but sorts before every number.
func typeRank(v *wire.Value) int {
	switch v.Kind {
	case wire.NullKind:
		return 0
	case wire.BooleanKind:
		return 1
	case wire.NaNKind, wire.IntegerKind, wire.DoubleKind:
		return 2
	case wire.TimestampKind:
		return 3
	case wire.StringKind:
		return 4
	case wire.BytesKind:
		return 5
	case wire.ReferenceKind:
		return 6
	case wire.GeoPointKind:
		return 7
	case wire.ArrayKind:
		return 8
	case wire.VectorKind:
		return 9
	case wire.MapKind:
		return 10
	}
	return 11
}

// Compare implements domain.Comparer.
func (c *Comparer) Compare(a, b *wire.Value) int {
	if ra, rb := typeRank(a), typeRank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch a.Kind {
	case wire.NullKind:
		return 0
	case wire.BooleanKind:
		return compareBools(a.Boolean, b.Boolean)
	case wire.NaNKind, wire.IntegerKind, wire.DoubleKind:
		return compareNumbers(a, b)
	case wire.TimestampKind:
		return a.AsTime().Compare(b.AsTime())
	case wire.StringKind:
		return strings.Compare(a.Str, b.Str)
	case wire.BytesKind:
		return bytes.Compare(a.Bytes, b.Bytes)
	case wire.ReferenceKind:
		return compareReferences(a.Str, b.Str)
	case wire.GeoPointKind:
		if d := cmp.Compare(a.GeoPoint.Latitude, b.GeoPoint.Latitude); d != 0 {
			return d
		}
		return cmp.Compare(a.GeoPoint.Longitude, b.GeoPoint.Longitude)
	case wire.ArrayKind:
		return c.compareArrays(a.Values, b.Values)
	case wire.VectorKind:
		return compareVectors(a.Vector, b.Vector)
	case wire.MapKind:
		return c.compareMaps(a.Fields, b.Fields)
	}
	return 0
}

// Equal implements domain.Comparer. Null and NaN are self-equal only;
// integers and doubles compare numerically without losing the kind
// distinction elsewhere.
func (c *Comparer) Equal(a, b *wire.Value) bool {
	if typeRank(a) != typeRank(b) {
		return false
	}
	return c.Compare(a, b) == 0
}

// SameOrderGroup implements domain.Comparer.
func (c *Comparer) SameOrderGroup(a, b *wire.Value) bool {
	return typeRank(a) == typeRank(b)
}

func compareBools(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func compareNumbers(a, b *wire.Value) int {
	// NaN sorts before every other number and equals only itself.
	if a.Kind == wire.NaNKind || b.Kind == wire.NaNKind {
		if a.Kind == b.Kind {
			return 0
		}
		if a.Kind == wire.NaNKind {
			return -1
		}
		return 1
	}
	if a.Kind == wire.IntegerKind && b.Kind == wire.IntegerKind {
		return cmp.Compare(a.Integer, b.Integer)
	}
	if a.Kind == wire.DoubleKind && b.Kind == wire.DoubleKind {
		return cmp.Compare(a.Double, b.Double)
	}
	// Mixed integer and double: exact comparison, no float64 rounding of
	// large int64 values.
	return asBig(a).Cmp(asBig(b))
}

func asBig(v *wire.Value) *big.Float {
	if v.Kind == wire.IntegerKind {
		return new(big.Float).SetInt64(v.Integer)
	}
	return big.NewFloat(v.Double)
}

// compareReferences orders resource names segment by segment, so a parent
// path sorts before its children.
func compareReferences(a, b string) int {
	return slices.Compare(strings.Split(a, "/"), strings.Split(b, "/"))
}

func (c *Comparer) compareArrays(a, b []*wire.Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if d := c.Compare(a[i], b[i]); d != 0 {
			return d
		}
	}
	return cmp.Compare(len(a), len(b))
}

// compareVectors orders by dimension count first, then element-wise.
func compareVectors(a, b []float64) int {
	if d := cmp.Compare(len(a), len(b)); d != 0 {
		return d
	}
	for i := range a {
		if d := cmp.Compare(a[i], b[i]); d != 0 {
			return d
		}
	}
	return 0
}

func (c *Comparer) compareMaps(a, b map[string]*wire.Value) int {
	ka := slices.Sorted(maps.Keys(a))
	kb := slices.Sorted(maps.Keys(b))
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if d := strings.Compare(ka[i], kb[i]); d != 0 {
			return d
		}
		if d := c.Compare(a[ka[i]], b[kb[i]]); d != 0 {
			return d
		}
	}
	return cmp.Compare(len(ka), len(kb))
}
