// Package wire defines the protocol-buffer-shaped value and request types
// exchanged at the GAPIC boundary. Values are a closed tagged union: every
// special document type (timestamp, geopoint, reference, vector) carries an
// explicit kind instead of being detected by shape.
package wire

import (
	"math"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Limits enforced at encode time.
const (
	// MaxVectorDimensions is the largest vector a document field may hold.
	MaxVectorDimensions = 2048
	// MaxMapDepth is the deepest map nesting allowed inside a document.
	// Arrays only count toward depth when they contain maps.
	MaxMapDepth = 20
	// MaxDocumentBytes is the serialized size limit for one document.
	MaxDocumentBytes = 1 << 20
)

// ValueKind tags the active variant of a [Value].
type ValueKind uint8

// The closed set of value variants, in type-order rank. The declaration
// order doubles as the cross-type sort order used by queries.
const (
	NullKind ValueKind = iota
	BooleanKind
	NaNKind
	IntegerKind
	DoubleKind
	TimestampKind
	StringKind
	BytesKind
	ReferenceKind
	GeoPointKind
	ArrayKind
	VectorKind
	MapKind
)

func (k ValueKind) String() string {
	switch k {
	case NullKind:
		return "null"
	case BooleanKind:
		return "boolean"
	case NaNKind:
		return "nan"
	case IntegerKind:
		return "integer"
	case DoubleKind:
		return "double"
	case TimestampKind:
		return "timestamp"
	case StringKind:
		return "string"
	case BytesKind:
		return "bytes"
	case ReferenceKind:
		return "reference"
	case GeoPointKind:
		return "geopoint"
	case ArrayKind:
		return "array"
	case VectorKind:
		return "vector"
	case MapKind:
		return "map"
	default:
		return "unknown"
	}
}

// LatLng is a geographic point.
type LatLng struct {
	Latitude  float64
	Longitude float64
}

// Value is one node of a document value tree. Exactly the field selected by
// Kind is meaningful; the rest stay zero. NaN doubles are normalized to
// NaNKind so equality and ordering can treat NaN as its own type.
type Value struct {
	Kind      ValueKind
	Boolean   bool
	Integer   int64
	Double    float64
	Timestamp *timestamppb.Timestamp
	Str       string // StringKind and ReferenceKind
	Bytes     []byte
	GeoPoint  *LatLng
	Values    []*Value          // ArrayKind
	Fields    map[string]*Value // MapKind
	Vector    []float64
}

// Null returns the null value.
func Null() *Value { return &Value{Kind: NullKind} }

// Bool returns a boolean value.
func Bool(b bool) *Value { return &Value{Kind: BooleanKind, Boolean: b} }

// Int returns an integer value. Integers never silently become doubles.
func Int(i int64) *Value { return &Value{Kind: IntegerKind, Integer: i} }

// Double returns a double value. NaN collapses to the NaN variant.
func Double(f float64) *Value {
	if math.IsNaN(f) {
		return &Value{Kind: NaNKind}
	}
	return &Value{Kind: DoubleKind, Double: f}
}

// NaN returns the not-a-number value.
func NaN() *Value { return &Value{Kind: NaNKind} }

// Time returns a timestamp value truncated to microsecond precision, the
// granularity the backend persists.
func Time(t time.Time) *Value {
	return &Value{Kind: TimestampKind, Timestamp: timestamppb.New(t.Truncate(time.Microsecond))}
}

// String returns a string value.
func String(s string) *Value { return &Value{Kind: StringKind, Str: s} }

// BytesVal returns a byte-array value.
func BytesVal(b []byte) *Value { return &Value{Kind: BytesKind, Bytes: b} }

// Reference returns a document-reference value holding a full resource name.
func Reference(name string) *Value { return &Value{Kind: ReferenceKind, Str: name} }

// GeoPoint returns a geographic point value.
func GeoPoint(lat, lng float64) *Value {
	return &Value{Kind: GeoPointKind, GeoPoint: &LatLng{Latitude: lat, Longitude: lng}}
}

// Array returns an array value.
func Array(vs ...*Value) *Value { return &Value{Kind: ArrayKind, Values: vs} }

// Map returns a map value.
func Map(fields map[string]*Value) *Value {
	if fields == nil {
		fields = map[string]*Value{}
	}
	return &Value{Kind: MapKind, Fields: fields}
}

// VectorVal returns a vector value.
func VectorVal(dims []float64) *Value { return &Value{Kind: VectorKind, Vector: dims} }

// IsNumber reports whether v is an integer, double or NaN.
func (v *Value) IsNumber() bool {
	return v.Kind == IntegerKind || v.Kind == DoubleKind || v.Kind == NaNKind
}

// Float returns the numeric value as a float64. NaN yields math.NaN().
func (v *Value) Float() float64 {
	switch v.Kind {
	case IntegerKind:
		return float64(v.Integer)
	case DoubleKind:
		return v.Double
	case NaNKind:
		return math.NaN()
	}
	return 0
}

// AsTime returns the timestamp as a time.Time.
func (v *Value) AsTime() time.Time { return v.Timestamp.AsTime() }

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := *v
	if v.Timestamp != nil {
		out.Timestamp = timestamppb.New(v.Timestamp.AsTime())
	}
	if v.GeoPoint != nil {
		gp := *v.GeoPoint
		out.GeoPoint = &gp
	}
	if v.Bytes != nil {
		out.Bytes = append([]byte(nil), v.Bytes...)
	}
	if v.Vector != nil {
		out.Vector = append([]float64(nil), v.Vector...)
	}
	if v.Values != nil {
		out.Values = make([]*Value, len(v.Values))
		for i, e := range v.Values {
			out.Values[i] = e.Clone()
		}
	}
	if v.Fields != nil {
		out.Fields = CloneFields(v.Fields)
	}
	return &out
}

// CloneFields deep-copies a document field map.
func CloneFields(fields map[string]*Value) map[string]*Value {
	if fields == nil {
		return nil
	}
	out := make(map[string]*Value, len(fields))
	for k, v := range fields {
		out[k] = v.Clone()
	}
	return out
}

// Size estimates the serialized byte size of v, mirroring how the backend
// charges document size. Close enough to police the 1 MiB limit.
func (v *Value) Size() int {
	if v == nil {
		return 0
	}
	switch v.Kind {
	case NullKind, BooleanKind:
		return 1
	case IntegerKind, DoubleKind, NaNKind, TimestampKind:
		return 8
	case GeoPointKind:
		return 16
	case StringKind, ReferenceKind:
		return len(v.Str) + 1
	case BytesKind:
		return len(v.Bytes)
	case VectorKind:
		return 8 * len(v.Vector)
	case ArrayKind:
		n := 0
		for _, e := range v.Values {
			n += e.Size()
		}
		return n
	case MapKind:
		n := 0
		for k, e := range v.Fields {
			n += len(k) + 1 + e.Size()
		}
		return n
	}
	return 0
}

// FieldsSize returns the summed size of a field map plus key overhead.
func FieldsSize(fields map[string]*Value) int {
	n := 0
	for k, v := range fields {
		n += len(k) + 1 + v.Size()
	}
	return n
}
