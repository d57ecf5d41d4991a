// Package serializer contains the default [domain.Serializer]
// implementation: the codec between native Go values and wire value trees.
//
// Encoding enforces the document limits (map depth, vector dimensions,
// serialized size) and extracts sentinel values (server timestamp,
// increment, array union/remove, field delete) into transforms so they
// never reach the stored value tree.
package serializer

import (
	"fmt"
	"strings"
	"time"

	goreflect "github.com/goccy/go-reflect"
	"github.com/mitchellh/mapstructure"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/fieldpath"
	"github.com/mementodb/memento/pkg/wire"
)

// TagName is the struct tag consulted when encoding and decoding structs.
const TagName = "memento"

var timeType = goreflect.TypeOf(time.Time{})

// Serializer implements domain.Serializer.
type Serializer struct {
	databaseName      string
	ignoreUnsupported bool
	fieldNavigator    domain.FieldNavigator
}

// NewSerializer returns a new implementation of domain.Serializer.
func NewSerializer(options ...domain.SerializerOption) domain.Serializer {
	opts := domain.SerializerOptions{
		FieldNavigator: fieldpath.NewNavigator(),
	}
	for _, option := range options {
		option(&opts)
	}
	return &Serializer{
		databaseName:      opts.DatabaseName,
		ignoreUnsupported: opts.IgnoreUnsupported,
		fieldNavigator:    opts.FieldNavigator,
	}
}

// EncodeDocument implements domain.Serializer.
func (s *Serializer) EncodeDocument(data any) (*domain.EncodedDocument, error) {
	m, err := toNativeMap(data)
	if err != nil {
		return nil, domain.Errorf(domain.InvalidArgument,
			"document data must be a map or struct, got %T", data)
	}
	enc := &domain.EncodedDocument{Fields: map[string]*wire.Value{}}
	for k, v := range m {
		if err := s.encodeField([]string{k}, v, enc); err != nil {
			return nil, err
		}
	}
	if size := wire.FieldsSize(enc.Fields); size > wire.MaxDocumentBytes {
		return nil, domain.Errorf(domain.InvalidArgument,
			"document size %d exceeds the %d byte limit", size, wire.MaxDocumentBytes)
	}
	return enc, nil
}

// encodeField handles one field position, where sentinels are legal.
func (s *Serializer) encodeField(path []string, v any, enc *domain.EncodedDocument) error {
	dotted := s.fieldNavigator.Join(path)
	switch t := v.(type) {
	case domain.IncrementValue:
		operand, err := s.EncodeValue(t.Operand)
		if err != nil {
			return err
		}
		if !operand.IsNumber() || operand.Kind == wire.NaNKind {
			return domain.Errorf(domain.InvalidArgument,
				"increment operand at field %s must be an integer or double", dotted)
		}
		enc.Transforms = append(enc.Transforms, &wire.FieldTransform{
			FieldPath: dotted,
			Type:      wire.TransformIncrement,
			Operand:   operand,
		})
		return nil
	case domain.ArrayUnionValue:
		elements, err := s.encodeElements(dotted, t.Elements)
		if err != nil {
			return err
		}
		enc.Transforms = append(enc.Transforms, &wire.FieldTransform{
			FieldPath: dotted,
			Type:      wire.TransformArrayUnion,
			Elements:  elements,
		})
		return nil
	case domain.ArrayRemoveValue:
		elements, err := s.encodeElements(dotted, t.Elements)
		if err != nil {
			return err
		}
		enc.Transforms = append(enc.Transforms, &wire.FieldTransform{
			FieldPath: dotted,
			Type:      wire.TransformArrayRemove,
			Elements:  elements,
		})
		return nil
	}
	if v == domain.ServerTimestamp {
		enc.Transforms = append(enc.Transforms, &wire.FieldTransform{
			FieldPath: dotted,
			Type:      wire.TransformServerTimestamp,
		})
		return nil
	}
	if v == domain.DeleteField {
		enc.DeletePaths = append(enc.DeletePaths, dotted)
		return nil
	}
	// Nested plain maps keep the field-position treatment so sentinels
	// stay legal below map keys (but never inside arrays).
	if m, err := toNativeMap(v); err == nil && !isLeafStruct(v) {
		if len(path) >= wire.MaxMapDepth {
			return domain.Errorf(domain.InvalidArgument,
				"map nesting at field %s exceeds %d levels", dotted, wire.MaxMapDepth)
		}
		s.fieldNavigator.Set(enc.Fields, path, wire.Map(map[string]*wire.Value{}))
		for k, mv := range m {
			child := append(append([]string(nil), path...), k)
			if err := s.encodeField(child, mv, enc); err != nil {
				return err
			}
		}
		return nil
	}
	val, err := s.encodeValue(v, len(path), dotted)
	if err != nil {
		if err == errUnsupported && s.ignoreUnsupported {
			return nil
		}
		if err == errUnsupported {
			return domain.Errorf(domain.InvalidArgument,
				"cannot encode value of type %T at field %s", v, dotted)
		}
		return err
	}
	s.fieldNavigator.Set(enc.Fields, path, val)
	return nil
}

func (s *Serializer) encodeElements(dotted string, elements []any) ([]*wire.Value, error) {
	out := make([]*wire.Value, 0, len(elements))
	for _, e := range elements {
		v, err := s.encodeValue(e, 1, dotted)
		if err != nil {
			if err == errUnsupported && s.ignoreUnsupported {
				continue
			}
			if err == errUnsupported {
				return nil, domain.Errorf(domain.InvalidArgument,
					"cannot encode array element of type %T at field %s", e, dotted)
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeValue implements domain.Serializer.
func (s *Serializer) EncodeValue(v any) (*wire.Value, error) {
	val, err := s.encodeValue(v, 1, "")
	if err == errUnsupported {
		if s.ignoreUnsupported {
			return wire.Null(), nil
		}
		return nil, domain.Errorf(domain.InvalidArgument, "cannot encode value of type %T", v)
	}
	return val, err
}

// errUnsupported is an internal marker for Go values outside the codec's
// closed type set.
var errUnsupported = fmt.Errorf("unsupported value")

func (s *Serializer) encodeValue(v any, depth int, dotted string) (*wire.Value, error) {
	switch t := v.(type) {
	case nil:
		return wire.Null(), nil
	case *wire.Value:
		return t.Clone(), nil
	case bool:
		return wire.Bool(t), nil
	case int:
		return wire.Int(int64(t)), nil
	case int8:
		return wire.Int(int64(t)), nil
	case int16:
		return wire.Int(int64(t)), nil
	case int32:
		return wire.Int(int64(t)), nil
	case int64:
		return wire.Int(t), nil
	case uint8:
		return wire.Int(int64(t)), nil
	case uint16:
		return wire.Int(int64(t)), nil
	case uint32:
		return wire.Int(int64(t)), nil
	case float32:
		return wire.Double(float64(t)), nil
	case float64:
		return wire.Double(t), nil
	case string:
		return wire.String(t), nil
	case []byte:
		return wire.BytesVal(append([]byte(nil), t...)), nil
	case time.Time:
		return wire.Time(t), nil
	case domain.Ref:
		return wire.Reference(s.qualifyReference(string(t))), nil
	case domain.GeoPoint:
		return wire.GeoPoint(t.Latitude, t.Longitude), nil
	case domain.Vector:
		return s.encodeVector(t, dotted)
	case []float64:
		return s.encodeDoubleArray(t), nil
	case domain.IncrementValue, domain.ArrayUnionValue, domain.ArrayRemoveValue:
		return nil, domain.Errorf(domain.InvalidArgument,
			"transform sentinel is not allowed inside array or plain value positions at field %s", dotted)
	}
	if v == domain.ServerTimestamp || v == domain.DeleteField {
		return nil, domain.Errorf(domain.InvalidArgument,
			"sentinel value is not allowed inside array or plain value positions at field %s", dotted)
	}
	return s.encodeReflect(goreflect.ValueOf(v), depth, dotted)
}

func (s *Serializer) encodeVector(dims []float64, dotted string) (*wire.Value, error) {
	if len(dims) > wire.MaxVectorDimensions {
		return nil, domain.Errorf(domain.InvalidArgument,
			"vector at field %s has %d dimensions, above the %d limit", dotted, len(dims), wire.MaxVectorDimensions)
	}
	return wire.VectorVal(append([]float64(nil), dims...)), nil
}

func (s *Serializer) encodeDoubleArray(fs []float64) *wire.Value {
	vals := make([]*wire.Value, len(fs))
	for i, f := range fs {
		vals[i] = wire.Double(f)
	}
	return wire.Array(vals...)
}

func (s *Serializer) encodeReflect(r goreflect.Value, depth int, dotted string) (*wire.Value, error) {
	for r.Kind() == goreflect.Ptr || r.Kind() == goreflect.Interface {
		if r.IsNil() {
			return wire.Null(), nil
		}
		r = r.Elem()
	}
	switch r.Kind() {
	case goreflect.Bool:
		return wire.Bool(r.Bool()), nil
	case goreflect.Int, goreflect.Int8, goreflect.Int16, goreflect.Int32, goreflect.Int64:
		return wire.Int(r.Int()), nil
	case goreflect.Uint, goreflect.Uint8, goreflect.Uint16, goreflect.Uint32, goreflect.Uint64:
		u := r.Uint()
		if u > 1<<63-1 {
			return nil, domain.Errorf(domain.InvalidArgument,
				"unsigned value %d at field %s overflows int64", u, dotted)
		}
		return wire.Int(int64(u)), nil
	case goreflect.Float32, goreflect.Float64:
		return wire.Double(r.Float()), nil
	case goreflect.String:
		return wire.String(r.String()), nil
	case goreflect.Slice:
		if r.IsNil() {
			return wire.Null(), nil
		}
		fallthrough
	case goreflect.Array:
		vals := make([]*wire.Value, 0, r.Len())
		for i := 0; i < r.Len(); i++ {
			v, err := s.encodeValue(r.Index(i).Interface(), depth, dotted)
			if err != nil {
				if err == errUnsupported && s.ignoreUnsupported {
					continue
				}
				return nil, err
			}
			vals = append(vals, v)
		}
		return wire.Array(vals...), nil
	case goreflect.Map:
		if r.IsNil() {
			return wire.Null(), nil
		}
		if r.Type().Key().Kind() != goreflect.String {
			return nil, errUnsupported
		}
		return s.encodeMapReflect(r, depth, dotted)
	case goreflect.Struct:
		if r.Type() == timeType {
			return wire.Time(r.Interface().(time.Time)), nil
		}
		return s.encodeStruct(r, depth, dotted)
	default:
		return nil, errUnsupported
	}
}

func (s *Serializer) encodeMapReflect(r goreflect.Value, depth int, dotted string) (*wire.Value, error) {
	if depth >= wire.MaxMapDepth {
		return nil, domain.Errorf(domain.InvalidArgument,
			"map nesting at field %s exceeds %d levels", dotted, wire.MaxMapDepth)
	}
	fields := make(map[string]*wire.Value, r.Len())
	iter := r.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		v, err := s.encodeValue(iter.Value().Interface(), depth+1, joinDotted(dotted, k))
		if err != nil {
			if err == errUnsupported && s.ignoreUnsupported {
				continue
			}
			return nil, err
		}
		fields[k] = v
	}
	return wire.Map(fields), nil
}

func (s *Serializer) encodeStruct(r goreflect.Value, depth int, dotted string) (*wire.Value, error) {
	if depth >= wire.MaxMapDepth {
		return nil, domain.Errorf(domain.InvalidArgument,
			"map nesting at field %s exceeds %d levels", dotted, wire.MaxMapDepth)
	}
	typ := r.Type()
	fields := make(map[string]*wire.Value, r.NumField())
	for i := 0; i < r.NumField(); i++ {
		sf := typ.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		name, omitEmpty, skip := parseTag(sf)
		if skip {
			continue
		}
		fv := r.Field(i)
		if omitEmpty && isNilable(fv) && fv.IsNil() {
			continue
		}
		v, err := s.encodeValue(fv.Interface(), depth+1, joinDotted(dotted, name))
		if err != nil {
			if err == errUnsupported && s.ignoreUnsupported {
				continue
			}
			return nil, err
		}
		fields[name] = v
	}
	return wire.Map(fields), nil
}

func parseTag(sf goreflect.StructField) (name string, omitEmpty, skip bool) {
	name = sf.Name
	tag, ok := sf.Tag.Lookup(TagName)
	if !ok {
		return name, false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" {
		return "", false, true
	}
	if parts[0] != "" {
		name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func isNilable(v goreflect.Value) bool {
	switch v.Kind() {
	case goreflect.Ptr, goreflect.Interface, goreflect.Slice, goreflect.Map, goreflect.Chan, goreflect.Func:
		return true
	}
	return false
}

func joinDotted(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// qualifyReference turns store-relative reference paths into full resource
// names so references always compare by their canonical form.
func (s *Serializer) qualifyReference(path string) string {
	if strings.HasPrefix(path, "projects/") || s.databaseName == "" {
		return path
	}
	return s.databaseName + "/documents/" + strings.Trim(path, "/")
}

// DecodeValue implements domain.Serializer.
func (s *Serializer) DecodeValue(v *wire.Value) (any, error) {
	switch v.Kind {
	case wire.NullKind:
		return nil, nil
	case wire.BooleanKind:
		return v.Boolean, nil
	case wire.IntegerKind:
		return v.Integer, nil
	case wire.DoubleKind:
		return v.Double, nil
	case wire.NaNKind:
		return nanValue, nil
	case wire.TimestampKind:
		return v.AsTime(), nil
	case wire.StringKind:
		return v.Str, nil
	case wire.BytesKind:
		return append([]byte(nil), v.Bytes...), nil
	case wire.ReferenceKind:
		return domain.Ref(v.Str), nil
	case wire.GeoPointKind:
		return domain.GeoPoint{Latitude: v.GeoPoint.Latitude, Longitude: v.GeoPoint.Longitude}, nil
	case wire.VectorKind:
		return domain.Vector(append([]float64(nil), v.Vector...)), nil
	case wire.ArrayKind:
		out := make([]any, len(v.Values))
		for i, e := range v.Values {
			d, err := s.DecodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case wire.MapKind:
		return s.DecodeFields(v.Fields)
	}
	return nil, domain.Errorf(domain.Internal, "unknown wire value kind %d", v.Kind)
}

// DecodeFields implements domain.Serializer.
func (s *Serializer) DecodeFields(fields map[string]*wire.Value) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		d, err := s.DecodeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}

// DecodeInto implements domain.Serializer.
func (s *Serializer) DecodeInto(fields map[string]*wire.Value, target any) error {
	if target == nil {
		return domain.Errorf(domain.InvalidArgument, "decode target is nil")
	}
	m, err := s.DecodeFields(fields)
	if err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: TagName,
		Result:  target,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// toNativeMap widens the supported document roots into map[string]any.
// Returns nil with no error when v is not map-like.
func toNativeMap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case nil:
		return nil, errUnsupported
	}
	r := goreflect.ValueOf(v)
	for r.Kind() == goreflect.Ptr || r.Kind() == goreflect.Interface {
		if r.IsNil() {
			return nil, errUnsupported
		}
		r = r.Elem()
	}
	switch r.Kind() {
	case goreflect.Map:
		if r.Type().Key().Kind() != goreflect.String {
			return nil, errUnsupported
		}
		out := make(map[string]any, r.Len())
		iter := r.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case goreflect.Struct:
		if r.Type() == timeType {
			return nil, errUnsupported
		}
		out := make(map[string]any, r.NumField())
		typ := r.Type()
		for i := 0; i < r.NumField(); i++ {
			sf := typ.Field(i)
			if sf.PkgPath != "" {
				continue
			}
			name, omitEmpty, skip := parseTag(sf)
			if skip {
				continue
			}
			fv := r.Field(i)
			if omitEmpty && isNilable(fv) && fv.IsNil() {
				continue
			}
			out[name] = fv.Interface()
		}
		return out, nil
	default:
		return nil, errUnsupported
	}
}

// isLeafStruct reports value types that must encode as leaves even though
// they are structs or maps underneath.
func isLeafStruct(v any) bool {
	switch v.(type) {
	case time.Time, domain.GeoPoint, *wire.Value:
		return true
	}
	return false
}

var nanValue = func() float64 {
	f := 0.0
	return f / f
}()
