package wire

import "google.golang.org/protobuf/types/known/timestamppb"

// Operator is a field filter operator.
type Operator uint8

const (
	OpLessThan Operator = iota + 1
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpEqual
	OpNotEqual
	OpArrayContains
	OpArrayContainsAny
	OpIn
	OpNotIn
)

func (o Operator) String() string {
	switch o {
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpArrayContains:
		return "array-contains"
	case OpArrayContainsAny:
		return "array-contains-any"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not-in"
	default:
		return "unknown"
	}
}

// IsInequality reports whether o constrains a range of values.
func (o Operator) IsInequality() bool {
	switch o {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpNotEqual, OpNotIn:
		return true
	}
	return false
}

// UnaryOperator tests a field against null or NaN.
type UnaryOperator uint8

const (
	OpIsNaN UnaryOperator = iota + 1
	OpIsNull
	OpIsNotNaN
	OpIsNotNull
)

// CompositeOperator combines sub-filters.
type CompositeOperator uint8

const (
	CompositeAnd CompositeOperator = iota + 1
	CompositeOr
)

// Filter is a tagged union: exactly one of Composite, Field or Unary is set.
type Filter struct {
	Composite *CompositeFilter
	Field     *FieldFilter
	Unary     *UnaryFilter
}

// CompositeFilter joins sub-filters with AND or OR.
type CompositeFilter struct {
	Op      CompositeOperator
	Filters []*Filter
}

// FieldFilter compares one field against a value.
type FieldFilter struct {
	FieldPath string
	Op        Operator
	Value     *Value
}

// UnaryFilter tests one field for null or NaN.
type UnaryFilter struct {
	FieldPath string
	Op        UnaryOperator
}

// And builds an AND composite filter.
func And(filters ...*Filter) *Filter {
	return &Filter{Composite: &CompositeFilter{Op: CompositeAnd, Filters: filters}}
}

// Or builds an OR composite filter.
func Or(filters ...*Filter) *Filter {
	return &Filter{Composite: &CompositeFilter{Op: CompositeOr, Filters: filters}}
}

// Where builds a field filter.
func Where(path string, op Operator, v *Value) *Filter {
	return &Filter{Field: &FieldFilter{FieldPath: path, Op: op, Value: v}}
}

// Direction orders a sort key.
type Direction uint8

const (
	Ascending Direction = iota + 1
	Descending
)

// Order is one sort key of a query.
type Order struct {
	FieldPath string
	Direction Direction
}

// Cursor positions a query relative to a tuple of order-by values. Before
// selects whether the position sits before the matching tuple (startAt /
// endBefore) or after it (startAfter / endAt).
type Cursor struct {
	Values []*Value
	Before bool
}

// CollectionSelector names the collection(s) a query runs over.
type CollectionSelector struct {
	CollectionID string
	// AllDescendants widens the scope to every descendant collection with
	// the given id (collection-group query).
	AllDescendants bool
}

// DistanceMeasure selects the vector distance function.
type DistanceMeasure uint8

const (
	DistanceEuclidean DistanceMeasure = iota + 1
	DistanceCosine
	DistanceDotProduct
)

// FindNearest is the vector nearest-neighbor stage of a query.
type FindNearest struct {
	VectorField       string
	QueryVector       []float64
	Measure           DistanceMeasure
	Limit             int
	DistanceThreshold *float64
	// DistanceResultField, when set, attaches the computed distance to
	// each result under the given field path, even under a projection.
	DistanceResultField string
}

// StructuredQuery is the wire shape of a query.
type StructuredQuery struct {
	// Select restricts returned fields; empty means all fields.
	Select  []string
	From    []*CollectionSelector
	Where   *Filter
	OrderBy []*Order
	StartAt *Cursor
	EndAt   *Cursor
	Offset  int
	// Limit <= 0 means unlimited.
	Limit int
	// LimitToLast returns the final Limit results of the ordering; it
	// requires at least one explicit OrderBy.
	LimitToLast bool
	FindNearest *FindNearest
}

// AggregationType selects an aggregation function.
type AggregationType uint8

const (
	AggregationCount AggregationType = iota + 1
	AggregationSum
	AggregationAvg
)

// Aggregation is one aliased aggregation over a query result.
type Aggregation struct {
	Alias string
	Type  AggregationType
	// FieldPath is the aggregated field for sum/avg; unused for count.
	FieldPath string
	// UpTo caps a count aggregation when > 0.
	UpTo int64
}

// StructuredAggregationQuery aggregates over a structured query.
type StructuredAggregationQuery struct {
	Query        *StructuredQuery
	Aggregations []*Aggregation
}

// RunQueryRequest evaluates a structured query. At most one of Transaction,
// NewTransaction or ReadTime may be set.
type RunQueryRequest struct {
	// Parent is the resource name the query runs under: the database
	// documents root or a document path.
	Parent         string
	Query          *StructuredQuery
	Transaction    []byte
	NewTransaction *TransactionOptions
	ReadTime       *timestamppb.Timestamp
}

// RunQueryResponse is one streamed query result.
type RunQueryResponse struct {
	Document *Document
	ReadTime *timestamppb.Timestamp
	// Transaction echoes the new transaction token on the first response.
	Transaction []byte
	// SkippedResults reports offset skips on the first response.
	SkippedResults int
}

// RunAggregationQueryRequest evaluates a structured aggregation query.
type RunAggregationQueryRequest struct {
	Parent         string
	Query          *StructuredAggregationQuery
	Transaction    []byte
	NewTransaction *TransactionOptions
	ReadTime       *timestamppb.Timestamp
}

// RunAggregationQueryResponse carries the aggregation result keyed by alias.
type RunAggregationQueryResponse struct {
	Result      map[string]*Value
	ReadTime    *timestamppb.Timestamp
	Transaction []byte
}
