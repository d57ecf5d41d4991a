// Package query contains the default [domain.QueryEngine] implementation.
//
// Queries evaluate in-memory against a snapshot of the store: scope
// candidates come back in path order, filters prune them, the order-by
// tuples sort them, and cursors, offset and limits trim the window. A
// findNearest stage replaces the regular ordering with a vector distance
// ranking.
package query

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/internal/adapter/comparer"
	"github.com/mementodb/memento/internal/adapter/fieldpath"
	"github.com/mementodb/memento/internal/adapter/pathcache"
	"github.com/mementodb/memento/pkg/wire"
)

// NameField is the pseudo field path ordering and cursors use to address
// the document name.
const NameField = "__name__"

// Engine implements domain.QueryEngine.
type Engine struct {
	store          domain.Store
	comparer       domain.Comparer
	fieldNavigator domain.FieldNavigator
	pathResolver   domain.PathResolver
}

// NewEngine returns a new implementation of domain.QueryEngine backed by
// the given store.
func NewEngine(store domain.Store, options ...domain.EngineOption) domain.QueryEngine {
	opts := domain.EngineOptions{
		Comparer:       comparer.NewComparer(),
		FieldNavigator: fieldpath.NewNavigator(),
		PathResolver:   pathcache.NewResolver(),
	}
	for _, option := range options {
		option(&opts)
	}
	return &Engine{
		store:          store,
		comparer:       opts.Comparer,
		fieldNavigator: opts.FieldNavigator,
		pathResolver:   opts.PathResolver,
	}
}

// Evaluate implements domain.QueryEngine.
func (e *Engine) Evaluate(ctx context.Context, parent string, q *wire.StructuredQuery, at time.Time) ([]*domain.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || len(q.From) != 1 {
		return nil, domain.Errorf(domain.InvalidArgument, "query requires exactly one collection selector")
	}
	if q.LimitToLast && len(q.OrderBy) == 0 {
		return nil, domain.Errorf(domain.InvalidArgument, "limitToLast requires an explicit orderBy")
	}
	if q.Where != nil {
		if err := e.validateWhere(q.Where); err != nil {
			return nil, err
		}
	}
	if parent != "" {
		p, err := e.pathResolver.ParseDocument(parent)
		if err != nil {
			return nil, err
		}
		parent = p.String()
	}

	sel := q.From[0]
	docs, err := e.store.Candidates(parent, sel.CollectionID, sel.AllDescendants, at)
	if err != nil {
		return nil, err
	}

	var matched []*domain.MetaDocument
	for _, doc := range docs {
		if q.Where == nil || e.match(doc, q.Where) {
			matched = append(matched, doc)
		}
	}

	if q.FindNearest != nil {
		return e.findNearest(matched, q)
	}

	orders := e.effectiveOrders(q)
	keyed, err := e.orderKeys(matched, orders)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(keyed, func(a, b keyedDoc) int {
		return e.compareTuples(a.keys, b.keys, orders)
	})

	keyed = e.applyCursors(keyed, q, orders)

	if q.Offset > 0 {
		if q.Offset >= len(keyed) {
			keyed = nil
		} else {
			keyed = keyed[q.Offset:]
		}
	}
	if q.Limit > 0 && len(keyed) > q.Limit {
		if q.LimitToLast {
			keyed = keyed[len(keyed)-q.Limit:]
		} else {
			keyed = keyed[:q.Limit]
		}
	}

	out := make([]*domain.QueryResult, len(keyed))
	for i, kd := range keyed {
		out[i] = &domain.QueryResult{Doc: kd.doc}
	}
	return out, nil
}

type keyedDoc struct {
	doc  *domain.MetaDocument
	keys []*wire.Value
}

// effectiveOrders appends the implicit document-name tiebreak, inheriting
// the direction of the last explicit sort key.
func (e *Engine) effectiveOrders(q *wire.StructuredQuery) []*wire.Order {
	orders := slices.Clone(q.OrderBy)
	last := wire.Ascending
	for _, o := range orders {
		if o.FieldPath == NameField {
			return orders
		}
		last = o.Direction
	}
	return append(orders, &wire.Order{FieldPath: NameField, Direction: last})
}

// orderKeys resolves the sort tuple per document. Documents missing an
// explicit sort field drop out of the result set.
func (e *Engine) orderKeys(docs []*domain.MetaDocument, orders []*wire.Order) ([]keyedDoc, error) {
	out := make([]keyedDoc, 0, len(docs))
	for _, doc := range docs {
		keys := make([]*wire.Value, len(orders))
		ok := true
		for i, o := range orders {
			v, found, err := e.fieldValue(doc, o.FieldPath)
			if err != nil {
				return nil, err
			}
			if !found {
				ok = false
				break
			}
			keys[i] = v
		}
		if ok {
			out = append(out, keyedDoc{doc: doc, keys: keys})
		}
	}
	return out, nil
}

func (e *Engine) fieldValue(doc *domain.MetaDocument, fieldPath string) (*wire.Value, bool, error) {
	if fieldPath == NameField {
		return wire.Reference(doc.Path), true, nil
	}
	parts, err := e.fieldNavigator.Split(fieldPath)
	if err != nil {
		return nil, false, err
	}
	v, ok := e.fieldNavigator.Get(doc.Fields, parts)
	return v, ok, nil
}

func (e *Engine) compareTuples(a, b []*wire.Value, orders []*wire.Order) int {
	for i := range orders {
		d := e.comparer.Compare(a[i], b[i])
		if orders[i].Direction == wire.Descending {
			d = -d
		}
		if d != 0 {
			return d
		}
	}
	return 0
}

// applyCursors trims the ordered window to the start and end positions.
func (e *Engine) applyCursors(keyed []keyedDoc, q *wire.StructuredQuery, orders []*wire.Order) []keyedDoc {
	side := func(kd keyedDoc, c *wire.Cursor) int {
		n := min(len(c.Values), len(orders))
		for i := 0; i < n; i++ {
			d := e.comparer.Compare(kd.keys[i], c.Values[i])
			if orders[i].Direction == wire.Descending {
				d = -d
			}
			if d != 0 {
				return d
			}
		}
		return 0
	}
	if c := q.StartAt; c != nil {
		keyed = slices.DeleteFunc(keyed, func(kd keyedDoc) bool {
			d := side(kd, c)
			return d < 0 || (d == 0 && !c.Before)
		})
	}
	if c := q.EndAt; c != nil {
		keyed = slices.DeleteFunc(keyed, func(kd keyedDoc) bool {
			d := side(kd, c)
			return d > 0 || (d == 0 && c.Before)
		})
	}
	return keyed
}

// validateWhere validates every filter in the tree, then rejects operator
// combinations that are only visible across filters, like in and not-in
// against the same field.
func (e *Engine) validateWhere(f *wire.Filter) error {
	if err := e.validateFilter(f); err != nil {
		return err
	}
	byField := map[string][]wire.Operator{}
	collectOperators(f, byField)
	for fp, ops := range byField {
		if slices.Contains(ops, wire.OpIn) && slices.Contains(ops, wire.OpNotIn) {
			return domain.Errorf(domain.InvalidArgument, "in and not-in cannot both filter field %s", fp)
		}
	}
	return nil
}

func collectOperators(f *wire.Filter, byField map[string][]wire.Operator) {
	switch {
	case f.Composite != nil:
		for _, sub := range f.Composite.Filters {
			collectOperators(sub, byField)
		}
	case f.Field != nil:
		byField[f.Field.FieldPath] = append(byField[f.Field.FieldPath], f.Field.Op)
	}
}

// validateFilter rejects filter shapes the backend refuses, so matching
// itself never fails.
func (e *Engine) validateFilter(f *wire.Filter) error {
	switch {
	case f.Composite != nil:
		if f.Composite.Op != wire.CompositeAnd && f.Composite.Op != wire.CompositeOr {
			return domain.Errorf(domain.InvalidArgument, "unknown composite filter operator")
		}
		for _, sub := range f.Composite.Filters {
			if err := e.validateFilter(sub); err != nil {
				return err
			}
		}
		return nil
	case f.Unary != nil:
		if _, err := e.fieldNavigator.Split(f.Unary.FieldPath); err != nil {
			return err
		}
		return nil
	case f.Field != nil:
		return e.validateFieldFilter(f.Field)
	default:
		return domain.Errorf(domain.InvalidArgument, "empty filter")
	}
}

func (e *Engine) validateFieldFilter(f *wire.FieldFilter) error {
	if _, err := e.fieldNavigator.Split(f.FieldPath); err != nil {
		return err
	}
	if f.Value == nil {
		return domain.Errorf(domain.InvalidArgument, "field filter %s has no value", f.FieldPath)
	}
	special := f.Value.Kind == wire.NullKind || f.Value.Kind == wire.NaNKind
	switch f.Op {
	case wire.OpEqual, wire.OpNotEqual:
		return nil
	case wire.OpLessThan, wire.OpLessThanOrEqual, wire.OpGreaterThan, wire.OpGreaterThanOrEqual:
		if special {
			return domain.Errorf(domain.InvalidArgument, "range filter on %s cannot compare against null or NaN", f.FieldPath)
		}
		return nil
	case wire.OpArrayContains:
		if special {
			return domain.Errorf(domain.InvalidArgument, "array-contains on %s cannot test for null or NaN", f.FieldPath)
		}
		return nil
	case wire.OpArrayContainsAny, wire.OpIn, wire.OpNotIn:
		if f.Value.Kind != wire.ArrayKind {
			return domain.Errorf(domain.InvalidArgument, "%s filter on %s requires an array value", f.Op, f.FieldPath)
		}
		if f.Op == wire.OpArrayContainsAny {
			for _, el := range f.Value.Values {
				if el.Kind == wire.NullKind || el.Kind == wire.NaNKind {
					return domain.Errorf(domain.InvalidArgument, "array-contains-any on %s cannot test for null or NaN", f.FieldPath)
				}
			}
		}
		return nil
	default:
		return domain.Errorf(domain.Unimplemented, "filter operator %s on %s is not supported", f.Op, f.FieldPath)
	}
}

func (e *Engine) match(doc *domain.MetaDocument, f *wire.Filter) bool {
	switch {
	case f.Composite != nil:
		if f.Composite.Op == wire.CompositeAnd {
			for _, sub := range f.Composite.Filters {
				if !e.match(doc, sub) {
					return false
				}
			}
			return true
		}
		for _, sub := range f.Composite.Filters {
			if e.match(doc, sub) {
				return true
			}
		}
		return false
	case f.Unary != nil:
		v, ok, _ := e.fieldValue(doc, f.Unary.FieldPath)
		return matchUnary(f.Unary.Op, v, ok)
	case f.Field != nil:
		return e.matchField(doc, f.Field)
	}
	return false
}

func matchUnary(op wire.UnaryOperator, v *wire.Value, ok bool) bool {
	switch op {
	case wire.OpIsNull:
		return ok && v.Kind == wire.NullKind
	case wire.OpIsNaN:
		return ok && v.Kind == wire.NaNKind
	case wire.OpIsNotNull:
		return ok && v.Kind != wire.NullKind
	case wire.OpIsNotNaN:
		return ok && v.Kind != wire.NaNKind && v.Kind != wire.NullKind
	}
	return false
}

func (e *Engine) matchField(doc *domain.MetaDocument, f *wire.FieldFilter) bool {
	// Equality against null or NaN folds into the unary form, so == null
	// matches exactly the stored nulls and nothing else.
	if f.Value.Kind == wire.NullKind || f.Value.Kind == wire.NaNKind {
		v, ok, _ := e.fieldValue(doc, f.FieldPath)
		isNaN := f.Value.Kind == wire.NaNKind
		switch f.Op {
		case wire.OpEqual:
			if isNaN {
				return matchUnary(wire.OpIsNaN, v, ok)
			}
			return matchUnary(wire.OpIsNull, v, ok)
		case wire.OpNotEqual:
			if isNaN {
				return matchUnary(wire.OpIsNotNaN, v, ok)
			}
			return matchUnary(wire.OpIsNotNull, v, ok)
		}
		return false
	}

	v, ok, _ := e.fieldValue(doc, f.FieldPath)
	if !ok {
		return false
	}
	switch f.Op {
	case wire.OpEqual:
		return e.comparer.Equal(v, f.Value)
	case wire.OpNotEqual:
		// Null and NaN never satisfy a not-equal.
		if v.Kind == wire.NullKind || v.Kind == wire.NaNKind {
			return false
		}
		return !e.comparer.Equal(v, f.Value)
	case wire.OpLessThan, wire.OpLessThanOrEqual, wire.OpGreaterThan, wire.OpGreaterThanOrEqual:
		// Range filters only see values inside the operand's type group.
		if !e.comparer.SameOrderGroup(v, f.Value) {
			return false
		}
		d := e.comparer.Compare(v, f.Value)
		switch f.Op {
		case wire.OpLessThan:
			return d < 0
		case wire.OpLessThanOrEqual:
			return d <= 0
		case wire.OpGreaterThan:
			return d > 0
		default:
			return d >= 0
		}
	case wire.OpArrayContains:
		if v.Kind != wire.ArrayKind {
			return false
		}
		return slices.ContainsFunc(v.Values, func(el *wire.Value) bool {
			return e.comparer.Equal(el, f.Value)
		})
	case wire.OpArrayContainsAny:
		if v.Kind != wire.ArrayKind {
			return false
		}
		for _, el := range v.Values {
			for _, want := range f.Value.Values {
				if e.comparer.Equal(el, want) {
					return true
				}
			}
		}
		return false
	case wire.OpIn:
		return slices.ContainsFunc(f.Value.Values, func(el *wire.Value) bool {
			return e.comparer.Equal(v, el)
		})
	case wire.OpNotIn:
		// A null operand element poisons the whole filter, and stored
		// null or NaN values never match.
		if v.Kind == wire.NullKind || v.Kind == wire.NaNKind {
			return false
		}
		for _, el := range f.Value.Values {
			if el.Kind == wire.NullKind {
				return false
			}
			if e.comparer.Equal(v, el) {
				return false
			}
		}
		return true
	}
	return false
}

// findNearest ranks the filtered documents by vector distance. Documents
// without the vector field or with a different dimension count drop out.
func (e *Engine) findNearest(docs []*domain.MetaDocument, q *wire.StructuredQuery) ([]*domain.QueryResult, error) {
	fn := q.FindNearest
	if fn.Limit <= 0 {
		return nil, domain.Errorf(domain.InvalidArgument, "findNearest requires a positive limit")
	}
	if len(fn.QueryVector) == 0 {
		return nil, domain.Errorf(domain.InvalidArgument, "findNearest requires a query vector")
	}
	parts, err := e.fieldNavigator.Split(fn.VectorField)
	if err != nil {
		return nil, err
	}

	var out []*domain.QueryResult
	for _, doc := range docs {
		v, ok := e.fieldNavigator.Get(doc.Fields, parts)
		if !ok || v.Kind != wire.VectorKind || len(v.Vector) != len(fn.QueryVector) {
			continue
		}
		d, ok := distance(fn.Measure, fn.QueryVector, v.Vector)
		if !ok {
			continue
		}
		if fn.DistanceThreshold != nil && !withinThreshold(fn.Measure, d, *fn.DistanceThreshold) {
			continue
		}
		dist := d
		out = append(out, &domain.QueryResult{Doc: doc, Distance: &dist})
	}

	// Dot product ranks larger as closer; the other measures rank smaller
	// as closer. Ties keep path order.
	slices.SortStableFunc(out, func(a, b *domain.QueryResult) int {
		switch {
		case *a.Distance < *b.Distance:
			if fn.Measure == wire.DistanceDotProduct {
				return 1
			}
			return -1
		case *a.Distance > *b.Distance:
			if fn.Measure == wire.DistanceDotProduct {
				return -1
			}
			return 1
		}
		return 0
	})
	if len(out) > fn.Limit {
		out = out[:fn.Limit]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func distance(measure wire.DistanceMeasure, a, b []float64) (float64, bool) {
	switch measure {
	case wire.DistanceEuclidean:
		sum := 0.0
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum), true
	case wire.DistanceCosine:
		dot, na, nb := 0.0, 0.0, 0.0
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		if na == 0 || nb == 0 {
			return 0, false
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), true
	case wire.DistanceDotProduct:
		dot := 0.0
		for i := range a {
			dot += a[i] * b[i]
		}
		return dot, true
	}
	return 0, false
}

func withinThreshold(measure wire.DistanceMeasure, d, threshold float64) bool {
	if measure == wire.DistanceDotProduct {
		return d >= threshold
	}
	return d <= threshold
}

// Aggregate implements domain.QueryEngine.
func (e *Engine) Aggregate(ctx context.Context, parent string, q *wire.StructuredAggregationQuery, at time.Time) (map[string]*wire.Value, error) {
	if q == nil || q.Query == nil {
		return nil, domain.Errorf(domain.InvalidArgument, "aggregation requires an underlying query")
	}
	if len(q.Aggregations) == 0 {
		return nil, domain.Errorf(domain.InvalidArgument, "aggregation requires at least one aggregation")
	}
	results, err := e.Evaluate(ctx, parent, q.Query, at)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*wire.Value, len(q.Aggregations))
	for _, agg := range q.Aggregations {
		if agg.Alias == "" {
			return nil, domain.Errorf(domain.InvalidArgument, "aggregation requires an alias")
		}
		if _, dup := out[agg.Alias]; dup {
			return nil, domain.Errorf(domain.InvalidArgument, "duplicate aggregation alias %q", agg.Alias)
		}
		switch agg.Type {
		case wire.AggregationCount:
			n := int64(len(results))
			if agg.UpTo > 0 && n > agg.UpTo {
				n = agg.UpTo
			}
			out[agg.Alias] = wire.Int(n)
		case wire.AggregationSum, wire.AggregationAvg:
			v, err := e.aggregateNumeric(results, agg)
			if err != nil {
				return nil, err
			}
			out[agg.Alias] = v
		default:
			return nil, domain.Errorf(domain.InvalidArgument, "unknown aggregation %q", agg.Alias)
		}
	}
	return out, nil
}

// aggregateNumeric folds numeric field values. Sum stays an integer while
// every contribution is an integer and the running total fits; avg is
// always a double. Non-numeric and missing fields do not contribute.
func (e *Engine) aggregateNumeric(results []*domain.QueryResult, agg *wire.Aggregation) (*wire.Value, error) {
	parts, err := e.fieldNavigator.Split(agg.FieldPath)
	if err != nil {
		return nil, err
	}
	var (
		intSum   int64
		floatSum float64
		asInt    = true
		count    int64
		sawNaN   bool
	)
	for _, r := range results {
		v, ok := e.fieldNavigator.Get(r.Doc.Fields, parts)
		if !ok || !v.IsNumber() {
			continue
		}
		count++
		if v.Kind == wire.NaNKind {
			sawNaN = true
			continue
		}
		if asInt && v.Kind == wire.IntegerKind {
			sum := intSum + v.Integer
			if (v.Integer > 0 && sum < intSum) || (v.Integer < 0 && sum > intSum) {
				asInt = false
				floatSum = float64(intSum) + float64(v.Integer)
			} else {
				intSum = sum
			}
		} else {
			if asInt {
				asInt = false
				floatSum = float64(intSum)
			}
			floatSum += v.Float()
		}
	}
	if agg.Type == wire.AggregationAvg {
		if count == 0 {
			return wire.Null(), nil
		}
		if sawNaN {
			return wire.NaN(), nil
		}
		total := floatSum
		if asInt {
			total = float64(intSum)
		}
		return wire.Double(total / float64(count)), nil
	}
	if sawNaN {
		return wire.NaN(), nil
	}
	if asInt {
		return wire.Int(intSum), nil
	}
	return wire.Double(floatSum), nil
}
