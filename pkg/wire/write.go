package wire

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Document is the wire shape of one stored document.
type Document struct {
	// Name is the full resource name,
	// projects/{project}/databases/{database}/documents/{path}.
	Name       string
	Fields     map[string]*Value
	CreateTime *timestamppb.Timestamp
	UpdateTime *timestamppb.Timestamp
}

// DocumentMask names a set of field paths. A nil mask on an update write
// means full-document replacement.
type DocumentMask struct {
	FieldPaths []string
}

// Precondition guards a single write.
type Precondition struct {
	// Exists, when set, requires the target document to exist (true) or
	// not exist (false).
	Exists *bool
	// UpdateTime, when set, requires an exact match with the stored
	// document's update time.
	UpdateTime *timestamppb.Timestamp
}

// ExistsPrecondition is a convenience constructor.
func ExistsPrecondition(exists bool) *Precondition {
	return &Precondition{Exists: &exists}
}

// UpdateTimePrecondition is a convenience constructor.
func UpdateTimePrecondition(t time.Time) *Precondition {
	return &Precondition{UpdateTime: timestamppb.New(t.Truncate(time.Microsecond))}
}

// TransformType selects a server-side value transform.
type TransformType uint8

const (
	// TransformServerTimestamp stores the commit time.
	TransformServerTimestamp TransformType = iota + 1
	// TransformIncrement adds Operand to the stored number.
	TransformIncrement
	// TransformMaximum stores the larger of Operand and the stored number.
	TransformMaximum
	// TransformMinimum stores the smaller of Operand and the stored number.
	TransformMinimum
	// TransformArrayUnion appends Elements not already present.
	TransformArrayUnion
	// TransformArrayRemove removes all occurrences of Elements.
	TransformArrayRemove
)

func (t TransformType) String() string {
	switch t {
	case TransformServerTimestamp:
		return "serverTimestamp"
	case TransformIncrement:
		return "increment"
	case TransformMaximum:
		return "maximum"
	case TransformMinimum:
		return "minimum"
	case TransformArrayUnion:
		return "arrayUnion"
	case TransformArrayRemove:
		return "arrayRemove"
	default:
		return "unknown"
	}
}

// FieldTransform is one server-side transform applied to a field path after
// the non-transform portion of the same write.
type FieldTransform struct {
	FieldPath string
	Type      TransformType
	Operand   *Value   // increment, maximum, minimum
	Elements  []*Value // arrayUnion, arrayRemove
}

// Write is one mutation inside a commit. Exactly one of Update or Delete is
// set; Transforms may accompany an Update or stand alone against Update.Name.
type Write struct {
	Update          *Document
	Delete          string
	UpdateMask      *DocumentMask
	Transforms      []*FieldTransform
	CurrentDocument *Precondition
}

// WriteResult reports the outcome of a single applied write.
type WriteResult struct {
	UpdateTime *timestamppb.Timestamp
	// TransformResults holds the computed value of each field transform,
	// in the order the transforms were given.
	TransformResults []*Value
}

// CommitRequest applies a batch of writes atomically.
type CommitRequest struct {
	Database string
	Writes   []*Write
	// Transaction, when non-empty, commits the named transaction.
	Transaction []byte
}

// CommitResponse is the result of a commit.
type CommitResponse struct {
	CommitTime   *timestamppb.Timestamp
	WriteResults []*WriteResult
}

// BatchWriteRequest applies writes non-atomically: each write succeeds or
// fails on its own.
type BatchWriteRequest struct {
	Database string
	Writes   []*Write
}

// BatchWriteResponse carries per-write results and statuses; Statuses[i] is
// nil when write i succeeded.
type BatchWriteResponse struct {
	WriteResults []*WriteResult
	Statuses     []error
}

// TransactionOptions selects the mode of a new transaction. At most one of
// ReadOnly or ReadWrite may be set; an unset pair means read-write.
type TransactionOptions struct {
	ReadOnly  *ReadOnlyOptions
	ReadWrite *ReadWriteOptions
}

// ReadOnlyOptions pins reads to a time. Zero ReadTime means "now".
type ReadOnlyOptions struct {
	ReadTime *timestamppb.Timestamp
}

// ReadWriteOptions optionally retries a previous transaction.
type ReadWriteOptions struct {
	RetryTransaction []byte
}

// BeginTransactionRequest opens a transaction.
type BeginTransactionRequest struct {
	Database string
	Options  *TransactionOptions
}

// BeginTransactionResponse returns the transaction token.
type BeginTransactionResponse struct {
	Transaction []byte
}

// BatchGetRequest reads several documents at a consistent snapshot. At most
// one of Transaction, NewTransaction or ReadTime may be set.
type BatchGetRequest struct {
	Database       string
	Documents      []string
	Transaction    []byte
	NewTransaction *TransactionOptions
	ReadTime       *timestamppb.Timestamp
}

// BatchGetResponse is one streamed result. Exactly one of Found or Missing
// is set, preserving request order.
type BatchGetResponse struct {
	Found    *Document
	Missing  string
	ReadTime *timestamppb.Timestamp
	// Transaction echoes the token when NewTransaction was requested, on
	// the first response only.
	Transaction []byte
}
