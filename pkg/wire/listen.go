package wire

import "google.golang.org/protobuf/types/known/timestamppb"

// QueryTarget subscribes to the live result set of a structured query.
type QueryTarget struct {
	Parent string
	Query  *StructuredQuery
}

// DocumentsTarget subscribes to a fixed set of document resource names.
type DocumentsTarget struct {
	Documents []string
}

// Target is one listen subscription. Exactly one of Query or Documents is
// set. A zero ID asks the server to assign one; within a stream, ids must be
// either all server-assigned or all client-chosen.
type Target struct {
	ID        int32
	Query     *QueryTarget
	Documents *DocumentsTarget
}

// TargetChangeKind is the state transition of a target change message.
type TargetChangeKind uint8

const (
	// TargetNoChange is a watermark: no target named in the message has
	// pending changes at ReadTime. Empty target ids make it global.
	TargetNoChange TargetChangeKind = iota
	// TargetAdd acknowledges a new target.
	TargetAdd
	// TargetRemove announces a target will receive no further messages,
	// optionally with a Cause.
	TargetRemove
	// TargetCurrent marks a target as caught up with the change stream.
	TargetCurrent
	// TargetReset tells the client to drop its previous target state.
	TargetReset
)

// TargetChange reports a target state transition.
type TargetChange struct {
	Kind      TargetChangeKind
	TargetIDs []int32
	ReadTime  *timestamppb.Timestamp
	Cause     error
}

// ChangeKind classifies a document change relative to a target's previous
// snapshot.
type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// DocumentChange reports that a document now matches the named targets.
// OldIndex and NewIndex position the document in the target's previous and
// new orderings; -1 marks absence on the corresponding side.
type DocumentChange struct {
	Kind      ChangeKind
	Document  *Document
	TargetIDs []int32
	OldIndex  int
	NewIndex  int
}

// DocumentDelete reports that a document stopped existing.
type DocumentDelete struct {
	Document  string
	TargetIDs []int32
	ReadTime  *timestamppb.Timestamp
	OldIndex  int
}

// ListenResponse is one message of a listen stream: exactly one field set.
type ListenResponse struct {
	TargetChange   *TargetChange
	DocumentChange *DocumentChange
	DocumentDelete *DocumentDelete
}
