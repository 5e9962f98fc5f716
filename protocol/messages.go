package protocol

import (
	"fmt"

	"github.com/docbase/docsync/model"
)

// Stream protocol messages. One Envelope per frame; exactly one body field
// is set, discriminated by Type.

const (
	EnvelopeListenRequest  = "listen"
	EnvelopeListenResponse = "listen_response"
	EnvelopeWriteRequest   = "write"
	EnvelopeWriteResponse  = "write_response"
	EnvelopeCommitRequest  = "commit"
	EnvelopeCommitResponse = "commit_response"
	EnvelopeLookupRequest  = "lookup"
	EnvelopeLookupResponse = "lookup_response"
	EnvelopeError          = "error"
)

type Envelope struct {
	Type           string          `msgpack:"t"`
	ListenRequest  *ListenRequest  `msgpack:"lq,omitempty"`
	ListenResponse *ListenResponse `msgpack:"lr,omitempty"`
	WriteRequest   *WriteRequest   `msgpack:"wq,omitempty"`
	WriteResponse  *WriteResponse  `msgpack:"wr,omitempty"`
	CommitRequest  *CommitRequest  `msgpack:"cq,omitempty"`
	CommitResponse *CommitResponse `msgpack:"cr,omitempty"`
	LookupRequest  *LookupRequest  `msgpack:"kq,omitempty"`
	LookupResponse *LookupResponse `msgpack:"kr,omitempty"`
	Error          *ErrorMessage   `msgpack:"e,omitempty"`
}

// ErrorMessage rejects the rpc request it answers.
type ErrorMessage struct {
	Code    int32  `msgpack:"c"`
	Message string `msgpack:"m,omitempty"`
}

// CommitRequest applies writes atomically outside a stream session, used
// by transaction commits.
type CommitRequest struct {
	Writes []*Mutation `msgpack:"w"`
}

type CommitResponse struct {
	CommitSeconds int64             `msgpack:"cs"`
	CommitNanos   int32             `msgpack:"cn,omitempty"`
	Results       []*MutationResult `msgpack:"r,omitempty"`
}

type LookupRequest struct {
	Paths []string `msgpack:"p"`
}

type LookupResponse struct {
	// one entry per requested path, missing documents as NoDocument kinds
	Docs []*Document `msgpack:"d"`
}

type ListenRequest struct {
	AddTarget    *AddTarget `msgpack:"add,omitempty"`
	RemoveTarget int32      `msgpack:"rm,omitempty"`
}

type AddTarget struct {
	TargetID    int32      `msgpack:"t"`
	Query       *QuerySpec `msgpack:"q"`
	ResumeToken []byte     `msgpack:"r,omitempty"`
}

type ListenResponse struct {
	TargetChange *TargetChangeMessage `msgpack:"tc,omitempty"`
	DocChange    *DocChangeMessage    `msgpack:"dc,omitempty"`
	DocDelete    *DocDeleteMessage    `msgpack:"dd,omitempty"`
	Filter       *FilterMessage       `msgpack:"fi,omitempty"`
}

const (
	TargetStateNoChange int8 = iota
	TargetStateAdded
	TargetStateRemoved
	TargetStateCurrent
	TargetStateReset
)

type TargetChangeMessage struct {
	State       int8    `msgpack:"s"`
	TargetIDs   []int32 `msgpack:"t,omitempty"`
	ResumeToken []byte  `msgpack:"r,omitempty"`
	ReadSeconds int64   `msgpack:"rs,omitempty"`
	ReadNanos   int32   `msgpack:"rn,omitempty"`
	// status code and message for Removed states
	Code    int32  `msgpack:"c,omitempty"`
	Message string `msgpack:"m,omitempty"`
}

type DocChangeMessage struct {
	Doc              *Document `msgpack:"d"`
	UpdatedTargetIDs []int32   `msgpack:"u,omitempty"`
	RemovedTargetIDs []int32   `msgpack:"x,omitempty"`
}

type DocDeleteMessage struct {
	Path             string  `msgpack:"p"`
	Seconds          int64   `msgpack:"vs"`
	Nanos            int32   `msgpack:"vn"`
	RemovedTargetIDs []int32 `msgpack:"x,omitempty"`
}

type FilterMessage struct {
	TargetID int32 `msgpack:"t"`
	Count    int32 `msgpack:"c"`
}

type WriteRequest struct {
	// empty writes with an empty token is the stream handshake
	StreamToken []byte      `msgpack:"s,omitempty"`
	Writes      []*Mutation `msgpack:"w,omitempty"`
}

type WriteResponse struct {
	StreamToken   []byte            `msgpack:"s"`
	CommitSeconds int64             `msgpack:"cs,omitempty"`
	CommitNanos   int32             `msgpack:"cn,omitempty"`
	Results       []*MutationResult `msgpack:"r,omitempty"`
}

type QuerySpec struct {
	Path            string        `msgpack:"p"`
	CollectionGroup string        `msgpack:"g,omitempty"`
	Filters         []*FilterSpec `msgpack:"f,omitempty"`
	OrderBys        []*OrderSpec  `msgpack:"o,omitempty"`
	Limit           int64         `msgpack:"l,omitempty"`
	LimitToLast     bool          `msgpack:"ll,omitempty"`
	StartAt         *BoundSpec    `msgpack:"sa,omitempty"`
	EndAt           *BoundSpec    `msgpack:"ea,omitempty"`
}

type FilterSpec struct {
	Field string `msgpack:"f"`
	Op    int8   `msgpack:"o"`
	Value *Value `msgpack:"v"`
}

type OrderSpec struct {
	Field      string `msgpack:"f"`
	Descending bool   `msgpack:"d,omitempty"`
}

type BoundSpec struct {
	Before   bool     `msgpack:"b,omitempty"`
	Position []*Value `msgpack:"p"`
}

func EncodeQuery(query model.Query) *QuerySpec {
	spec := &QuerySpec{
		Path:            query.Path.String(),
		CollectionGroup: query.CollectionGroup,
	}
	for _, filter := range query.Filters {
		spec.Filters = append(spec.Filters, &FilterSpec{
			Field: filter.Field.String(),
			Op:    int8(filter.Op),
			Value: EncodeValue(filter.Value),
		})
	}
	for _, orderBy := range query.ExplicitOrderBy {
		spec.OrderBys = append(spec.OrderBys, &OrderSpec{
			Field:      orderBy.Field.String(),
			Descending: orderBy.Dir == model.DirectionDescending,
		})
	}
	if query.Limit != model.NoLimit {
		spec.Limit = query.Limit
		spec.LimitToLast = query.LimitType == model.LimitTypeLast
	}
	spec.StartAt = encodeBound(query.StartAt)
	spec.EndAt = encodeBound(query.EndAt)
	return spec
}

func DecodeQuery(spec *QuerySpec) (model.Query, error) {
	var query model.Query
	if spec.CollectionGroup != "" {
		query = model.NewCollectionGroupQuery(spec.CollectionGroup)
		query.Path = model.ResourcePathFromString(spec.Path)
	} else {
		query = model.NewQuery(model.ResourcePathFromString(spec.Path))
	}
	for _, filter := range spec.Filters {
		value, err := DecodeValue(filter.Value)
		if err != nil {
			return query, err
		}
		query = query.WithFilter(model.NewFieldFilter(
			model.FieldPathFromDottedString(filter.Field),
			model.Operator(filter.Op),
			value,
		))
	}
	for _, orderBy := range spec.OrderBys {
		dir := model.DirectionAscending
		if orderBy.Descending {
			dir = model.DirectionDescending
		}
		query = query.WithOrderBy(model.NewOrderBy(
			model.FieldPathFromDottedString(orderBy.Field), dir))
	}
	if spec.Limit != 0 {
		if spec.LimitToLast {
			query = query.WithLimitToLast(spec.Limit)
		} else {
			query = query.WithLimitToFirst(spec.Limit)
		}
	}
	startAt, err := decodeBound(spec.StartAt)
	if err != nil {
		return query, err
	}
	endAt, err := decodeBound(spec.EndAt)
	if err != nil {
		return query, err
	}
	return query.WithStartAt(startAt).WithEndAt(endAt), nil
}

func encodeBound(bound *model.Bound) *BoundSpec {
	if bound == nil {
		return nil
	}
	spec := &BoundSpec{
		Before: bound.Before,
	}
	for _, component := range bound.Position {
		spec.Position = append(spec.Position, EncodeValue(component))
	}
	return spec
}

func decodeBound(spec *BoundSpec) (*model.Bound, error) {
	if spec == nil {
		return nil, nil
	}
	bound := &model.Bound{
		Before: spec.Before,
	}
	for _, component := range spec.Position {
		value, err := DecodeValue(component)
		if err != nil {
			return nil, err
		}
		bound.Position = append(bound.Position, value)
	}
	return bound, nil
}

func EncodeVersion(version model.SnapshotVersion) (int64, int32) {
	return version.Timestamp().Seconds, version.Timestamp().Nanos
}

func DecodeVersion(seconds int64, nanos int32) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{
		Seconds: seconds,
		Nanos:   nanos,
	})
}

func DecodeTargetIDs(ids []int32) []model.TargetID {
	targetIDs := make([]model.TargetID, len(ids))
	for i, id := range ids {
		targetIDs[i] = model.TargetID(id)
	}
	return targetIDs
}

func unknownKind(what string, kind int8) error {
	return fmt.Errorf("unknown %s kind %d", what, kind)
}
