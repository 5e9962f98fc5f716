package protocol

import (
	"github.com/docbase/docsync/model"
)

const (
	MutationSet int8 = iota
	MutationPatch
	MutationTransform
	MutationDelete
	MutationVerify
)

const (
	TransformServerTimestamp int8 = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

type Mutation struct {
	Kind       int8              `msgpack:"k"`
	Path       string            `msgpack:"p"`
	Value      *Value            `msgpack:"v,omitempty"`
	Mask       []string          `msgpack:"m,omitempty"`
	Transforms []*FieldTransform `msgpack:"t,omitempty"`
	// precondition, when present
	Exists        *bool `msgpack:"e,omitempty"`
	UpdateSeconds int64 `msgpack:"us,omitempty"`
	UpdateNanos   int32 `msgpack:"un,omitempty"`
	HasUpdateTime bool  `msgpack:"ut,omitempty"`
}

type FieldTransform struct {
	Field    string   `msgpack:"f"`
	Op       int8     `msgpack:"o"`
	Operand  *Value   `msgpack:"v,omitempty"`
	Elements []*Value `msgpack:"e,omitempty"`
}

type MutationResult struct {
	Seconds          int64    `msgpack:"vs"`
	Nanos            int32    `msgpack:"vn"`
	TransformResults []*Value `msgpack:"t,omitempty"`
	HasTransform     bool     `msgpack:"ht,omitempty"`
}

func EncodeMutation(mutation model.Mutation) *Mutation {
	encoded := &Mutation{
		Path: mutation.Key().String(),
	}
	switch m := mutation.(type) {
	case *model.SetMutation:
		encoded.Kind = MutationSet
		encoded.Value = EncodeValue(m.Value())
	case *model.PatchMutation:
		encoded.Kind = MutationPatch
		encoded.Value = EncodeValue(m.Value())
		for _, path := range m.Mask() {
			encoded.Mask = append(encoded.Mask, path.String())
		}
		if encoded.Mask == nil {
			encoded.Mask = []string{}
		}
	case *model.TransformMutation:
		encoded.Kind = MutationTransform
		for _, fieldTransform := range m.FieldTransforms() {
			encoded.Transforms = append(encoded.Transforms, encodeFieldTransform(fieldTransform))
		}
	case *model.DeleteMutation:
		encoded.Kind = MutationDelete
	case *model.VerifyMutation:
		encoded.Kind = MutationVerify
	default:
		panic("Unknown mutation type.")
	}
	encodePrecondition(encoded, mutation.Precondition())
	return encoded
}

func DecodeMutation(encoded *Mutation) (model.Mutation, error) {
	key := model.DocumentKeyFromString(encoded.Path)
	precondition := decodePrecondition(encoded)
	switch encoded.Kind {
	case MutationSet:
		value, err := decodeObject(encoded.Value)
		if err != nil {
			return nil, err
		}
		return model.NewSetMutation(key, value, precondition), nil
	case MutationPatch:
		value, err := decodeObject(encoded.Value)
		if err != nil {
			return nil, err
		}
		mask := make(model.FieldMask, len(encoded.Mask))
		for i, field := range encoded.Mask {
			mask[i] = model.FieldPathFromDottedString(field)
		}
		return model.NewPatchMutation(key, value, mask, precondition), nil
	case MutationTransform:
		fieldTransforms := make([]model.FieldTransform, len(encoded.Transforms))
		for i, encodedTransform := range encoded.Transforms {
			fieldTransform, err := decodeFieldTransform(encodedTransform)
			if err != nil {
				return nil, err
			}
			fieldTransforms[i] = fieldTransform
		}
		return model.NewTransformMutation(key, fieldTransforms), nil
	case MutationDelete:
		return model.NewDeleteMutation(key, precondition), nil
	case MutationVerify:
		return model.NewVerifyMutation(key, precondition), nil
	default:
		return nil, unknownKind("mutation", encoded.Kind)
	}
}

func encodePrecondition(encoded *Mutation, precondition model.Precondition) {
	if precondition.Exists != nil {
		encoded.Exists = precondition.Exists
	}
	if precondition.UpdateTime != nil {
		encoded.HasUpdateTime = true
		encoded.UpdateSeconds, encoded.UpdateNanos = EncodeVersion(*precondition.UpdateTime)
	}
}

func decodePrecondition(encoded *Mutation) model.Precondition {
	if encoded.HasUpdateTime {
		return model.PreconditionUpdateTime(DecodeVersion(encoded.UpdateSeconds, encoded.UpdateNanos))
	}
	if encoded.Exists != nil {
		return model.PreconditionExists(*encoded.Exists)
	}
	return model.PreconditionNone()
}

func encodeFieldTransform(fieldTransform model.FieldTransform) *FieldTransform {
	encoded := &FieldTransform{
		Field: fieldTransform.Path.String(),
	}
	switch op := fieldTransform.Op.(type) {
	case model.ServerTimestampOperation:
		encoded.Op = TransformServerTimestamp
	case model.ArrayUnionOperation:
		encoded.Op = TransformArrayUnion
		encoded.Elements = encodeElements(op.Elements)
	case model.ArrayRemoveOperation:
		encoded.Op = TransformArrayRemove
		encoded.Elements = encodeElements(op.Elements)
	case model.NumericIncrementOperation:
		encoded.Op = TransformIncrement
		encoded.Operand = EncodeValue(op.Operand)
	default:
		panic("Unknown transform operation type.")
	}
	return encoded
}

func decodeFieldTransform(encoded *FieldTransform) (model.FieldTransform, error) {
	fieldTransform := model.FieldTransform{
		Path: model.FieldPathFromDottedString(encoded.Field),
	}
	switch encoded.Op {
	case TransformServerTimestamp:
		fieldTransform.Op = model.ServerTimestampOperation{}
	case TransformArrayUnion:
		elements, err := decodeElements(encoded.Elements)
		if err != nil {
			return fieldTransform, err
		}
		fieldTransform.Op = model.ArrayUnionOperation{Elements: elements}
	case TransformArrayRemove:
		elements, err := decodeElements(encoded.Elements)
		if err != nil {
			return fieldTransform, err
		}
		fieldTransform.Op = model.ArrayRemoveOperation{Elements: elements}
	case TransformIncrement:
		operand, err := DecodeValue(encoded.Operand)
		if err != nil {
			return fieldTransform, err
		}
		fieldTransform.Op = model.NumericIncrementOperation{Operand: operand}
	default:
		return fieldTransform, unknownKind("transform", encoded.Op)
	}
	return fieldTransform, nil
}

func EncodeMutationResult(result model.MutationResult) *MutationResult {
	encoded := &MutationResult{}
	encoded.Seconds, encoded.Nanos = EncodeVersion(result.Version)
	if result.TransformResults != nil {
		encoded.HasTransform = true
		encoded.TransformResults = encodeElements(result.TransformResults)
	}
	return encoded
}

func DecodeMutationResult(encoded *MutationResult) (model.MutationResult, error) {
	result := model.MutationResult{
		Version: DecodeVersion(encoded.Seconds, encoded.Nanos),
	}
	if encoded.HasTransform {
		transformResults, err := decodeElements(encoded.TransformResults)
		if err != nil {
			return result, err
		}
		if transformResults == nil {
			transformResults = []model.FieldValue{}
		}
		result.TransformResults = transformResults
	}
	return result, nil
}

func encodeElements(elements []model.FieldValue) []*Value {
	encoded := make([]*Value, len(elements))
	for i, element := range elements {
		encoded[i] = EncodeValue(element)
	}
	return encoded
}

func decodeElements(encoded []*Value) ([]model.FieldValue, error) {
	if encoded == nil {
		return nil, nil
	}
	elements := make([]model.FieldValue, len(encoded))
	for i, element := range encoded {
		decoded, err := DecodeValue(element)
		if err != nil {
			return nil, err
		}
		elements[i] = decoded
	}
	return elements, nil
}

func decodeObject(encoded *Value) (model.ObjectValue, error) {
	value, err := DecodeValue(encoded)
	if err != nil {
		return model.ObjectValue{}, err
	}
	object, ok := value.(model.ObjectValue)
	if !ok {
		return model.ObjectValue{}, unknownKind("object value", encoded.Kind)
	}
	return object, nil
}
