package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/docbase/docsync/model"
)

func version(seconds int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: seconds})
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := model.NewDocument(
		model.DocumentKeyFromString("users/alice"),
		version(9),
		model.WrapObject(map[string]any{
			"name":  "alice",
			"count": 3,
			"score": 1.5,
			"tags":  []any{"a", "b"},
			"address": map[string]any{
				"city": "zurich",
			},
			"ref": model.ReferenceValue{Key: model.DocumentKeyFromString("users/bob")},
		}),
		model.DocumentStateSynced,
	)

	encoded, err := EncodeMaybeDocument(doc)
	assert.Equal(t, nil, err)
	decoded, err := DecodeMaybeDocument(encoded)
	assert.Equal(t, nil, err)

	decodedDoc := decoded.(*model.Document)
	assert.Equal(t, true, doc.Equals(decodedDoc))
	assert.Equal(t, false, decodedDoc.HasLocalMutations())

	noDoc := model.NewNoDocument(model.DocumentKeyFromString("users/alice"), version(4), true)
	encoded, err = EncodeMaybeDocument(noDoc)
	assert.Equal(t, nil, err)
	decoded, err = DecodeMaybeDocument(encoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, decoded.(*model.NoDocument).HasCommittedMutations())
	assert.Equal(t, version(4), decoded.Version())

	unknownDoc := model.NewUnknownDocument(model.DocumentKeyFromString("users/alice"), version(7))
	encoded, err = EncodeMaybeDocument(unknownDoc)
	assert.Equal(t, nil, err)
	decoded, err = DecodeMaybeDocument(encoded)
	assert.Equal(t, nil, err)
	_, isUnknown := decoded.(*model.UnknownDocument)
	assert.Equal(t, true, isUnknown)
}

func TestServerTimestampRoundTrip(t *testing.T) {
	value := model.ServerTimestampValue{
		LocalWriteTime: model.Timestamp{Seconds: 100, Nanos: 5},
		Previous:       model.IntegerValue(3),
	}

	decoded, err := DecodeValue(EncodeValue(value))
	assert.Equal(t, nil, err)
	roundTripped := decoded.(model.ServerTimestampValue)
	assert.Equal(t, value.LocalWriteTime, roundTripped.LocalWriteTime)
	assert.Equal(t, true, roundTripped.Previous.Equals(model.IntegerValue(3)))
}

func TestMutationRoundTrip(t *testing.T) {
	key := model.DocumentKeyFromString("users/alice")

	set := model.NewSetMutation(key, model.WrapObject(map[string]any{"a": 1}), model.PreconditionNone())
	decoded, err := DecodeMutation(EncodeMutation(set))
	assert.Equal(t, nil, err)
	decodedSet := decoded.(*model.SetMutation)
	assert.Equal(t, true, decodedSet.Key().Equals(key))
	assert.Equal(t, true, decodedSet.Value().Equals(set.Value()))

	patch := model.NewPatchMutation(
		key,
		model.WrapObject(map[string]any{"address": map[string]any{"city": "bern"}}),
		model.FieldMask{model.FieldPathFromDottedString("address.city")},
		model.PreconditionExists(true),
	)
	decoded, err = DecodeMutation(EncodeMutation(patch))
	assert.Equal(t, nil, err)
	decodedPatch := decoded.(*model.PatchMutation)
	assert.Equal(t, 1, len(decodedPatch.Mask()))
	assert.Equal(t, "address.city", decodedPatch.Mask()[0].String())
	assert.Equal(t, true, *decodedPatch.Precondition().Exists)

	transform := model.NewTransformMutation(key, []model.FieldTransform{
		{Path: model.FieldPathFromDottedString("updatedAt"), Op: model.ServerTimestampOperation{}},
		{Path: model.FieldPathFromDottedString("count"), Op: model.NumericIncrementOperation{Operand: model.IntegerValue(2)}},
		{Path: model.FieldPathFromDottedString("tags"), Op: model.ArrayUnionOperation{Elements: []model.FieldValue{model.StringValue("x")}}},
	})
	decoded, err = DecodeMutation(EncodeMutation(transform))
	assert.Equal(t, nil, err)
	decodedTransform := decoded.(*model.TransformMutation)
	assert.Equal(t, 3, len(decodedTransform.FieldTransforms()))
	increment := decodedTransform.FieldTransforms()[1].Op.(model.NumericIncrementOperation)
	assert.Equal(t, model.IntegerValue(2), increment.Operand)

	deleteMutation := model.NewDeleteMutation(key, model.PreconditionUpdateTime(version(8)))
	decoded, err = DecodeMutation(EncodeMutation(deleteMutation))
	assert.Equal(t, nil, err)
	decodedDelete := decoded.(*model.DeleteMutation)
	assert.Equal(t, true, decodedDelete.Precondition().UpdateTime.Equals(version(8)))
}

func TestMutationResultRoundTrip(t *testing.T) {
	withTransform := model.MutationResult{
		Version:          version(20),
		TransformResults: []model.FieldValue{model.IntegerValue(5)},
	}
	decoded, err := DecodeMutationResult(EncodeMutationResult(withTransform))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, decoded.Version.Equals(version(20)))
	assert.Equal(t, 1, len(decoded.TransformResults))

	withoutTransform := model.MutationResult{Version: version(21)}
	decoded, err = DecodeMutationResult(EncodeMutationResult(withoutTransform))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, decoded.TransformResults)
}

func TestQueryRoundTrip(t *testing.T) {
	query := model.NewQuery(model.ResourcePathFromString("rooms/eros/messages")).
		WithFilter(model.NewFieldFilter(
			model.FieldPathFromDottedString("priority"), model.OperatorGreaterThan, model.IntegerValue(2))).
		WithOrderBy(model.NewOrderBy(model.FieldPathFromDottedString("priority"), model.DirectionDescending)).
		WithLimitToFirst(10).
		WithStartAt(&model.Bound{Position: []model.FieldValue{model.IntegerValue(9)}, Before: true})

	decoded, err := DecodeQuery(EncodeQuery(query))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, decoded.Equals(query))

	group := model.NewCollectionGroupQuery("messages").WithLimitToLast(3).
		WithOrderBy(model.NewOrderBy(model.FieldPathFromDottedString("ts"), model.DirectionAscending))
	decoded, err = DecodeQuery(EncodeQuery(group))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, decoded.Equals(group))
}
