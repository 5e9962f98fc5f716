package model

import (
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValueTypeOrdering(t *testing.T) {
	// each group sorts strictly after all earlier groups
	groups := [][]FieldValue{
		{NullValue{}},
		{BooleanValue(false)},
		{BooleanValue(true)},
		{DoubleValue(math.NaN())},
		{DoubleValue(math.Inf(-1))},
		{IntegerValue(-1), DoubleValue(-1.0)},
		{DoubleValue(-0.0), DoubleValue(0.0), IntegerValue(0)},
		{IntegerValue(1), DoubleValue(1.0)},
		{DoubleValue(1.5)},
		{TimestampValue(Timestamp{Seconds: 100})},
		{TimestampValue(Timestamp{Seconds: 100, Nanos: 1})},
		{ServerTimestampValue{LocalWriteTime: Timestamp{Seconds: 1}}},
		{StringValue("")},
		{StringValue("a")},
		{StringValue("b")},
		{BytesValue{}},
		{BytesValue{0}},
		{BytesValue{0, 1}},
		{ReferenceValue{Key: DocumentKeyFromString("c/a")}},
		{ReferenceValue{Key: DocumentKeyFromString("c/b")}},
		{GeoPointValue{Latitude: -90, Longitude: 0}},
		{GeoPointValue{Latitude: 0, Longitude: -10}},
		{GeoPointValue{Latitude: 0, Longitude: 10}},
		{NewArrayValue()},
		{NewArrayValue(StringValue("a"))},
		{NewArrayValue(StringValue("a"), StringValue("b"))},
		{NewArrayValue(StringValue("b"))},
		{WrapObject(map[string]any{"a": 1})},
		{WrapObject(map[string]any{"a": 2})},
		{WrapObject(map[string]any{"a": 2, "b": 1})},
		{WrapObject(map[string]any{"b": 1})},
	}
	for i, groupA := range groups {
		for _, a := range groupA {
			for j, groupB := range groups {
				for _, b := range groupB {
					c := CompareValues(a, b)
					if i < j {
						assert.Equal(t, -1, c)
					} else if j < i {
						assert.Equal(t, 1, c)
					} else {
						assert.Equal(t, 0, c)
					}
				}
			}
		}
	}
}

func TestNumberEquality(t *testing.T) {
	// integers and doubles compare equal but are never Equals
	assert.Equal(t, 0, CompareValues(IntegerValue(1), DoubleValue(1.0)))
	assert.Equal(t, false, IntegerValue(1).Equals(DoubleValue(1.0)))
	assert.Equal(t, true, IntegerValue(1).Equals(IntegerValue(1)))

	// NaN equals itself under bitwise equality
	nan := DoubleValue(math.NaN())
	assert.Equal(t, true, nan.Equals(nan))
	assert.Equal(t, 0, CompareValues(nan, nan))

	// -0.0 and 0.0 compare equal but differ bitwise
	assert.Equal(t, 0, CompareValues(DoubleValue(math.Copysign(0, -1)), DoubleValue(0.0)))
	assert.Equal(t, false, DoubleValue(math.Copysign(0, -1)).Equals(DoubleValue(0.0)))
}

func TestObjectValueSetGetDelete(t *testing.T) {
	object := WrapObject(map[string]any{
		"name": "alice",
		"address": map[string]any{
			"city": "zurich",
			"zip":  8000,
		},
	})

	assert.Equal(t, StringValue("alice"), object.Get(FieldPathFromDottedString("name")))
	assert.Equal(t, StringValue("zurich"), object.Get(FieldPathFromDottedString("address.city")))
	assert.Equal(t, nil, object.Get(FieldPathFromDottedString("address.street")))
	assert.Equal(t, nil, object.Get(FieldPathFromDottedString("name.first")))

	updated := object.Set(FieldPathFromDottedString("address.city"), StringValue("bern"))
	assert.Equal(t, StringValue("bern"), updated.Get(FieldPathFromDottedString("address.city")))
	// the original is untouched
	assert.Equal(t, StringValue("zurich"), object.Get(FieldPathFromDottedString("address.city")))

	deleted := updated.Delete(FieldPathFromDottedString("address.zip"))
	assert.Equal(t, nil, deleted.Get(FieldPathFromDottedString("address.zip")))
	assert.Equal(t, StringValue("bern"), deleted.Get(FieldPathFromDottedString("address.city")))

	// setting through a non-map value replaces it
	replaced := object.Set(FieldPathFromDottedString("name.first"), StringValue("a"))
	assert.Equal(t, StringValue("a"), replaced.Get(FieldPathFromDottedString("name.first")))
}

func TestObjectValueFieldMask(t *testing.T) {
	object := WrapObject(map[string]any{
		"a": 1,
		"b": map[string]any{
			"c": 2,
			"d": map[string]any{
				"e": 3,
			},
		},
		"f": map[string]any{},
	})
	mask := object.FieldMask()
	paths := make([]string, len(mask))
	for i, path := range mask {
		paths[i] = path.String()
	}
	assert.Equal(t, []string{"a", "b.c", "b.d.e", "f"}, paths)
}

func TestWrap(t *testing.T) {
	assert.Equal(t, NullValue{}, Wrap(nil))
	assert.Equal(t, IntegerValue(7), Wrap(7))
	assert.Equal(t, DoubleValue(1.5), Wrap(1.5))
	assert.Equal(t, StringValue("x"), Wrap("x"))
	assert.Equal(t, BooleanValue(true), Wrap(true))
	array := Wrap([]any{1, "a"}).(ArrayValue)
	assert.Equal(t, 2, array.Len())
	assert.Equal(t, IntegerValue(1), array.Element(0))
}

func TestDocumentSetOrdering(t *testing.T) {
	byCount := func(a *Document, b *Document) int {
		return CompareValues(a.Field(NewFieldPath("count")), b.Field(NewFieldPath("count")))
	}
	docs := NewDocumentSet(byCount)

	docA := testDoc("c/a", 1, map[string]any{"count": 3})
	docB := testDoc("c/b", 1, map[string]any{"count": 1})
	docC := testDoc("c/c", 1, map[string]any{"count": 3})

	docs = docs.Add(docA).Add(docB).Add(docC)
	assert.Equal(t, 3, docs.Size())
	assert.Equal(t, docB, docs.First())
	// ties break by key
	assert.Equal(t, docC, docs.Last())
	assert.Equal(t, 1, docs.IndexOf(docA.Key()))

	// replacing a document re-sorts it
	docs = docs.Add(testDoc("c/b", 2, map[string]any{"count": 9}))
	assert.Equal(t, docA, docs.First())
	assert.Equal(t, 2, docs.IndexOf(docB.Key()))

	docs = docs.Remove(docA.Key())
	assert.Equal(t, 2, docs.Size())
	assert.Equal(t, -1, docs.IndexOf(docA.Key()))
}

func testDoc(path string, version int64, fields map[string]any) *Document {
	return NewDocument(
		DocumentKeyFromString(path),
		NewSnapshotVersion(Timestamp{Seconds: version}),
		WrapObject(fields),
		DocumentStateSynced,
	)
}

func testDocAtState(path string, version int64, fields map[string]any, state DocumentState) *Document {
	return NewDocument(
		DocumentKeyFromString(path),
		NewSnapshotVersion(Timestamp{Seconds: version}),
		WrapObject(fields),
		state,
	)
}
