package model

import (
	"sort"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestQueryMatchesPath(t *testing.T) {
	query := NewQuery(ResourcePathFromString("rooms"))
	assert.Equal(t, true, query.Matches(testDoc("rooms/a", 1, nil)))
	// only direct children match
	assert.Equal(t, false, query.Matches(testDoc("rooms/a/messages/b", 1, nil)))
	assert.Equal(t, false, query.Matches(testDoc("users/a", 1, nil)))

	group := NewCollectionGroupQuery("messages")
	assert.Equal(t, true, group.Matches(testDoc("rooms/a/messages/b", 1, nil)))
	assert.Equal(t, true, group.Matches(testDoc("messages/b", 1, nil)))
	assert.Equal(t, false, group.Matches(testDoc("rooms/a", 1, nil)))
}

func TestQueryFieldFilters(t *testing.T) {
	match := testDoc("c/a", 1, map[string]any{"count": 5, "tags": []any{"x", "y"}})
	field := NewFieldPath("count")

	cases := []struct {
		op       Operator
		value    FieldValue
		expected bool
	}{
		{OperatorEqual, IntegerValue(5), true},
		{OperatorEqual, IntegerValue(4), false},
		{OperatorNotEqual, IntegerValue(4), true},
		{OperatorNotEqual, IntegerValue(5), false},
		{OperatorLessThan, IntegerValue(6), true},
		{OperatorLessThan, IntegerValue(5), false},
		{OperatorLessThanOrEqual, IntegerValue(5), true},
		{OperatorGreaterThan, IntegerValue(4), true},
		{OperatorGreaterThanOrEqual, IntegerValue(5), true},
		{OperatorIn, NewArrayValue(IntegerValue(4), IntegerValue(5)), true},
		{OperatorIn, NewArrayValue(IntegerValue(4)), false},
		{OperatorNotIn, NewArrayValue(IntegerValue(4)), true},
		{OperatorNotIn, NewArrayValue(IntegerValue(5)), false},
	}
	for _, c := range cases {
		query := NewQuery(ResourcePathFromString("c")).
			WithFilter(NewFieldFilter(field, c.op, c.value))
		assert.Equal(t, c.expected, query.Matches(match))
	}

	contains := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("tags"), OperatorArrayContains, StringValue("x")))
	assert.Equal(t, true, contains.Matches(match))

	containsAny := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("tags"), OperatorArrayContainsAny,
			NewArrayValue(StringValue("y"), StringValue("z"))))
	assert.Equal(t, true, containsAny.Matches(match))

	// missing fields never match, not even not-equal
	missing := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("other"), OperatorNotEqual, IntegerValue(1)))
	assert.Equal(t, false, missing.Matches(match))
}

func TestQueryInequalityRequiresMatchingTypeRank(t *testing.T) {
	stringDoc := testDoc("c/a", 1, map[string]any{"v": "zzz"})
	numberFilter := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("v"), OperatorGreaterThan, IntegerValue(1)))
	// strings sort after numbers globally, but cross-rank comparisons never match
	assert.Equal(t, false, numberFilter.Matches(stringDoc))

	notEqualCrossRank := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("v"), OperatorNotEqual, IntegerValue(1)))
	assert.Equal(t, false, notEqualCrossRank.Matches(stringDoc))

	nullDoc := testDoc("c/a", 1, map[string]any{"v": nil})
	assert.Equal(t, false, notEqualCrossRank.Matches(nullDoc))
}

func TestQueryKeyFieldFilter(t *testing.T) {
	ref := ReferenceValue{Key: DocumentKeyFromString("c/m")}
	after := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(KeyFieldPath, OperatorGreaterThan, ref))
	assert.Equal(t, false, after.Matches(testDoc("c/a", 1, nil)))
	assert.Equal(t, true, after.Matches(testDoc("c/z", 1, nil)))
}

func TestQueryOrderBys(t *testing.T) {
	base := NewQuery(ResourcePathFromString("c"))

	// bare queries order by key only
	orderBys := base.OrderBys()
	assert.Equal(t, 1, len(orderBys))
	assert.Equal(t, true, orderBys[0].Field.IsKeyField())

	// an inequality filter implies a leading order on its field
	inequality := base.WithFilter(NewFieldFilter(NewFieldPath("count"), OperatorGreaterThan, IntegerValue(1)))
	orderBys = inequality.OrderBys()
	assert.Equal(t, 2, len(orderBys))
	assert.Equal(t, "count", orderBys[0].Field.String())
	assert.Equal(t, true, orderBys[1].Field.IsKeyField())

	// the trailing key order inherits the last explicit direction
	explicit := base.WithOrderBy(NewOrderBy(NewFieldPath("count"), DirectionDescending))
	orderBys = explicit.OrderBys()
	assert.Equal(t, 2, len(orderBys))
	assert.Equal(t, DirectionDescending, orderBys[1].Dir)
}

func TestQueryMatchesOrderByFields(t *testing.T) {
	query := NewQuery(ResourcePathFromString("c")).
		WithOrderBy(NewOrderBy(NewFieldPath("count"), DirectionAscending))
	assert.Equal(t, true, query.Matches(testDoc("c/a", 1, map[string]any{"count": 1})))
	// documents missing an explicitly ordered field are not comparable
	assert.Equal(t, false, query.Matches(testDoc("c/a", 1, map[string]any{"other": 1})))
}

func TestQueryComparator(t *testing.T) {
	query := NewQuery(ResourcePathFromString("c")).
		WithOrderBy(NewOrderBy(NewFieldPath("count"), DirectionDescending))
	docs := []*Document{
		testDoc("c/a", 1, map[string]any{"count": 1}),
		testDoc("c/b", 1, map[string]any{"count": 3}),
		testDoc("c/c", 1, map[string]any{"count": 3}),
		testDoc("c/d", 1, map[string]any{"count": 2}),
	}
	cmp := query.Comparator()
	sort.Slice(docs, func(i, j int) bool {
		return cmp(docs[i], docs[j]) < 0
	})
	paths := make([]string, len(docs))
	for i, doc := range docs {
		paths[i] = doc.Key().String()
	}
	// descending count, ties broken by descending key
	assert.Equal(t, []string{"c/c", "c/b", "c/d", "c/a"}, paths)
}

func TestQueryBounds(t *testing.T) {
	query := NewQuery(ResourcePathFromString("c")).
		WithOrderBy(NewOrderBy(NewFieldPath("count"), DirectionAscending))

	doc1 := testDoc("c/a", 1, map[string]any{"count": 1})
	doc2 := testDoc("c/b", 1, map[string]any{"count": 2})
	doc3 := testDoc("c/c", 1, map[string]any{"count": 3})

	inclusive := query.WithStartAt(&Bound{Position: []FieldValue{IntegerValue(2)}, Before: true})
	assert.Equal(t, false, inclusive.Matches(doc1))
	assert.Equal(t, true, inclusive.Matches(doc2))
	assert.Equal(t, true, inclusive.Matches(doc3))

	exclusive := query.WithStartAt(&Bound{Position: []FieldValue{IntegerValue(2)}, Before: false})
	assert.Equal(t, false, exclusive.Matches(doc2))
	assert.Equal(t, true, exclusive.Matches(doc3))

	endInclusive := query.WithEndAt(&Bound{Position: []FieldValue{IntegerValue(2)}, Before: false})
	assert.Equal(t, true, endInclusive.Matches(doc1))
	assert.Equal(t, true, endInclusive.Matches(doc2))
	assert.Equal(t, false, endInclusive.Matches(doc3))

	endExclusive := query.WithEndAt(&Bound{Position: []FieldValue{IntegerValue(2)}, Before: true})
	assert.Equal(t, false, endExclusive.Matches(doc2))
}

func TestQueryCanonicalID(t *testing.T) {
	a := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("count"), OperatorGreaterThan, IntegerValue(1))).
		WithLimitToFirst(10)
	b := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("count"), OperatorGreaterThan, IntegerValue(1))).
		WithLimitToFirst(10)
	assert.Equal(t, true, a.Equals(b))

	// limit-to-last is a distinct query
	c := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("count"), OperatorGreaterThan, IntegerValue(1))).
		WithLimitToLast(10)
	assert.Equal(t, false, a.Equals(c))

	// filter order is significant
	d := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("a"), OperatorEqual, IntegerValue(1))).
		WithFilter(NewFieldFilter(NewFieldPath("b"), OperatorEqual, IntegerValue(2)))
	e := NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("b"), OperatorEqual, IntegerValue(2))).
		WithFilter(NewFieldFilter(NewFieldPath("a"), OperatorEqual, IntegerValue(1)))
	assert.Equal(t, false, d.Equals(e))
}

func TestQueryMatchesAllDocuments(t *testing.T) {
	assert.Equal(t, true, NewQuery(ResourcePathFromString("c")).MatchesAllDocuments())
	assert.Equal(t, true, NewQuery(ResourcePathFromString("c")).
		WithOrderBy(NewOrderBy(KeyFieldPath, DirectionAscending)).MatchesAllDocuments())
	assert.Equal(t, false, NewQuery(ResourcePathFromString("c")).
		WithOrderBy(NewOrderBy(NewFieldPath("count"), DirectionAscending)).MatchesAllDocuments())
	assert.Equal(t, false, NewQuery(ResourcePathFromString("c")).
		WithFilter(NewFieldFilter(NewFieldPath("count"), OperatorEqual, IntegerValue(1))).MatchesAllDocuments())
	assert.Equal(t, false, NewQuery(ResourcePathFromString("c")).WithLimitToFirst(5).MatchesAllDocuments())
}

func TestTargetDataUpdates(t *testing.T) {
	query := NewQuery(ResourcePathFromString("c"))
	target := NewTargetData(query, 2, 1, TargetPurposeListen)
	assert.Equal(t, SnapshotVersionZero, target.SnapshotVersion())

	version := NewSnapshotVersion(Timestamp{Seconds: 30})
	updated := target.WithResumeToken([]byte("token"), version)
	assert.Equal(t, version, updated.SnapshotVersion())
	assert.Equal(t, []byte("token"), updated.ResumeToken())
	// the original is unchanged
	assert.Equal(t, SnapshotVersionZero, target.SnapshotVersion())
	assert.Equal(t, 0, len(target.ResumeToken()))

	bumped := updated.WithSequenceNumber(9)
	assert.Equal(t, ListenSequenceNumber(9), bumped.SequenceNumber())
	assert.Equal(t, false, bumped.Equals(updated))
}
