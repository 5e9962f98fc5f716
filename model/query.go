package model

import (
	"fmt"
	"strconv"
	"strings"
)

type Operator int

const (
	OperatorLessThan Operator = iota
	OperatorLessThanOrEqual
	OperatorEqual
	OperatorNotEqual
	OperatorGreaterThan
	OperatorGreaterThanOrEqual
	OperatorArrayContains
	OperatorIn
	OperatorNotIn
	OperatorArrayContainsAny
)

var operatorNames = map[Operator]string{
	OperatorLessThan:           "<",
	OperatorLessThanOrEqual:    "<=",
	OperatorEqual:              "==",
	OperatorNotEqual:           "!=",
	OperatorGreaterThan:        ">",
	OperatorGreaterThanOrEqual: ">=",
	OperatorArrayContains:      "array-contains",
	OperatorIn:                 "in",
	OperatorNotIn:              "not-in",
	OperatorArrayContainsAny:   "array-contains-any",
}

func (self Operator) String() string {
	return operatorNames[self]
}

func (self Operator) IsInequality() bool {
	switch self {
	case OperatorLessThan, OperatorLessThanOrEqual, OperatorGreaterThan,
		OperatorGreaterThanOrEqual, OperatorNotEqual:
		return true
	}
	return false
}

// FieldFilter is the single predicate form: field op value.
type FieldFilter struct {
	Field FieldPath
	Op    Operator
	Value FieldValue
}

func NewFieldFilter(field FieldPath, op Operator, value FieldValue) FieldFilter {
	return FieldFilter{
		Field: field,
		Op:    op,
		Value: value,
	}
}

func (self FieldFilter) Matches(doc *Document) bool {
	if self.Field.IsKeyField() {
		return self.matchesKey(doc.Key())
	}
	docValue := doc.Field(self.Field)
	switch self.Op {
	case OperatorArrayContains:
		array, ok := docValue.(ArrayValue)
		return ok && array.Contains(self.Value)
	case OperatorArrayContainsAny:
		array, ok := docValue.(ArrayValue)
		if !ok {
			return false
		}
		for _, element := range self.Value.(ArrayValue).Elements() {
			if array.Contains(element) {
				return true
			}
		}
		return false
	case OperatorIn:
		return docValue != nil && self.Value.(ArrayValue).Contains(docValue)
	case OperatorNotIn:
		if docValue == nil || isNullValue(docValue) {
			return false
		}
		return !self.Value.(ArrayValue).Contains(docValue)
	case OperatorNotEqual:
		// both sides must be non-null values of the same type rank
		if docValue == nil || isNullValue(docValue) || isNullValue(self.Value) {
			return false
		}
		return docValue.TypeOrder() == self.Value.TypeOrder() && !docValue.Equals(self.Value)
	case OperatorEqual:
		return docValue != nil && docValue.Equals(self.Value)
	default:
		// ordered comparisons only apply within one type rank
		if docValue == nil || docValue.TypeOrder() != self.Value.TypeOrder() {
			return false
		}
		return self.matchesComparison(CompareValues(docValue, self.Value))
	}
}

func (self FieldFilter) matchesKey(key DocumentKey) bool {
	switch self.Op {
	case OperatorIn:
		for _, element := range self.Value.(ArrayValue).Elements() {
			if ref, ok := element.(ReferenceValue); ok && ref.Key.Equals(key) {
				return true
			}
		}
		return false
	case OperatorNotIn:
		for _, element := range self.Value.(ArrayValue).Elements() {
			if ref, ok := element.(ReferenceValue); ok && ref.Key.Equals(key) {
				return false
			}
		}
		return true
	default:
		ref, ok := self.Value.(ReferenceValue)
		if !ok {
			panic("Key field filters require a reference value.")
		}
		return self.matchesComparison(key.Compare(ref.Key))
	}
}

func (self FieldFilter) matchesComparison(comparison int) bool {
	switch self.Op {
	case OperatorLessThan:
		return comparison < 0
	case OperatorLessThanOrEqual:
		return comparison <= 0
	case OperatorEqual:
		return comparison == 0
	case OperatorNotEqual:
		return comparison != 0
	case OperatorGreaterThan:
		return 0 < comparison
	case OperatorGreaterThanOrEqual:
		return 0 <= comparison
	default:
		panic(fmt.Sprintf("Operator %s is not a comparison.", self.Op))
	}
}

func (self FieldFilter) CanonicalString() string {
	return fmt.Sprintf("%s%s%v", self.Field, self.Op, canonicalValue(self.Value))
}

func isNullValue(value FieldValue) bool {
	_, ok := value.(NullValue)
	return ok
}

func canonicalValue(value FieldValue) string {
	if value == nil {
		return "null"
	}
	return fmt.Sprintf("%v", value.Value())
}

type Direction int

const (
	DirectionAscending Direction = iota
	DirectionDescending
)

func (self Direction) String() string {
	if self == DirectionDescending {
		return "desc"
	}
	return "asc"
}

type OrderBy struct {
	Field FieldPath
	Dir   Direction
}

func NewOrderBy(field FieldPath, dir Direction) OrderBy {
	return OrderBy{
		Field: field,
		Dir:   dir,
	}
}

func (self OrderBy) Compare(a *Document, b *Document) int {
	var c int
	if self.Field.IsKeyField() {
		c = a.Key().Compare(b.Key())
	} else {
		aValue := a.Field(self.Field)
		bValue := b.Field(self.Field)
		if aValue == nil || bValue == nil {
			panic("Trying to compare documents on fields that do not exist.")
		}
		c = CompareValues(aValue, bValue)
	}
	if self.Dir == DirectionDescending {
		return -c
	}
	return c
}

func (self OrderBy) CanonicalString() string {
	return fmt.Sprintf("%s:%s", self.Field, self.Dir)
}

// Bound is a cursor over the order-by values of a query.
type Bound struct {
	Position []FieldValue
	// whether the bound sits immediately before a document at the exact
	// position, i.e. the position itself is included going forward
	Before bool
}

func (self *Bound) SortsBeforeDocument(orderBys []OrderBy, doc *Document) bool {
	if len(self.Position) > len(orderBys) {
		panic("Bound has more components than the query order-by.")
	}
	comparison := 0
	for i, component := range self.Position {
		orderBy := orderBys[i]
		var c int
		if orderBy.Field.IsKeyField() {
			ref, ok := component.(ReferenceValue)
			if !ok {
				panic("Bound components on the key field must be references.")
			}
			c = ref.Key.Compare(doc.Key())
		} else {
			docValue := doc.Field(orderBy.Field)
			if docValue == nil {
				panic("Bound contains a field missing from the document.")
			}
			c = CompareValues(component, docValue)
		}
		if orderBy.Dir == DirectionDescending {
			c = -c
		}
		if c != 0 {
			comparison = c
			break
		}
	}
	return comparison < 0 || (comparison == 0 && self.Before)
}

func (self *Bound) CanonicalString() string {
	parts := make([]string, 0, len(self.Position)+1)
	parts = append(parts, strconv.FormatBool(self.Before))
	for _, component := range self.Position {
		parts = append(parts, canonicalValue(component))
	}
	return strings.Join(parts, ",")
}

const NoLimit int64 = -1

type LimitType int

const (
	LimitTypeFirst LimitType = iota
	LimitTypeLast
)

// Query describes a listenable document set: a path or collection group,
// filters, ordering, limit and cursors. Value type; With* methods copy.
type Query struct {
	Path            ResourcePath
	CollectionGroup string
	Filters         []FieldFilter
	ExplicitOrderBy []OrderBy
	Limit           int64
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

func NewQuery(path ResourcePath) Query {
	return Query{
		Path:  path,
		Limit: NoLimit,
	}
}

func NewCollectionGroupQuery(collectionGroup string) Query {
	return Query{
		Path:            EmptyResourcePath,
		CollectionGroup: collectionGroup,
		Limit:           NoLimit,
	}
}

func NewDocumentQuery(key DocumentKey) Query {
	return NewQuery(key.Path)
}

func (self Query) WithFilter(filter FieldFilter) Query {
	filters := make([]FieldFilter, 0, len(self.Filters)+1)
	filters = append(filters, self.Filters...)
	filters = append(filters, filter)
	self.Filters = filters
	return self
}

func (self Query) WithOrderBy(orderBy OrderBy) Query {
	orderBys := make([]OrderBy, 0, len(self.ExplicitOrderBy)+1)
	orderBys = append(orderBys, self.ExplicitOrderBy...)
	orderBys = append(orderBys, orderBy)
	self.ExplicitOrderBy = orderBys
	return self
}

func (self Query) WithLimitToFirst(limit int64) Query {
	self.Limit = limit
	self.LimitType = LimitTypeFirst
	return self
}

func (self Query) WithLimitToLast(limit int64) Query {
	self.Limit = limit
	self.LimitType = LimitTypeLast
	return self
}

func (self Query) WithStartAt(bound *Bound) Query {
	self.StartAt = bound
	return self
}

func (self Query) WithEndAt(bound *Bound) Query {
	self.EndAt = bound
	return self
}

func (self Query) HasLimitToFirst() bool {
	return self.Limit != NoLimit && self.LimitType == LimitTypeFirst
}

func (self Query) HasLimitToLast() bool {
	return self.Limit != NoLimit && self.LimitType == LimitTypeLast
}

func (self Query) IsDocumentQuery() bool {
	return self.CollectionGroup == "" && IsDocumentPath(self.Path) && len(self.Filters) == 0
}

func (self Query) IsCollectionGroupQuery() bool {
	return self.CollectionGroup != ""
}

// whether every document under the query path matches, in which case the
// query engine can never use a previous result set
func (self Query) MatchesAllDocuments() bool {
	if len(self.Filters) != 0 || self.Limit != NoLimit || self.StartAt != nil || self.EndAt != nil {
		return false
	}
	return len(self.ExplicitOrderBy) == 0 ||
		(len(self.ExplicitOrderBy) == 1 && self.ExplicitOrderBy[0].Field.IsKeyField())
}

func (self Query) inequalityField() (FieldPath, bool) {
	for _, filter := range self.Filters {
		if filter.Op.IsInequality() {
			return filter.Field, true
		}
	}
	return FieldPath{}, false
}

// OrderBys returns the complete ordering: the explicit order-bys, an
// implied leading order on the inequality field, and a trailing key order.
func (self Query) OrderBys() []OrderBy {
	inequality, hasInequality := self.inequalityField()
	if hasInequality && len(self.ExplicitOrderBy) == 0 {
		if inequality.IsKeyField() {
			return []OrderBy{NewOrderBy(KeyFieldPath, DirectionAscending)}
		}
		return []OrderBy{
			NewOrderBy(inequality, DirectionAscending),
			NewOrderBy(KeyFieldPath, DirectionAscending),
		}
	}
	orderBys := make([]OrderBy, 0, len(self.ExplicitOrderBy)+1)
	hasKeyOrder := false
	lastDirection := DirectionAscending
	for _, orderBy := range self.ExplicitOrderBy {
		orderBys = append(orderBys, orderBy)
		lastDirection = orderBy.Dir
		if orderBy.Field.IsKeyField() {
			hasKeyOrder = true
		}
	}
	if !hasKeyOrder {
		orderBys = append(orderBys, NewOrderBy(KeyFieldPath, lastDirection))
	}
	return orderBys
}

func (self Query) Matches(doc *Document) bool {
	return self.matchesPath(doc) && self.matchesOrderBy(doc) &&
		self.matchesFilters(doc) && self.matchesBounds(doc)
}

func (self Query) matchesPath(doc *Document) bool {
	docPath := doc.Key().Path
	if self.CollectionGroup != "" {
		return doc.Key().HasCollectionID(self.CollectionGroup) && self.Path.IsPrefixOf(docPath)
	}
	if IsDocumentPath(self.Path) {
		return self.Path.Equals(docPath)
	}
	return self.Path.IsPrefixOf(docPath) && self.Path.Length() == docPath.Length()-1
}

// a document must define every explicitly ordered field to be comparable
func (self Query) matchesOrderBy(doc *Document) bool {
	for _, orderBy := range self.ExplicitOrderBy {
		if !orderBy.Field.IsKeyField() && doc.Field(orderBy.Field) == nil {
			return false
		}
	}
	return true
}

func (self Query) matchesFilters(doc *Document) bool {
	for _, filter := range self.Filters {
		if !filter.Matches(doc) {
			return false
		}
	}
	return true
}

func (self Query) matchesBounds(doc *Document) bool {
	orderBys := self.OrderBys()
	if self.StartAt != nil && !self.StartAt.SortsBeforeDocument(orderBys, doc) {
		return false
	}
	if self.EndAt != nil && self.EndAt.SortsBeforeDocument(orderBys, doc) {
		return false
	}
	return true
}

func (self Query) Comparator() func(a *Document, b *Document) int {
	orderBys := self.OrderBys()
	return func(a *Document, b *Document) int {
		for _, orderBy := range orderBys {
			if c := orderBy.Compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

func (self Query) CanonicalID() string {
	var b strings.Builder
	b.WriteString(self.Path.String())
	if self.CollectionGroup != "" {
		b.WriteString("|cg:")
		b.WriteString(self.CollectionGroup)
	}
	b.WriteString("|f:")
	for _, filter := range self.Filters {
		b.WriteString(filter.CanonicalString())
	}
	b.WriteString("|ob:")
	for _, orderBy := range self.OrderBys() {
		b.WriteString(orderBy.CanonicalString())
	}
	if self.Limit != NoLimit {
		b.WriteString("|l:")
		b.WriteString(strconv.FormatInt(self.Limit, 10))
		if self.LimitType == LimitTypeLast {
			b.WriteString(":last")
		}
	}
	if self.StartAt != nil {
		b.WriteString("|lb:")
		b.WriteString(self.StartAt.CanonicalString())
	}
	if self.EndAt != nil {
		b.WriteString("|ub:")
		b.WriteString(self.EndAt.CanonicalString())
	}
	return b.String()
}

func (self Query) Equals(other Query) bool {
	return self.CanonicalID() == other.CanonicalID()
}

func (self Query) String() string {
	return fmt.Sprintf("query(%s)", self.CanonicalID())
}
