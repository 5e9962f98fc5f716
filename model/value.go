package model

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/docbase/docsync/immutable"
)

// TypeOrder is the fixed cross-type rank used when ordering field values.
// Values of different ranks compare by rank alone.
type TypeOrder int

const (
	TypeOrderNull TypeOrder = iota
	TypeOrderBoolean
	TypeOrderNumber
	TypeOrderTimestamp
	TypeOrderString
	TypeOrderBytes
	TypeOrderReference
	TypeOrderGeoPoint
	TypeOrderArray
	TypeOrderObject
)

// FieldValue is the closed union of every value a document field can hold.
type FieldValue interface {
	TypeOrder() TypeOrder
	Compare(other FieldValue) int
	Equals(other FieldValue) bool
	// plain Go representation, for logging and the simulator
	Value() any
}

type NullValue struct{}

func (self NullValue) TypeOrder() TypeOrder {
	return TypeOrderNull
}

func (self NullValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self NullValue) Equals(other FieldValue) bool {
	_, ok := other.(NullValue)
	return ok
}

func (self NullValue) Value() any {
	return nil
}

type BooleanValue bool

func (self BooleanValue) TypeOrder() TypeOrder {
	return TypeOrderBoolean
}

func (self BooleanValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self BooleanValue) Equals(other FieldValue) bool {
	b, ok := other.(BooleanValue)
	return ok && b == self
}

func (self BooleanValue) Value() any {
	return bool(self)
}

type IntegerValue int64

func (self IntegerValue) TypeOrder() TypeOrder {
	return TypeOrderNumber
}

func (self IntegerValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

// integers are never equal to doubles, even at the same numeric value
func (self IntegerValue) Equals(other FieldValue) bool {
	i, ok := other.(IntegerValue)
	return ok && i == self
}

func (self IntegerValue) Value() any {
	return int64(self)
}

type DoubleValue float64

func (self DoubleValue) TypeOrder() TypeOrder {
	return TypeOrderNumber
}

func (self DoubleValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

// bitwise equality, so NaN equals NaN and -0.0 differs from 0.0
func (self DoubleValue) Equals(other FieldValue) bool {
	d, ok := other.(DoubleValue)
	return ok && math.Float64bits(float64(d)) == math.Float64bits(float64(self))
}

func (self DoubleValue) Value() any {
	return float64(self)
}

type TimestampValue Timestamp

func (self TimestampValue) TypeOrder() TypeOrder {
	return TypeOrderTimestamp
}

func (self TimestampValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self TimestampValue) Equals(other FieldValue) bool {
	t, ok := other.(TimestampValue)
	return ok && Timestamp(t).Compare(Timestamp(self)) == 0
}

func (self TimestampValue) Value() any {
	return Timestamp(self).Time()
}

// ServerTimestampValue is the locally observable state of a pending server
// timestamp: the backend has not assigned the real time yet. It sorts after
// every concrete timestamp and retains the previous field value so reads
// can choose to surface it.
type ServerTimestampValue struct {
	LocalWriteTime Timestamp
	Previous       FieldValue
}

func (self ServerTimestampValue) TypeOrder() TypeOrder {
	return TypeOrderTimestamp
}

func (self ServerTimestampValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self ServerTimestampValue) Equals(other FieldValue) bool {
	s, ok := other.(ServerTimestampValue)
	return ok && s.LocalWriteTime.Compare(self.LocalWriteTime) == 0
}

func (self ServerTimestampValue) Value() any {
	return nil
}

type StringValue string

func (self StringValue) TypeOrder() TypeOrder {
	return TypeOrderString
}

func (self StringValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self StringValue) Equals(other FieldValue) bool {
	s, ok := other.(StringValue)
	return ok && s == self
}

func (self StringValue) Value() any {
	return string(self)
}

type BytesValue []byte

func (self BytesValue) TypeOrder() TypeOrder {
	return TypeOrderBytes
}

func (self BytesValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self BytesValue) Equals(other FieldValue) bool {
	b, ok := other.(BytesValue)
	return ok && bytes.Equal(b, self)
}

func (self BytesValue) Value() any {
	return []byte(self)
}

type ReferenceValue struct {
	Key DocumentKey
}

func (self ReferenceValue) TypeOrder() TypeOrder {
	return TypeOrderReference
}

func (self ReferenceValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self ReferenceValue) Equals(other FieldValue) bool {
	r, ok := other.(ReferenceValue)
	return ok && r.Key.Equals(self.Key)
}

func (self ReferenceValue) Value() any {
	return self.Key
}

type GeoPointValue struct {
	Latitude  float64
	Longitude float64
}

func (self GeoPointValue) TypeOrder() TypeOrder {
	return TypeOrderGeoPoint
}

func (self GeoPointValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self GeoPointValue) Equals(other FieldValue) bool {
	g, ok := other.(GeoPointValue)
	return ok && g == self
}

func (self GeoPointValue) Value() any {
	return [2]float64{self.Latitude, self.Longitude}
}

type ArrayValue struct {
	elements []FieldValue
}

func NewArrayValue(elements ...FieldValue) ArrayValue {
	return ArrayValue{
		elements: elements,
	}
}

func (self ArrayValue) TypeOrder() TypeOrder {
	return TypeOrderArray
}

func (self ArrayValue) Len() int {
	return len(self.elements)
}

func (self ArrayValue) Element(i int) FieldValue {
	return self.elements[i]
}

func (self ArrayValue) Elements() []FieldValue {
	return self.elements
}

func (self ArrayValue) Contains(value FieldValue) bool {
	for _, element := range self.elements {
		if element.Equals(value) {
			return true
		}
	}
	return false
}

func (self ArrayValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self ArrayValue) Equals(other FieldValue) bool {
	a, ok := other.(ArrayValue)
	if !ok || len(a.elements) != len(self.elements) {
		return false
	}
	for i, element := range self.elements {
		if !element.Equals(a.elements[i]) {
			return false
		}
	}
	return true
}

func (self ArrayValue) Value() any {
	values := make([]any, len(self.elements))
	for i, element := range self.elements {
		values[i] = element.Value()
	}
	return values
}

// ObjectValue is an immutable map of field name to value, sorted by name.
type ObjectValue struct {
	fields *immutable.SortedMap[string, FieldValue]
}

func NewObjectValue() ObjectValue {
	return ObjectValue{
		fields: immutable.NewSortedMap[string, FieldValue](strings.Compare),
	}
}

func (self ObjectValue) TypeOrder() TypeOrder {
	return TypeOrderObject
}

func (self ObjectValue) Size() int {
	return self.orEmpty().Size()
}

func (self ObjectValue) orEmpty() *immutable.SortedMap[string, FieldValue] {
	if self.fields == nil {
		return immutable.NewSortedMap[string, FieldValue](strings.Compare)
	}
	return self.fields
}

func (self ObjectValue) Field(name string) (FieldValue, bool) {
	return self.orEmpty().Get(name)
}

func (self ObjectValue) Range(fn func(name string, value FieldValue) bool) {
	self.orEmpty().Range(fn)
}

// Get walks nested maps along the field path; nil when any step is missing.
func (self ObjectValue) Get(path FieldPath) FieldValue {
	if path.IsEmpty() {
		return self
	}
	current := self
	for i := 0; i < path.Length()-1; i += 1 {
		next, ok := current.Field(path.Segment(i))
		if !ok {
			return nil
		}
		nextObject, ok := next.(ObjectValue)
		if !ok {
			return nil
		}
		current = nextObject
	}
	value, ok := current.Field(path.Last())
	if !ok {
		return nil
	}
	return value
}

func (self ObjectValue) Set(path FieldPath, value FieldValue) ObjectValue {
	if path.IsEmpty() {
		panic("Cannot set an empty field path.")
	}
	name := path.First()
	if path.Length() == 1 {
		return ObjectValue{
			fields: self.orEmpty().Put(name, value),
		}
	}
	child := NewObjectValue()
	if existing, ok := self.Field(name); ok {
		if existingObject, ok := existing.(ObjectValue); ok {
			child = existingObject
		}
	}
	child = child.Set(path.PopFirst(), value)
	return ObjectValue{
		fields: self.orEmpty().Put(name, child),
	}
}

func (self ObjectValue) Delete(path FieldPath) ObjectValue {
	if path.IsEmpty() {
		panic("Cannot delete an empty field path.")
	}
	name := path.First()
	if path.Length() == 1 {
		return ObjectValue{
			fields: self.orEmpty().Remove(name),
		}
	}
	existing, ok := self.Field(name)
	if !ok {
		return self
	}
	existingObject, ok := existing.(ObjectValue)
	if !ok {
		return self
	}
	return ObjectValue{
		fields: self.orEmpty().Put(name, existingObject.Delete(path.PopFirst())),
	}
}

func (self ObjectValue) Compare(other FieldValue) int {
	return CompareValues(self, other)
}

func (self ObjectValue) Equals(other FieldValue) bool {
	o, ok := other.(ObjectValue)
	return ok && CompareValues(self, o) == 0
}

func (self ObjectValue) Value() any {
	result := map[string]any{}
	self.Range(func(name string, value FieldValue) bool {
		result[name] = value.Value()
		return true
	})
	return result
}

// FieldMask lists every leaf field path present in the object, in order.
func (self ObjectValue) FieldMask() FieldMask {
	paths := []FieldPath{}
	self.Range(func(name string, value FieldValue) bool {
		if child, ok := value.(ObjectValue); ok && 0 < child.Size() {
			for _, childPath := range child.FieldMask() {
				paths = append(paths, NewFieldPath(name).appendAll(childPath))
			}
		} else {
			paths = append(paths, NewFieldPath(name))
		}
		return true
	})
	return paths
}

func (self FieldPath) appendAll(other FieldPath) FieldPath {
	result := self
	for i := 0; i < other.Length(); i += 1 {
		result = result.Append(other.Segment(i))
	}
	return result
}

// CompareValues is the total order over field values: rank first, then the
// type-specific comparison.
func CompareValues(a FieldValue, b FieldValue) int {
	aOrder := a.TypeOrder()
	bOrder := b.TypeOrder()
	if aOrder != bOrder {
		return compareInts(int(aOrder), int(bOrder))
	}

	switch aValue := a.(type) {
	case NullValue:
		return 0
	case BooleanValue:
		bValue := b.(BooleanValue)
		if aValue == bValue {
			return 0
		} else if !aValue {
			return -1
		} else {
			return 1
		}
	case IntegerValue, DoubleValue:
		return compareNumbers(a, b)
	case TimestampValue:
		if bValue, ok := b.(TimestampValue); ok {
			return Timestamp(aValue).Compare(Timestamp(bValue))
		}
		// pending server timestamps sort after all concrete timestamps
		return -1
	case ServerTimestampValue:
		if bValue, ok := b.(ServerTimestampValue); ok {
			return aValue.LocalWriteTime.Compare(bValue.LocalWriteTime)
		}
		return 1
	case StringValue:
		return strings.Compare(string(aValue), string(b.(StringValue)))
	case BytesValue:
		return bytes.Compare(aValue, b.(BytesValue))
	case ReferenceValue:
		return aValue.Key.Compare(b.(ReferenceValue).Key)
	case GeoPointValue:
		bValue := b.(GeoPointValue)
		if c := compareDoubles(aValue.Latitude, bValue.Latitude); c != 0 {
			return c
		}
		return compareDoubles(aValue.Longitude, bValue.Longitude)
	case ArrayValue:
		bValue := b.(ArrayValue)
		n := len(aValue.elements)
		if len(bValue.elements) < n {
			n = len(bValue.elements)
		}
		for i := 0; i < n; i += 1 {
			if c := CompareValues(aValue.elements[i], bValue.elements[i]); c != 0 {
				return c
			}
		}
		return compareInts(len(aValue.elements), len(bValue.elements))
	case ObjectValue:
		bValue := b.(ObjectValue)
		aIt := aValue.orEmpty().Iterator()
		bIt := bValue.orEmpty().Iterator()
		for aIt.HasNext() && bIt.HasNext() {
			aName, aField := aIt.Next()
			bName, bField := bIt.Next()
			if c := strings.Compare(aName, bName); c != 0 {
				return c
			}
			if c := CompareValues(aField, bField); c != 0 {
				return c
			}
		}
		return compareInts(aValue.Size(), bValue.Size())
	default:
		panic(fmt.Sprintf("Unknown field value type: %T", a))
	}
}

func compareNumbers(a FieldValue, b FieldValue) int {
	if aInt, ok := a.(IntegerValue); ok {
		if bInt, ok := b.(IntegerValue); ok {
			if aInt < bInt {
				return -1
			} else if bInt < aInt {
				return 1
			}
			return 0
		}
	}
	return compareDoubles(numberAsDouble(a), numberAsDouble(b))
}

func numberAsDouble(v FieldValue) float64 {
	switch n := v.(type) {
	case IntegerValue:
		return float64(n)
	case DoubleValue:
		return float64(n)
	default:
		panic(fmt.Sprintf("Not a number: %T", v))
	}
}

// NaN sorts before every number, including -Inf
func compareDoubles(a float64, b float64) int {
	if math.IsNaN(a) {
		if math.IsNaN(b) {
			return 0
		}
		return -1
	}
	if math.IsNaN(b) {
		return 1
	}
	if a < b {
		return -1
	} else if b < a {
		return 1
	}
	return 0
}

// Wrap converts plain Go values into field values. Panics on unsupported
// types; it is a convenience for tests and the simulator.
func Wrap(value any) FieldValue {
	switch v := value.(type) {
	case nil:
		return NullValue{}
	case FieldValue:
		return v
	case bool:
		return BooleanValue(v)
	case int:
		return IntegerValue(v)
	case int32:
		return IntegerValue(v)
	case int64:
		return IntegerValue(v)
	case float64:
		return DoubleValue(v)
	case string:
		return StringValue(v)
	case []byte:
		return BytesValue(v)
	case time.Time:
		return TimestampValue(TimestampFromTime(v))
	case Timestamp:
		return TimestampValue(v)
	case DocumentKey:
		return ReferenceValue{Key: v}
	case []any:
		elements := make([]FieldValue, len(v))
		for i, element := range v {
			elements[i] = Wrap(element)
		}
		return NewArrayValue(elements...)
	case map[string]any:
		return WrapObject(v)
	default:
		panic(fmt.Sprintf("Cannot wrap value of type %T", value))
	}
}

func WrapObject(fields map[string]any) ObjectValue {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	object := NewObjectValue()
	for _, name := range names {
		object = object.Set(NewFieldPath(name), Wrap(fields[name]))
	}
	return object
}
