package model

import (
	"math"
)

// FieldTransform pairs a field path with the operation applied to it.
type FieldTransform struct {
	Path FieldPath
	Op   TransformOperation
}

// TransformOperation is a server-evaluated function over one field.
// Operations that are not idempotent report a base value so retries replay
// against the captured state instead of compounding.
type TransformOperation interface {
	ApplyToLocalView(previousValue FieldValue, localWriteTime Timestamp) FieldValue
	ApplyToRemoteDocument(previousValue FieldValue, transformResult FieldValue) FieldValue
	// the state to pin before first application; nil when none is needed
	ComputeBaseValue(previousValue FieldValue) FieldValue
}

type ServerTimestampOperation struct{}

func (self ServerTimestampOperation) ApplyToLocalView(previousValue FieldValue, localWriteTime Timestamp) FieldValue {
	return ServerTimestampValue{
		LocalWriteTime: localWriteTime,
		Previous:       previousValue,
	}
}

func (self ServerTimestampOperation) ApplyToRemoteDocument(previousValue FieldValue, transformResult FieldValue) FieldValue {
	return transformResult
}

func (self ServerTimestampOperation) ComputeBaseValue(previousValue FieldValue) FieldValue {
	return nil
}

type ArrayUnionOperation struct {
	Elements []FieldValue
}

func (self ArrayUnionOperation) ApplyToLocalView(previousValue FieldValue, localWriteTime Timestamp) FieldValue {
	return self.apply(previousValue)
}

func (self ArrayUnionOperation) ApplyToRemoteDocument(previousValue FieldValue, transformResult FieldValue) FieldValue {
	// array transforms are evaluated client side; the server result is not
	// authoritative for the merged contents
	return self.apply(previousValue)
}

func (self ArrayUnionOperation) ComputeBaseValue(previousValue FieldValue) FieldValue {
	return coerceToArray(previousValue)
}

func (self ArrayUnionOperation) apply(previousValue FieldValue) FieldValue {
	result := coerceToArray(previousValue)
	for _, element := range self.Elements {
		if !result.Contains(element) {
			result = NewArrayValue(append(result.Elements(), element)...)
		}
	}
	return result
}

type ArrayRemoveOperation struct {
	Elements []FieldValue
}

func (self ArrayRemoveOperation) ApplyToLocalView(previousValue FieldValue, localWriteTime Timestamp) FieldValue {
	return self.apply(previousValue)
}

func (self ArrayRemoveOperation) ApplyToRemoteDocument(previousValue FieldValue, transformResult FieldValue) FieldValue {
	return self.apply(previousValue)
}

func (self ArrayRemoveOperation) ComputeBaseValue(previousValue FieldValue) FieldValue {
	return coerceToArray(previousValue)
}

func (self ArrayRemoveOperation) apply(previousValue FieldValue) FieldValue {
	kept := []FieldValue{}
	for _, element := range coerceToArray(previousValue).Elements() {
		removed := false
		for _, target := range self.Elements {
			if element.Equals(target) {
				removed = true
				break
			}
		}
		if !removed {
			kept = append(kept, element)
		}
	}
	return NewArrayValue(kept...)
}

func coerceToArray(value FieldValue) ArrayValue {
	if array, ok := value.(ArrayValue); ok {
		return array
	}
	return NewArrayValue()
}

type NumericIncrementOperation struct {
	// IntegerValue or DoubleValue
	Operand FieldValue
}

func (self NumericIncrementOperation) ApplyToLocalView(previousValue FieldValue, localWriteTime Timestamp) FieldValue {
	base := self.ComputeBaseValue(previousValue)
	if baseInt, ok := base.(IntegerValue); ok {
		if operandInt, ok := self.Operand.(IntegerValue); ok {
			return IntegerValue(saturatedAdd(int64(baseInt), int64(operandInt)))
		}
	}
	return DoubleValue(numberAsDouble(base) + numberAsDouble(self.Operand))
}

func (self NumericIncrementOperation) ApplyToRemoteDocument(previousValue FieldValue, transformResult FieldValue) FieldValue {
	return transformResult
}

// non-numeric previous values reset to zero before incrementing
func (self NumericIncrementOperation) ComputeBaseValue(previousValue FieldValue) FieldValue {
	switch previousValue.(type) {
	case IntegerValue, DoubleValue:
		return previousValue
	default:
		return IntegerValue(0)
	}
}

func saturatedAdd(a int64, b int64) int64 {
	sum := a + b
	if 0 < a && 0 < b && sum < a {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && a < sum {
		return math.MinInt64
	}
	return sum
}
