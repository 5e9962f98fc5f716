package model

import (
	"fmt"
)

// FieldMask enumerates the field paths a patch touches.
type FieldMask []FieldPath

func (self FieldMask) Covers(path FieldPath) bool {
	for _, maskPath := range self {
		if maskPath.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Precondition gates whether a mutation applies to a document.
type Precondition struct {
	Exists     *bool
	UpdateTime *SnapshotVersion
}

func PreconditionNone() Precondition {
	return Precondition{}
}

func PreconditionExists(exists bool) Precondition {
	return Precondition{
		Exists: &exists,
	}
}

func PreconditionUpdateTime(version SnapshotVersion) Precondition {
	return Precondition{
		UpdateTime: &version,
	}
}

func (self Precondition) IsNone() bool {
	return self.Exists == nil && self.UpdateTime == nil
}

func (self Precondition) IsValidFor(maybeDoc MaybeDocument) bool {
	if self.UpdateTime != nil {
		doc, ok := maybeDoc.(*Document)
		return ok && doc.Version().Equals(*self.UpdateTime)
	}
	if self.Exists != nil {
		_, isDoc := maybeDoc.(*Document)
		if *self.Exists {
			return isDoc
		}
		return !isDoc
	}
	return true
}

// MutationResult is the server acknowledgement for one mutation.
type MutationResult struct {
	Version SnapshotVersion
	// non-nil iff the mutation was a transform
	TransformResults []FieldValue
}

// Mutation is the closed union of write operations. Application is pure:
// the same mutation applied to the same base state always produces the
// same result, which is what makes replay after restart safe.
type Mutation interface {
	Key() DocumentKey
	Precondition() Precondition
	// folds the acknowledged mutation into the last known server state
	ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument
	// folds the unacknowledged mutation into the local view. baseDoc is the
	// document state before the owning batch, used to seed transform inputs.
	ApplyToLocalView(maybeDoc MaybeDocument, baseDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument
}

func postMutationVersion(maybeDoc MaybeDocument) SnapshotVersion {
	if doc, ok := maybeDoc.(*Document); ok {
		return doc.Version()
	}
	return SnapshotVersionZero
}

func verifyKeyMatches(mutation Mutation, maybeDoc MaybeDocument) {
	if maybeDoc != nil && !maybeDoc.Key().Equals(mutation.Key()) {
		panic(fmt.Sprintf("Mutation for key %s applied to document %s.", mutation.Key(), maybeDoc.Key()))
	}
}

// SetMutation replaces the whole document contents.
type SetMutation struct {
	key          DocumentKey
	value        ObjectValue
	precondition Precondition
}

func NewSetMutation(key DocumentKey, value ObjectValue, precondition Precondition) *SetMutation {
	return &SetMutation{
		key:          key,
		value:        value,
		precondition: precondition,
	}
}

func (self *SetMutation) Key() DocumentKey {
	return self.key
}

func (self *SetMutation) Value() ObjectValue {
	return self.value
}

func (self *SetMutation) Precondition() Precondition {
	return self.precondition
}

func (self *SetMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	// an acknowledged set defines the document at the commit version, even
	// if the watch stream has not caught up yet
	return NewDocument(self.key, result.Version, self.value, DocumentStateCommittedMutations)
}

func (self *SetMutation) ApplyToLocalView(maybeDoc MaybeDocument, baseDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	if !self.precondition.IsValidFor(maybeDoc) {
		return maybeDoc
	}
	return NewDocument(self.key, postMutationVersion(maybeDoc), self.value, DocumentStateLocalMutations)
}

// PatchMutation merges the masked fields into the existing contents.
type PatchMutation struct {
	key          DocumentKey
	value        ObjectValue
	mask         FieldMask
	precondition Precondition
}

func NewPatchMutation(key DocumentKey, value ObjectValue, mask FieldMask, precondition Precondition) *PatchMutation {
	return &PatchMutation{
		key:          key,
		value:        value,
		mask:         mask,
		precondition: precondition,
	}
}

func (self *PatchMutation) Key() DocumentKey {
	return self.key
}

func (self *PatchMutation) Value() ObjectValue {
	return self.value
}

func (self *PatchMutation) Precondition() Precondition {
	return self.precondition
}

func (self *PatchMutation) Mask() FieldMask {
	return self.mask
}

func (self *PatchMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	if !self.precondition.IsValidFor(maybeDoc) {
		// the server applied the patch, but without the base contents the
		// merged result cannot be reproduced locally
		return NewUnknownDocument(self.key, result.Version)
	}
	return NewDocument(self.key, result.Version, self.patch(maybeDoc), DocumentStateCommittedMutations)
}

func (self *PatchMutation) ApplyToLocalView(maybeDoc MaybeDocument, baseDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	if !self.precondition.IsValidFor(maybeDoc) {
		return maybeDoc
	}
	return NewDocument(self.key, postMutationVersion(maybeDoc), self.patch(maybeDoc), DocumentStateLocalMutations)
}

func (self *PatchMutation) patch(maybeDoc MaybeDocument) ObjectValue {
	data := NewObjectValue()
	if doc, ok := maybeDoc.(*Document); ok {
		data = doc.Data()
	}
	for _, path := range self.mask {
		if value := self.value.Get(path); value != nil {
			data = data.Set(path, value)
		} else {
			data = data.Delete(path)
		}
	}
	return data
}

// TransformMutation applies field transforms to an existing document. It
// always follows a Set or Patch for the same key in the same batch.
type TransformMutation struct {
	key             DocumentKey
	fieldTransforms []FieldTransform
}

func NewTransformMutation(key DocumentKey, fieldTransforms []FieldTransform) *TransformMutation {
	return &TransformMutation{
		key:             key,
		fieldTransforms: fieldTransforms,
	}
}

func (self *TransformMutation) Key() DocumentKey {
	return self.key
}

func (self *TransformMutation) FieldTransforms() []FieldTransform {
	return self.fieldTransforms
}

func (self *TransformMutation) Precondition() Precondition {
	return PreconditionExists(true)
}

func (self *TransformMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	if result.TransformResults == nil {
		panic("Transform results missing for TransformMutation.")
	}
	if !self.Precondition().IsValidFor(maybeDoc) {
		return NewUnknownDocument(self.key, result.Version)
	}
	doc := self.requireDocument(maybeDoc)
	transformResults := self.serverTransformResults(doc, result.TransformResults)
	newData := self.transformObject(doc.Data(), transformResults)
	return NewDocument(self.key, result.Version, newData, DocumentStateCommittedMutations)
}

func (self *TransformMutation) ApplyToLocalView(maybeDoc MaybeDocument, baseDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	if !self.Precondition().IsValidFor(maybeDoc) {
		return maybeDoc
	}
	doc := self.requireDocument(maybeDoc)
	transformResults := self.localTransformResults(localWriteTime, maybeDoc, baseDoc)
	newData := self.transformObject(doc.Data(), transformResults)
	return NewDocument(self.key, doc.Version(), newData, DocumentStateLocalMutations)
}

// BaseValue captures the pre-transform state the non-idempotent transforms
// (increment, array union/remove) must be replayed against. Nil when no
// transform in this mutation needs one.
func (self *TransformMutation) BaseValue(maybeDoc MaybeDocument) (ObjectValue, FieldMask, bool) {
	baseObject := NewObjectValue()
	mask := FieldMask{}
	for _, fieldTransform := range self.fieldTransforms {
		var existingValue FieldValue
		if doc, ok := maybeDoc.(*Document); ok {
			existingValue = doc.Field(fieldTransform.Path)
		}
		coercedValue := fieldTransform.Op.ComputeBaseValue(existingValue)
		if coercedValue != nil {
			baseObject = baseObject.Set(fieldTransform.Path, coercedValue)
			mask = append(mask, fieldTransform.Path)
		}
	}
	if len(mask) == 0 {
		return ObjectValue{}, nil, false
	}
	return baseObject, mask, true
}

func (self *TransformMutation) requireDocument(maybeDoc MaybeDocument) *Document {
	doc, ok := maybeDoc.(*Document)
	if !ok {
		panic(fmt.Sprintf("Unknown MaybeDocument type %T for transform.", maybeDoc))
	}
	if !doc.Key().Equals(self.key) {
		panic("Transform document key mismatch.")
	}
	return doc
}

func (self *TransformMutation) localTransformResults(localWriteTime Timestamp, maybeDoc MaybeDocument, baseDoc MaybeDocument) []FieldValue {
	transformResults := make([]FieldValue, 0, len(self.fieldTransforms))
	for _, fieldTransform := range self.fieldTransforms {
		var previousValue FieldValue
		if doc, ok := maybeDoc.(*Document); ok {
			previousValue = doc.Field(fieldTransform.Path)
		}
		if previousValue == nil {
			if doc, ok := baseDoc.(*Document); ok {
				previousValue = doc.Field(fieldTransform.Path)
			}
		}
		transformResults = append(transformResults, fieldTransform.Op.ApplyToLocalView(previousValue, localWriteTime))
	}
	return transformResults
}

func (self *TransformMutation) serverTransformResults(doc *Document, serverResults []FieldValue) []FieldValue {
	if len(serverResults) != len(self.fieldTransforms) {
		panic(fmt.Sprintf("Server transform result count %d does not match transform count %d.",
			len(serverResults), len(self.fieldTransforms)))
	}
	transformResults := make([]FieldValue, 0, len(self.fieldTransforms))
	for i, fieldTransform := range self.fieldTransforms {
		previousValue := doc.Field(fieldTransform.Path)
		transformResults = append(transformResults, fieldTransform.Op.ApplyToRemoteDocument(previousValue, serverResults[i]))
	}
	return transformResults
}

func (self *TransformMutation) transformObject(data ObjectValue, transformResults []FieldValue) ObjectValue {
	for i, fieldTransform := range self.fieldTransforms {
		data = data.Set(fieldTransform.Path, transformResults[i])
	}
	return data
}

// DeleteMutation removes the document.
type DeleteMutation struct {
	key          DocumentKey
	precondition Precondition
}

func NewDeleteMutation(key DocumentKey, precondition Precondition) *DeleteMutation {
	return &DeleteMutation{
		key:          key,
		precondition: precondition,
	}
}

func (self *DeleteMutation) Key() DocumentKey {
	return self.key
}

func (self *DeleteMutation) Precondition() Precondition {
	return self.precondition
}

func (self *DeleteMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	return NewNoDocument(self.key, result.Version, true)
}

func (self *DeleteMutation) ApplyToLocalView(maybeDoc MaybeDocument, baseDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	verifyKeyMatches(self, maybeDoc)
	if !self.precondition.IsValidFor(maybeDoc) {
		return maybeDoc
	}
	return NewNoDocument(self.key, SnapshotVersionZero, false)
}

// VerifyMutation asserts a precondition without writing. Only emitted by
// transaction commits for documents that were read but not written.
type VerifyMutation struct {
	key          DocumentKey
	precondition Precondition
}

func NewVerifyMutation(key DocumentKey, precondition Precondition) *VerifyMutation {
	return &VerifyMutation{
		key:          key,
		precondition: precondition,
	}
}

func (self *VerifyMutation) Key() DocumentKey {
	return self.key
}

func (self *VerifyMutation) Precondition() Precondition {
	return self.precondition
}

func (self *VerifyMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	panic("VerifyMutation is only used in transactions.")
}

func (self *VerifyMutation) ApplyToLocalView(maybeDoc MaybeDocument, baseDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	panic("VerifyMutation is only used in transactions.")
}
