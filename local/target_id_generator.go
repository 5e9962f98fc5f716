package local

import (
	"github.com/docbase/docsync/model"
)

// Target id allocation: query targets use even ids, limbo resolution
// targets use odd ids. Seeding from the highest persisted id keeps ids
// unique across restarts.

const targetIDIncrement = 2

type TargetIDGenerator struct {
	nextID model.TargetID
}

func NewQueryTargetIDGenerator(after model.TargetID) *TargetIDGenerator {
	return newTargetIDGenerator(after, 0)
}

func NewLimboTargetIDGenerator() *TargetIDGenerator {
	return newTargetIDGenerator(0, 1)
}

func newTargetIDGenerator(after model.TargetID, parity model.TargetID) *TargetIDGenerator {
	next := after + targetIDIncrement
	next -= next % targetIDIncrement
	return &TargetIDGenerator{
		nextID: next + parity,
	}
}

func (self *TargetIDGenerator) Next() model.TargetID {
	id := self.nextID
	self.nextID += targetIDIncrement
	return id
}
