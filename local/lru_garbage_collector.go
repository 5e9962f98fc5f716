package local

import (
	"sort"

	"github.com/golang/glog"

	"github.com/docbase/docsync/model"
)

type LruParams struct {
	// collection is skipped while the cache is smaller than this
	MinBytesThreshold int64
	// share of tracked sequence numbers reclaimed per run
	PercentileToCollect int
	// hard cap per run, bounding pause time on huge caches
	MaximumSequenceNumbersToCollect int
}

func DefaultLruParams() *LruParams {
	return &LruParams{
		MinBytesThreshold:               40 * 1024 * 1024,
		PercentileToCollect:             10,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// LruGarbageCollector reclaims the least recently used targets and the
// orphaned documents stamped at or below the chosen sequence number.
type LruGarbageCollector struct {
	delegate *lruReferenceDelegate
	params   *LruParams
}

func NewLruGarbageCollector(delegate *lruReferenceDelegate, params *LruParams) *LruGarbageCollector {
	return &LruGarbageCollector{
		delegate: delegate,
		params:   params,
	}
}

func (self *LruGarbageCollector) Collect(activeTargetIDs map[model.TargetID]struct{}) *LruResults {
	sizeBytes := self.delegate.sizeBytes()
	if sizeBytes < self.params.MinBytesThreshold {
		glog.V(1).Infof("[gc]cache size %d under threshold %d, skipping\n",
			sizeBytes, self.params.MinBytesThreshold)
		return &LruResults{}
	}

	toCollect := self.sequenceNumbersToCollect()
	upperBound := self.nthSequenceNumber(toCollect)

	targetsRemoved := self.delegate.removeTargets(upperBound, activeTargetIDs)
	documentsRemoved := self.delegate.removeOrphanedDocuments(upperBound)

	glog.V(1).Infof("[gc]collected %d sequence numbers, removed %d targets and %d documents\n",
		toCollect, targetsRemoved, documentsRemoved)
	return &LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: toCollect,
		TargetsRemoved:           targetsRemoved,
		DocumentsRemoved:         documentsRemoved,
	}
}

func (self *LruGarbageCollector) sequenceNumbersToCollect() int {
	count := self.delegate.sequenceNumberCount()
	toCollect := count * self.params.PercentileToCollect / 100
	if self.params.MaximumSequenceNumbersToCollect < toCollect {
		toCollect = self.params.MaximumSequenceNumbersToCollect
	}
	return toCollect
}

// the sequence number below which `n` tracked entries fall
func (self *LruGarbageCollector) nthSequenceNumber(n int) model.ListenSequenceNumber {
	if n == 0 {
		return listenSequenceNumberInvalid
	}
	sequenceNumbers := []model.ListenSequenceNumber{}
	self.delegate.forEachTargetSequenceNumber(func(sequenceNumber model.ListenSequenceNumber) {
		sequenceNumbers = append(sequenceNumbers, sequenceNumber)
	})
	self.delegate.forEachOrphanedDocumentSequenceNumber(func(sequenceNumber model.ListenSequenceNumber) {
		sequenceNumbers = append(sequenceNumbers, sequenceNumber)
	})
	sort.Slice(sequenceNumbers, func(i int, j int) bool {
		return sequenceNumbers[i] < sequenceNumbers[j]
	})
	if len(sequenceNumbers) < n {
		n = len(sequenceNumbers)
	}
	return sequenceNumbers[n-1]
}
