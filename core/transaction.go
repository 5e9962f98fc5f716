package core

import (
	"context"

	"github.com/golang/glog"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
	"github.com/docbase/docsync/status"
)

const maxTransactionAttempts = 5

// Transaction collects reads and writes for one atomic commit. All reads
// must happen before the first write; read versions become commit
// preconditions so the commit fails if anything read has since changed.
type Transaction struct {
	ctx       context.Context
	datastore remote.Datastore

	readVersions *immutable.SortedMap[model.DocumentKey, model.SnapshotVersion]
	mutations    []model.Mutation
	committed    bool

	// a write error is deferred until commit so the user's function runs
	// to completion either way
	lastWriteError error
	writtenDocs    model.DocumentKeySet
}

func NewTransaction(ctx context.Context, datastore remote.Datastore) *Transaction {
	return &Transaction{
		ctx:          ctx,
		datastore:    datastore,
		readVersions: immutable.NewSortedMap[model.DocumentKey, model.SnapshotVersion](model.CompareDocumentKeys),
		writtenDocs:  model.NewDocumentKeySet(),
	}
}

// Lookup reads the current server state of `keys`.
func (self *Transaction) Lookup(keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	if self.committed {
		return nil, status.Errorf(status.FailedPrecondition, "transaction already committed")
	}
	if 0 < len(self.mutations) {
		return nil, status.Errorf(status.InvalidArgument, "transactions require all reads before all writes")
	}
	docs, err := self.datastore.Lookup(self.ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := self.recordVersion(doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (self *Transaction) Set(key model.DocumentKey, value model.ObjectValue) {
	self.write(model.NewSetMutation(key, value, self.precondition(key)))
	self.writtenDocs = self.writtenDocs.Add(key)
}

func (self *Transaction) Update(key model.DocumentKey, value model.ObjectValue, mask model.FieldMask) {
	precondition, err := self.preconditionForUpdate(key)
	if err != nil {
		self.lastWriteError = err
		return
	}
	self.write(model.NewPatchMutation(key, value, mask, precondition))
	self.writtenDocs = self.writtenDocs.Add(key)
}

func (self *Transaction) Delete(key model.DocumentKey) {
	self.write(model.NewDeleteMutation(key, self.precondition(key)))
	self.writtenDocs = self.writtenDocs.Add(key)
}

// Commit sends every queued write plus a verify for each document that was
// read but never written, pinning the whole read set.
func (self *Transaction) Commit() error {
	if self.committed {
		return status.Errorf(status.FailedPrecondition, "transaction already committed")
	}
	if self.lastWriteError != nil {
		return self.lastWriteError
	}

	unwritten := self.readVersions
	for _, mutation := range self.mutations {
		unwritten = unwritten.Remove(mutation.Key())
	}
	mutations := self.mutations
	unwritten.Range(func(key model.DocumentKey, version model.SnapshotVersion) bool {
		mutations = append(mutations, model.NewVerifyMutation(key, self.precondition(key)))
		return true
	})

	_, _, err := self.datastore.Commit(self.ctx, mutations)
	if err != nil {
		return err
	}
	self.committed = true
	return nil
}

func (self *Transaction) recordVersion(doc model.MaybeDocument) error {
	var docVersion model.SnapshotVersion
	switch typedDoc := doc.(type) {
	case *model.Document:
		docVersion = typedDoc.Version()
	case *model.NoDocument:
		// missing documents pin to version zero: the commit fails if the
		// document has been created since the read
		docVersion = model.SnapshotVersionZero
	default:
		return status.Errorf(status.Internal, "unexpected document type in transaction: %T", doc)
	}

	if existing, ok := self.readVersions.Get(doc.Key()); ok {
		if existing != docVersion {
			return status.Errorf(status.Aborted, "document %s read twice with different versions", doc.Key())
		}
		return nil
	}
	self.readVersions = self.readVersions.Put(doc.Key(), docVersion)
	return nil
}

func (self *Transaction) write(mutation model.Mutation) {
	if self.committed {
		panic("Transaction wrote after commit.")
	}
	self.mutations = append(self.mutations, mutation)
}

// precondition returns the version pin for a document: its read version
// when it was read and not yet written, otherwise none.
func (self *Transaction) precondition(key model.DocumentKey) model.Precondition {
	version, ok := self.readVersions.Get(key)
	if ok && !self.writtenDocs.Contains(key) {
		if version == model.SnapshotVersionZero {
			return model.PreconditionExists(false)
		}
		return model.PreconditionUpdateTime(version)
	}
	return model.PreconditionNone()
}

func (self *Transaction) preconditionForUpdate(key model.DocumentKey) (model.Precondition, error) {
	version, ok := self.readVersions.Get(key)
	if ok && !self.writtenDocs.Contains(key) {
		if version == model.SnapshotVersionZero {
			return model.Precondition{}, status.Errorf(status.InvalidArgument,
				"cannot update a document that does not exist")
		}
		return model.PreconditionUpdateTime(version), nil
	}
	return model.PreconditionExists(true), nil
}

// TransactionRunner retries a user transaction function against transient
// commit failures, with backoff between attempts.
type TransactionRunner struct {
	ctx       context.Context
	queue     *async.Queue
	datastore remote.Datastore
	backoff   *async.ExponentialBackoff

	updateFunction func(transaction *Transaction) (any, error)
	completion     func(result any, err error)

	attemptsRemaining int
}

func NewTransactionRunner(
	ctx context.Context,
	queue *async.Queue,
	datastore remote.Datastore,
	updateFunction func(transaction *Transaction) (any, error),
	completion func(result any, err error),
) *TransactionRunner {
	return &TransactionRunner{
		ctx:               ctx,
		queue:             queue,
		datastore:         datastore,
		backoff:           async.NewExponentialBackoffWithDefaults(queue, async.TimerIDRetryTransaction),
		updateFunction:    updateFunction,
		completion:        completion,
		attemptsRemaining: maxTransactionAttempts,
	}
}

// Run starts the first attempt. It must be called from the client's serial
// queue; completion fires on that queue too.
func (self *TransactionRunner) Run() {
	self.attemptsRemaining -= 1
	self.runWithBackoff()
}

func (self *TransactionRunner) runWithBackoff() {
	self.backoff.BackoffAndRun(func() {
		// the user function and commit block on the network; run them off
		// the serial queue and hop back with the outcome
		go self.attempt()
	})
}

func (self *TransactionRunner) attempt() {
	transaction := NewTransaction(self.ctx, self.datastore)
	result, err := self.updateFunction(transaction)
	if err == nil {
		err = transaction.Commit()
	}
	// the outcome hop races client teardown; restricted mode must not panic
	self.queue.EnqueueEvenWhileRestricted(func() {
		if err != nil {
			self.handleTransactionError(err)
			return
		}
		self.completion(result, nil)
	})
}

func (self *TransactionRunner) handleTransactionError(err error) {
	if 0 < self.attemptsRemaining && isRetryableTransactionError(err) {
		self.attemptsRemaining -= 1
		glog.V(1).Infof("[txn]retrying after error = %s", err)
		self.runWithBackoff()
		return
	}
	self.completion(nil, err)
}

// Aborted and FailedPrecondition signal read-write contention; transient
// transport failures are retryable too.
func isRetryableTransactionError(err error) bool {
	code := status.CodeOf(err)
	if code == status.Aborted || code == status.FailedPrecondition {
		return true
	}
	return !code.IsPermanent()
}
