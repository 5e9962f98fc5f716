package model

// TargetID identifies a server target. Query targets use even ids, limbo
// resolution targets use odd ids, so the two spaces never collide.
type TargetID int32

// ListenSequenceNumber is a monotonic counter over target activity, used
// to order targets for least-recently-used collection.
type ListenSequenceNumber int64

type TargetPurpose int

const (
	// a target requested by a user listen
	TargetPurposeListen TargetPurpose = iota
	// a re-listen after the server reported a document count mismatch
	TargetPurposeExistenceFilterMismatch
	// a single document target resolving a limbo key
	TargetPurposeLimboResolution
)

func (self TargetPurpose) String() string {
	switch self {
	case TargetPurposeListen:
		return "listen"
	case TargetPurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case TargetPurposeLimboResolution:
		return "limbo-resolution"
	default:
		return "unknown"
	}
}

// TargetData is the persisted state of an active or recently active target.
// Immutable; the With* methods return updated copies.
type TargetData struct {
	query          Query
	targetID       TargetID
	sequenceNumber ListenSequenceNumber
	purpose        TargetPurpose
	// the latest snapshot version at which this target is consistent
	snapshotVersion SnapshotVersion
	// the last snapshot version at which the target had no limbo documents,
	// the floor for serving cached results without a server round trip
	lastLimboFreeSnapshotVersion SnapshotVersion
	// opaque server token; resuming with it skips re-sending matching state
	resumeToken []byte
}

func NewTargetData(query Query, targetID TargetID, sequenceNumber ListenSequenceNumber, purpose TargetPurpose) *TargetData {
	return &TargetData{
		query:                        query,
		targetID:                     targetID,
		sequenceNumber:               sequenceNumber,
		purpose:                      purpose,
		snapshotVersion:              SnapshotVersionZero,
		lastLimboFreeSnapshotVersion: SnapshotVersionZero,
	}
}

func (self *TargetData) Query() Query {
	return self.query
}

func (self *TargetData) TargetID() TargetID {
	return self.targetID
}

func (self *TargetData) SequenceNumber() ListenSequenceNumber {
	return self.sequenceNumber
}

func (self *TargetData) Purpose() TargetPurpose {
	return self.purpose
}

func (self *TargetData) SnapshotVersion() SnapshotVersion {
	return self.snapshotVersion
}

func (self *TargetData) LastLimboFreeSnapshotVersion() SnapshotVersion {
	return self.lastLimboFreeSnapshotVersion
}

func (self *TargetData) ResumeToken() []byte {
	return self.resumeToken
}

func (self *TargetData) copy() *TargetData {
	next := *self
	return &next
}

func (self *TargetData) WithResumeToken(resumeToken []byte, snapshotVersion SnapshotVersion) *TargetData {
	next := self.copy()
	next.resumeToken = resumeToken
	next.snapshotVersion = snapshotVersion
	return next
}

func (self *TargetData) WithSequenceNumber(sequenceNumber ListenSequenceNumber) *TargetData {
	next := self.copy()
	next.sequenceNumber = sequenceNumber
	return next
}

func (self *TargetData) WithLastLimboFreeSnapshotVersion(version SnapshotVersion) *TargetData {
	next := self.copy()
	next.lastLimboFreeSnapshotVersion = version
	return next
}

func (self *TargetData) WithPurpose(purpose TargetPurpose) *TargetData {
	next := self.copy()
	next.purpose = purpose
	return next
}

func (self *TargetData) Equals(other *TargetData) bool {
	if other == nil {
		return self == nil
	}
	return self.targetID == other.targetID &&
		self.sequenceNumber == other.sequenceNumber &&
		self.purpose == other.purpose &&
		self.snapshotVersion.Equals(other.snapshotVersion) &&
		self.lastLimboFreeSnapshotVersion.Equals(other.lastLimboFreeSnapshotVersion) &&
		string(self.resumeToken) == string(other.resumeToken) &&
		self.query.Equals(other.query)
}
