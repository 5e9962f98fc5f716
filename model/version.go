package model

import (
	"fmt"
	"time"
)

// Timestamp is a wall time with nanosecond precision, the unit of both
// document versions and server timestamp field values.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{
		Seconds: t.Unix(),
		Nanos:   int32(t.Nanosecond()),
	}
}

func (self Timestamp) Time() time.Time {
	return time.Unix(self.Seconds, int64(self.Nanos)).UTC()
}

func (self Timestamp) Compare(other Timestamp) int {
	if self.Seconds != other.Seconds {
		if self.Seconds < other.Seconds {
			return -1
		}
		return 1
	}
	if self.Nanos != other.Nanos {
		if self.Nanos < other.Nanos {
			return -1
		}
		return 1
	}
	return 0
}

func (self Timestamp) String() string {
	return fmt.Sprintf("t(%d,%d)", self.Seconds, self.Nanos)
}

// SnapshotVersion orders document states as observed from the server.
// The zero value is the "unknown" sentinel and sorts before everything.
type SnapshotVersion struct {
	timestamp Timestamp
}

var SnapshotVersionZero = SnapshotVersion{}

func NewSnapshotVersion(timestamp Timestamp) SnapshotVersion {
	return SnapshotVersion{
		timestamp: timestamp,
	}
}

func SnapshotVersionFromTime(t time.Time) SnapshotVersion {
	return SnapshotVersion{
		timestamp: TimestampFromTime(t),
	}
}

func (self SnapshotVersion) Timestamp() Timestamp {
	return self.timestamp
}

func (self SnapshotVersion) Compare(other SnapshotVersion) int {
	return self.timestamp.Compare(other.timestamp)
}

func (self SnapshotVersion) Equals(other SnapshotVersion) bool {
	return self.Compare(other) == 0
}

func (self SnapshotVersion) IsZero() bool {
	return self == SnapshotVersionZero
}

func (self SnapshotVersion) String() string {
	return fmt.Sprintf("v(%d,%d)", self.timestamp.Seconds, self.timestamp.Nanos)
}
