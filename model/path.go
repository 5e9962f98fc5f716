package model

import (
	"fmt"
	"strings"
)

// ResourcePath is a slash-separated path into the document tree.
// Value type; every operation returns a new path.
type ResourcePath struct {
	segments []string
}

var EmptyResourcePath = ResourcePath{}

func NewResourcePath(segments ...string) ResourcePath {
	for _, segment := range segments {
		if segment == "" {
			panic("Resource path segments must not be empty.")
		}
		if strings.Contains(segment, "/") {
			panic(fmt.Sprintf("Resource path segment must not contain a slash: %s", segment))
		}
	}
	return ResourcePath{
		segments: segments,
	}
}

func ResourcePathFromString(path string) ResourcePath {
	if path == "" {
		return EmptyResourcePath
	}
	return NewResourcePath(strings.Split(path, "/")...)
}

func (self ResourcePath) Length() int {
	return len(self.segments)
}

func (self ResourcePath) IsEmpty() bool {
	return len(self.segments) == 0
}

func (self ResourcePath) Segment(i int) string {
	return self.segments[i]
}

func (self ResourcePath) First() string {
	return self.segments[0]
}

func (self ResourcePath) Last() string {
	return self.segments[len(self.segments)-1]
}

func (self ResourcePath) Append(segment string) ResourcePath {
	segments := make([]string, 0, len(self.segments)+1)
	segments = append(segments, self.segments...)
	segments = append(segments, segment)
	return ResourcePath{
		segments: segments,
	}
}

func (self ResourcePath) AppendPath(other ResourcePath) ResourcePath {
	segments := make([]string, 0, len(self.segments)+len(other.segments))
	segments = append(segments, self.segments...)
	segments = append(segments, other.segments...)
	return ResourcePath{
		segments: segments,
	}
}

func (self ResourcePath) PopFirst(count int) ResourcePath {
	return ResourcePath{
		segments: self.segments[count:],
	}
}

func (self ResourcePath) PopLast() ResourcePath {
	return ResourcePath{
		segments: self.segments[:len(self.segments)-1],
	}
}

func (self ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(other.segments) < len(self.segments) {
		return false
	}
	for i, segment := range self.segments {
		if other.segments[i] != segment {
			return false
		}
	}
	return true
}

// lexicographic by segment; a prefix sorts before its extensions
func (self ResourcePath) Compare(other ResourcePath) int {
	n := min(len(self.segments), len(other.segments))
	for i := 0; i < n; i += 1 {
		if c := strings.Compare(self.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(self.segments), len(other.segments))
}

func (self ResourcePath) Equals(other ResourcePath) bool {
	return self.Compare(other) == 0
}

func (self ResourcePath) String() string {
	return strings.Join(self.segments, "/")
}

// FieldPath addresses a field inside a document, e.g. `address.city`.
type FieldPath struct {
	segments []string
}

var EmptyFieldPath = FieldPath{}

// sentinel path ordering documents by key
var KeyFieldPath = NewFieldPath("__name__")

func NewFieldPath(segments ...string) FieldPath {
	for _, segment := range segments {
		if segment == "" {
			panic("Field path segments must not be empty.")
		}
	}
	return FieldPath{
		segments: segments,
	}
}

// parses a dotted path; segments themselves must not contain dots
func FieldPathFromDottedString(path string) FieldPath {
	return NewFieldPath(strings.Split(path, ".")...)
}

func (self FieldPath) Length() int {
	return len(self.segments)
}

func (self FieldPath) IsEmpty() bool {
	return len(self.segments) == 0
}

func (self FieldPath) Segment(i int) string {
	return self.segments[i]
}

func (self FieldPath) First() string {
	return self.segments[0]
}

func (self FieldPath) Last() string {
	return self.segments[len(self.segments)-1]
}

func (self FieldPath) PopFirst() FieldPath {
	return FieldPath{
		segments: self.segments[1:],
	}
}

func (self FieldPath) Append(segment string) FieldPath {
	segments := make([]string, 0, len(self.segments)+1)
	segments = append(segments, self.segments...)
	segments = append(segments, segment)
	return FieldPath{
		segments: segments,
	}
}

func (self FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(other.segments) < len(self.segments) {
		return false
	}
	for i, segment := range self.segments {
		if other.segments[i] != segment {
			return false
		}
	}
	return true
}

func (self FieldPath) IsKeyField() bool {
	return len(self.segments) == 1 && self.segments[0] == "__name__"
}

func (self FieldPath) Compare(other FieldPath) int {
	n := min(len(self.segments), len(other.segments))
	for i := 0; i < n; i += 1 {
		if c := strings.Compare(self.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(self.segments), len(other.segments))
}

func (self FieldPath) Equals(other FieldPath) bool {
	return self.Compare(other) == 0
}

func (self FieldPath) String() string {
	escaped := make([]string, len(self.segments))
	for i, segment := range self.segments {
		if needsEscaping(segment) {
			escaped[i] = "`" + strings.ReplaceAll(segment, "`", "\\`") + "`"
		} else {
			escaped[i] = segment
		}
	}
	return strings.Join(escaped, ".")
}

func needsEscaping(segment string) bool {
	for i, r := range segment {
		if r == '_' || 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' {
			continue
		}
		if 0 < i && '0' <= r && r <= '9' {
			continue
		}
		return true
	}
	return false
}

func compareInts(a int, b int) int {
	if a < b {
		return -1
	} else if b < a {
		return 1
	} else {
		return 0
	}
}
