package segment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKeyRange = errors.New("invalid key range")
	ErrOverlap         = errors.New("key ranges overlap")
	ErrGap             = errors.New("key ranges leave a gap")
)

// MinKey and MaxKey bound the normalized key space. Ranges are half-open.
const (
	MinKey = 0.0
	MaxKey = 1.0
)

// KeyRange is a half-open interval [Start, End) of the normalized key space.
type KeyRange struct {
	Start float64
	End   float64
}

// Validate reports whether the range is non-empty and inside [MinKey, MaxKey].
func (r KeyRange) Validate() error {
	if r.Start < MinKey || r.End > MaxKey || r.Start >= r.End {
		return fmt.Errorf("%w: [%v, %v)", ErrInvalidKeyRange, r.Start, r.End)
	}
	return nil
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}

// Overlaps reports whether two half-open ranges intersect.
// Ranges touching at a boundary do not overlap.
func Overlaps(first, second KeyRange) bool {
	return second.End > first.Start && second.Start < first.End
}

// Segment holds the properties of a stream segment that never change over its lifetime.
// A split or merge produces new segments in a later epoch; existing values are never mutated.
// Only values built by NewSegment are guaranteed to satisfy KeyStart < KeyEnd;
// ValidatePartition and ValidateScale re-check ranges they are given.
type Segment struct {
	Number int64
	Epoch  int32
	// Creation time, milliseconds since epoch.
	Start    int64
	KeyStart float64
	KeyEnd   float64
}

// NewSegment creates a Segment after validating its key range.
func NewSegment(number int64, epoch int32, start int64, keyStart, keyEnd float64) (Segment, error) {
	if err := (KeyRange{Start: keyStart, End: keyEnd}).Validate(); err != nil {
		return Segment{}, err
	}
	return Segment{
		Number:   number,
		Epoch:    epoch,
		Start:    start,
		KeyStart: keyStart,
		KeyEnd:   keyEnd,
	}, nil
}

// KeyRange returns the segment's key-space interval.
func (s Segment) KeyRange() KeyRange {
	return KeyRange{Start: s.KeyStart, End: s.KeyEnd}
}

// Overlaps reports whether the key ranges of the two segments intersect.
func (s Segment) Overlaps(other Segment) bool {
	return other.KeyEnd > s.KeyStart && other.KeyStart < s.KeyEnd
}

// OverlapsRange is Overlaps against raw bounds, for candidate ranges that
// have no segment yet.
func (s Segment) OverlapsRange(keyStart, keyEnd float64) bool {
	return keyEnd > s.KeyStart && keyStart < s.KeyEnd
}

// Contains reports whether key falls inside the segment's range.
func (s Segment) Contains(key float64) bool {
	return key >= s.KeyStart && key < s.KeyEnd
}

func (s Segment) String() string {
	return fmt.Sprintf("Segment{number=%d, epoch=%d, start=%d, keyStart=%v, keyEnd=%v}",
		s.Number, s.Epoch, s.Start, s.KeyStart, s.KeyEnd)
}
