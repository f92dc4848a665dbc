package segment

import (
	"fmt"
	"math"
	"slices"

	"github.com/twmb/murmur3"
)

// ValidatePartition checks that the active segments of one epoch split the
// key space into non-overlapping ranges covering [MinKey, MaxKey) with no gaps.
// A failure here means routing or placement is broken.
func ValidatePartition(segments []Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrGap)
	}

	ranges := make([]KeyRange, len(segments))
	for i, s := range segments {
		// literals bypass NewSegment
		if err := s.KeyRange().Validate(); err != nil {
			return fmt.Errorf("segment %d: %w", s.Number, err)
		}
		ranges[i] = s.KeyRange()
	}
	return validateCover(ranges, KeyRange{Start: MinKey, End: MaxKey})
}

// ValidateScale checks that newRanges can replace the sealed segments:
// the new ranges must not overlap each other and must exactly cover the
// union of the sealed ranges. Every sealed number must be active.
func ValidateScale(active []Segment, sealed []int64, newRanges []KeyRange) error {
	if len(sealed) == 0 || len(newRanges) == 0 {
		return fmt.Errorf("%w: nothing to scale", ErrInvalidKeyRange)
	}

	sealedRanges := make([]KeyRange, 0, len(sealed))
	for _, number := range sealed {
		idx := slices.IndexFunc(active, func(s Segment) bool { return s.Number == number })
		if idx < 0 {
			return fmt.Errorf("segment %d is not active", number)
		}
		r := active[idx].KeyRange()
		if err := r.Validate(); err != nil {
			return fmt.Errorf("segment %d: %w", number, err)
		}
		sealedRanges = append(sealedRanges, r)
	}

	for _, r := range newRanges {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	union, err := contiguousUnion(sealedRanges)
	if err != nil {
		return err
	}
	return validateCover(newRanges, union)
}

// validateCover sorts a copy of ranges and checks that they tile want exactly.
func validateCover(ranges []KeyRange, want KeyRange) error {
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b KeyRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	for i := 1; i < len(sorted); i++ {
		if Overlaps(sorted[i-1], sorted[i]) {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, sorted[i-1], sorted[i])
		}
	}

	if sorted[0].Start != want.Start {
		return fmt.Errorf("%w: [%v, %v) is not covered", ErrGap, want.Start, sorted[0].Start)
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].End != sorted[i].Start {
			return fmt.Errorf("%w: [%v, %v) is not covered", ErrGap, sorted[i-1].End, sorted[i].Start)
		}
	}
	if last := sorted[len(sorted)-1]; last.End != want.End {
		return fmt.Errorf("%w: [%v, %v) is not covered", ErrGap, last.End, want.End)
	}
	return nil
}

// contiguousUnion merges ranges that must form a single interval.
func contiguousUnion(ranges []KeyRange) (KeyRange, error) {
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b KeyRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	union := sorted[0]
	for _, r := range sorted[1:] {
		if r.Start != union.End {
			return KeyRange{}, fmt.Errorf("%w: sealed segments are not adjacent at %v", ErrGap, union.End)
		}
		union.End = r.End
	}
	return union, nil
}

// HashRoutingKey maps a routing key into [MinKey, MaxKey).
func HashRoutingKey(routingKey string) float64 {
	h := murmur3.StringSum32(routingKey)
	return float64(h) / (float64(math.MaxUint32) + 1)
}

// Locate returns the segment whose range contains key.
func Locate(segments []Segment, key float64) (Segment, bool) {
	for _, s := range segments {
		if s.Contains(key) {
			return s, true
		}
	}
	return Segment{}, false
}
