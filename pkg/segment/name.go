package segment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidName = errors.New("invalid segment name")

// Name identifies a segment within a stream.
type Name struct {
	Scope  string
	Stream string
	Number int64
}

// ScopedName returns "scope/stream/number", the form used on the wire.
func (n Name) ScopedName() string {
	return n.Scope + "/" + n.Stream + "/" + strconv.FormatInt(n.Number, 10)
}

func (n Name) String() string {
	return n.ScopedName()
}

// ParseName is the inverse of ScopedName.
func ParseName(scoped string) (Name, error) {
	parts := strings.Split(scoped, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, scoped)
	}
	number, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || number < 0 {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, scoped)
	}
	return Name{Scope: parts[0], Stream: parts[1], Number: number}, nil
}
