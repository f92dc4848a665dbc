// Package controller tracks streams, their active segments and which storage
// node owns each segment.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/unijord/seglog/pkg/client"
	"github.com/unijord/seglog/pkg/segment"
)

var (
	ErrStreamExists    = errors.New("stream already exists")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrSegmentNotFound = errors.New("segment not found")
)

// Config holds StaticController configuration Options.
type Config struct {
	Logger *slog.Logger
	// Returns creation times for new segments. Defaults to time.Now.
	Now func() time.Time
}

type streamState struct {
	scope  string
	name   string
	epoch  int32
	next   int64
	active []segment.Segment
}

func (s *streamState) segmentName(number int64) string {
	return segment.Name{Scope: s.scope, Stream: s.name, Number: number}.ScopedName()
}

// StaticController keeps stream and placement state in memory. Scaling
// decisions are made by the caller; the controller only validates and
// applies them.
type StaticController struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	streams   map[string]*streamState
	endpoints map[string]string
}

func NewStaticController(cfg Config) *StaticController {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &StaticController{
		logger:    cfg.Logger.With("component", "controller"),
		now:       cfg.Now,
		streams:   make(map[string]*streamState),
		endpoints: make(map[string]string),
	}
}

func streamKey(scope, stream string) string {
	return scope + "/" + stream
}

// CreateStream creates a stream whose first segments cover ranges, all
// placed on endpoint. The ranges must partition the whole key space.
func (c *StaticController) CreateStream(ctx context.Context, scope, stream string, ranges []segment.KeyRange, endpoint string) ([]segment.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := streamKey(scope, stream)
	if _, ok := c.streams[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, key)
	}

	st := &streamState{scope: scope, name: stream}
	created, err := c.newSegments(st, ranges)
	if err != nil {
		return nil, err
	}
	if err := segment.ValidatePartition(created); err != nil {
		return nil, fmt.Errorf("create stream %s: %w", key, err)
	}

	st.active = created
	c.streams[key] = st
	for _, seg := range created {
		c.endpoints[st.segmentName(seg.Number)] = endpoint
	}

	c.logger.Info("stream created",
		"stream", key,
		"segments", len(created),
		"endpoint", endpoint)
	return slices.Clone(created), nil
}

// Scale replaces the sealed segments with new segments covering newRanges in
// the stream's next epoch. The new segments are placed on endpoint.
func (c *StaticController) Scale(ctx context.Context, scope, stream string, sealed []int64, newRanges []segment.KeyRange, endpoint string) ([]segment.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := streamKey(scope, stream)
	st, ok := c.streams[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, key)
	}
	if err := segment.ValidateScale(st.active, sealed, newRanges); err != nil {
		return nil, fmt.Errorf("scale stream %s: %w", key, err)
	}

	prevEpoch, prevNext := st.epoch, st.next
	st.epoch++
	created, err := c.newSegments(st, newRanges)
	if err != nil {
		st.epoch, st.next = prevEpoch, prevNext
		return nil, err
	}

	active := slices.DeleteFunc(slices.Clone(st.active), func(s segment.Segment) bool {
		return slices.Contains(sealed, s.Number)
	})
	active = append(active, created...)
	slices.SortFunc(active, func(a, b segment.Segment) int {
		switch {
		case a.KeyStart < b.KeyStart:
			return -1
		case a.KeyStart > b.KeyStart:
			return 1
		default:
			return 0
		}
	})
	if err := segment.ValidatePartition(active); err != nil {
		st.epoch, st.next = prevEpoch, prevNext
		return nil, fmt.Errorf("scale stream %s: %w", key, err)
	}

	st.active = active
	for _, seg := range created {
		c.endpoints[st.segmentName(seg.Number)] = endpoint
	}

	c.logger.Info("stream scaled",
		"stream", key,
		"epoch", st.epoch,
		"sealed", sealed,
		"created", len(created))
	return slices.Clone(created), nil
}

// newSegments numbers segments for ranges in the stream's current epoch.
// The stream's counter only advances when all of them are valid.
func (c *StaticController) newSegments(st *streamState, ranges []segment.KeyRange) ([]segment.Segment, error) {
	start := c.now().UnixMilli()
	out := make([]segment.Segment, 0, len(ranges))
	for i, r := range ranges {
		seg, err := segment.NewSegment(st.next+int64(i), st.epoch, start, r.Start, r.End)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	st.next += int64(len(ranges))
	return out, nil
}

// ActiveSegments returns the stream's current segments ordered by key.
func (c *StaticController) ActiveSegments(ctx context.Context, scope, stream string) ([]segment.Segment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.streams[streamKey(scope, stream)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamKey(scope, stream))
	}
	return slices.Clone(st.active), nil
}

// SegmentForKey routes routingKey to the active segment whose range holds
// its hash, returning the segment's scoped name.
func (c *StaticController) SegmentForKey(ctx context.Context, scope, stream, routingKey string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.streams[streamKey(scope, stream)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrStreamNotFound, streamKey(scope, stream))
	}
	seg, ok := segment.Locate(st.active, segment.HashRoutingKey(routingKey))
	if !ok {
		return "", fmt.Errorf("%w: no segment for key %q", ErrSegmentNotFound, routingKey)
	}
	return st.segmentName(seg.Number), nil
}

// GetEndpointForSegment returns the endpoint of the node that owns the
// segment. Unknown segments fail with an error matching both
// ErrSegmentNotFound and client.ErrNoSuchSegment.
func (c *StaticController) GetEndpointForSegment(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	endpoint, ok := c.endpoints[name]
	if !ok {
		return "", fmt.Errorf("%w: %s: %w", ErrSegmentNotFound, name, client.ErrNoSuchSegment)
	}
	return endpoint, nil
}

// MoveSegment reassigns a segment to another node.
func (c *StaticController) MoveSegment(name, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from, ok := c.endpoints[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	c.endpoints[name] = endpoint
	c.logger.Info("segment moved",
		"segment", name,
		"from", from,
		"to", endpoint)
	return nil
}

var _ client.Controller = (*StaticController)(nil)
