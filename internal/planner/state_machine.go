package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

var (
	// ErrUnknownBucket is returned when the driver asks for a bucket with no handler.
	ErrUnknownBucket = errors.New("planner: unknown bucket")
	// ErrNoBuckets is returned by constructors given an empty bucket list.
	ErrNoBuckets = errors.New("planner: no buckets")
)

// BucketFunc performs one planning iteration for a bucket.
type BucketFunc func(ctx context.Context) error

// StateMachine implements the bookkeeping half of Planner. Strategies embed
// it, register one handler per bucket and move the next pointer from inside
// their handlers.
type StateMachine struct {
	mu       sync.Mutex
	buckets  []string
	next     string
	terminal bool
	handlers map[string]BucketFunc
	stopping []schemas.Fact
}

// NewStateMachine starts at the first bucket.
func NewStateMachine(buckets ...string) (*StateMachine, error) {
	if len(buckets) == 0 {
		return nil, ErrNoBuckets
	}
	return &StateMachine{
		buckets:  slices.Clone(buckets),
		next:     buckets[0],
		handlers: make(map[string]BucketFunc, len(buckets)),
	}, nil
}

// Handle registers the handler of a bucket.
func (sm *StateMachine) Handle(bucket string, fn BucketFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers[bucket] = fn
}

func (sm *StateMachine) Buckets() []string { return slices.Clone(sm.buckets) }

func (sm *StateMachine) NextBucket() (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.terminal {
		return "", false
	}
	return sm.next, true
}

func (sm *StateMachine) IsTerminal() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.terminal
}

// RunBucket invokes the handler registered for bucket.
func (sm *StateMachine) RunBucket(ctx context.Context, bucket string) error {
	sm.mu.Lock()
	fn, ok := sm.handlers[bucket]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	return fn(ctx)
}

// GoTo sets the next bucket.
func (sm *StateMachine) GoTo(bucket string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.next = bucket
	sm.terminal = false
}

// Advance moves to the bucket after the current one, or terminal after the last.
func (sm *StateMachine) Advance() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	next, ok := sm.defaultNext(sm.next)
	if !ok {
		sm.terminal = true
		return
	}
	sm.next = next
}

// DefaultNextBucket returns the bucket following bucket in the list.
func (sm *StateMachine) DefaultNextBucket(bucket string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.defaultNext(bucket)
}

func (sm *StateMachine) defaultNext(bucket string) (string, bool) {
	i := slices.Index(sm.buckets, bucket)
	if i < 0 || i+1 >= len(sm.buckets) {
		return "", false
	}
	return sm.buckets[i+1], true
}

// Halt makes the planner terminal.
func (sm *StateMachine) Halt() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.terminal = true
}

func (sm *StateMachine) StoppingConditions() []schemas.Fact {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return slices.Clone(sm.stopping)
}

// SetStoppingConditions replaces the stopping conditions.
func (sm *StateMachine) SetStoppingConditions(facts []schemas.Fact) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stopping = slices.Clone(facts)
}
