// Package progress multiplexes live execution-progress snapshots to
// subscribers keyed by test id.
package progress

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when subscribing to a closed distributor.
var ErrClosed = errors.New("progress distributor is closed")

// ResourceUsage is the sandbox resource view carried in a snapshot.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryBytes    uint64  `json:"memoryBytes"`
	MemoryPercent  float64 `json:"memoryPercent"`
	NetworkRxBytes uint64  `json:"networkRxBytes"`
	NetworkTxBytes uint64  `json:"networkTxBytes"`

	// NetworkRate is the combined rx+tx throughput in bytes/s between the
	// two most recent samples
	NetworkRate float64 `json:"networkRate"`
}

// Snapshot is one full progress emission for a test. Every emission carries
// the complete current view; subscribers never need earlier snapshots.
type Snapshot struct {
	TestID   string  `json:"testId"`
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"`

	// RequestsDone and FailedRequests mirror the load generator's own
	// progress stream during the executing phase
	RequestsDone   int64   `json:"requestsDone,omitempty"`
	FailedRequests int64   `json:"failedRequests,omitempty"`
	CurrentRPS     float64 `json:"currentRps,omitempty"`

	// EstimatedRemaining is seconds left per the duration estimate, -1
	// when no estimate applies
	EstimatedRemaining float64 `json:"estimatedRemaining"`

	Resources *ResourceUsage `json:"resources,omitempty"`

	// Warnings accumulate for the lifetime of the run
	Warnings []string `json:"warnings,omitempty"`

	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer bounds each subscription channel.
const subscriberBuffer = 32

// Subscription is one subscriber's view of a test's progress stream.
type Subscription struct {
	testID string
	ch     chan Snapshot
	once   sync.Once
}

// C returns the snapshot channel. It is closed when the test completes or
// the subscription is cancelled.
func (s *Subscription) C() <-chan Snapshot { return s.ch }

// TestID returns the test this subscription follows.
func (s *Subscription) TestID() string { return s.testID }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Distributor fans progress snapshots out to per-test subscribers.
//
// Publishing never blocks: a subscriber that falls behind loses its oldest
// buffered snapshot. Late subscribers receive no history.
type Distributor struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
}

// NewDistributor creates an empty distributor.
func NewDistributor() *Distributor {
	return &Distributor{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a subscriber for one test id.
func (d *Distributor) Subscribe(testID string) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{testID: testID, ch: make(chan Snapshot, subscriberBuffer)}
	d.subs[testID] = append(d.subs[testID], sub)
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (d *Distributor) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	list := d.subs[sub.testID]
	for i, s := range list {
		if s == sub {
			d.subs[sub.testID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.subs[sub.testID]) == 0 {
		delete(d.subs, sub.testID)
	}
	d.mu.Unlock()
	sub.close()
}

// Publish delivers a snapshot to every subscriber of its test id.
func (d *Distributor) Publish(snapshot Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs[snapshot.TestID] {
		select {
		case sub.ch <- snapshot:
		default:
			// Full buffer: drop the oldest so the newest view wins.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}

// Complete ends a test's stream, closing all its subscriptions.
func (d *Distributor) Complete(testID string) {
	d.mu.Lock()
	list := d.subs[testID]
	delete(d.subs, testID)
	d.mu.Unlock()
	for _, sub := range list {
		sub.close()
	}
}

// SubscriberCount returns the number of subscribers for a test id.
func (d *Distributor) SubscriberCount(testID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[testID])
}

// Close completes every stream and rejects future subscriptions.
func (d *Distributor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := d.subs
	d.subs = make(map[string][]*Subscription)
	d.mu.Unlock()

	for _, list := range all {
		for _, sub := range list {
			sub.close()
		}
	}
}
