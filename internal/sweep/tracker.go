package sweep

import (
	"sync"
	"time"

	"github.com/jdevroede/hcw-crawler/internal/clock"
)

// Snapshot is a point-in-time view of sweep progress, pull-consumable by any
// UI. Reads are eventually consistent with the sweep goroutine; updates land
// at page granularity.
type Snapshot struct {
	SweepID             string                      `json:"sweep_id,omitempty"`
	Active              bool                        `json:"active"`
	CurrentPartition    string                      `json:"current_partition,omitempty"`
	CurrentPage         int                         `json:"current_page"`
	EmptyStreak         int                         `json:"empty_streak"`
	StartedAt           time.Time                   `json:"started_at"`
	Elapsed             time.Duration               `json:"elapsed_ns"`
	DistinctIdentifiers int64                       `json:"distinct_identifiers"`
	Partitions          map[string]PartitionMetrics `json:"partitions,omitempty"`
	StoppedReason       string                      `json:"stopped_reason,omitempty"`
}

// Tracker collects progress updates from the sweep goroutine and serves
// snapshots to concurrent readers.
type Tracker struct {
	mu    sync.Mutex
	clk   clock.Clock
	state Snapshot
}

// NewTracker builds a Tracker; a nil clock falls back to the system clock.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.System()
	}
	return &Tracker{clk: clk}
}

// StartSweep resets the tracker for a new run.
func (t *Tracker) StartSweep(sweepID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Snapshot{
		SweepID:    sweepID,
		Active:     true,
		StartedAt:  t.clk.Now(),
		Partitions: make(map[string]PartitionMetrics),
	}
}

// StartPartition marks the partition currently being crawled.
func (t *Tracker) StartPartition(partitionKey string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CurrentPartition = partitionKey
	t.state.CurrentPage = 0
	t.state.EmptyStreak = 0
}

// Page records completion of one page within the current partition.
func (t *Tracker) Page(partitionKey string, page, emptyStreak int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CurrentPartition = partitionKey
	t.state.CurrentPage = page
	t.state.EmptyStreak = emptyStreak
}

// FinishPartition stores the terminal metrics for a partition.
func (t *Tracker) FinishPartition(partitionKey string, m PartitionMetrics) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Partitions == nil {
		t.state.Partitions = make(map[string]PartitionMetrics)
	}
	t.state.Partitions[partitionKey] = m
}

// SetDistinctIdentifiers records the final distinct-identifier count.
func (t *Tracker) SetDistinctIdentifiers(count int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.DistinctIdentifiers = count
}

// Finish marks the sweep inactive with its overall stop reason.
func (t *Tracker) Finish(reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Active = false
	t.state.StoppedReason = reason
	t.state.CurrentPartition = ""
}

// Snapshot returns a copy of the current state, including a copied partition
// map so callers never observe concurrent mutation.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.state
	if !snap.StartedAt.IsZero() {
		snap.Elapsed = t.clk.Now().Sub(snap.StartedAt)
	}
	snap.Partitions = make(map[string]PartitionMetrics, len(t.state.Partitions))
	for k, v := range t.state.Partitions {
		snap.Partitions[k] = v
	}
	return snap
}
