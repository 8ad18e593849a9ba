package pipeline

import (
	"sync"
	"time"
)

// Phase is the pipeline stage a conversion is in.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseProtecting Phase = "protecting"
	PhaseConverting Phase = "converting"
	PhasePlanning   Phase = "planning"
	PhaseCopying    Phase = "copying"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// DiskProgress is the copy state of one disk.
type DiskProgress struct {
	Device      string `json:"device"`
	VirtualSize int64  `json:"virtual_size"`
	ActualSize  int64  `json:"actual_size,omitempty"`
	Started     bool   `json:"started"`
	Done        bool   `json:"done"`
	Failed      bool   `json:"failed"`
	Error       string `json:"error,omitempty"`
}

// Progress is a snapshot of a conversion, safe for JSON serialization.
type Progress struct {
	Source         string         `json:"source"`
	Phase          Phase          `json:"phase"`
	TotalDisks     int            `json:"total_disks"`
	CompletedDisks int            `json:"completed_disks"`
	TotalBytes     int64          `json:"total_bytes"`
	CopiedBytes    int64          `json:"copied_bytes"`
	Percent        float64        `json:"percent"`
	Disks          []DiskProgress `json:"disks,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	Elapsed        string         `json:"elapsed"`
}

// Tracker accumulates conversion progress. It implements copier.Progress.
// Watchers call Wait to block until the next update.
type Tracker struct {
	mu sync.Mutex

	source    string
	phase     Phase
	startTime time.Time

	// Disks in copy order, plus an index by device
	disks []*DiskProgress
	index map[string]*DiskProgress

	// Close-and-replace: every update closes notify and makes a new one.
	notify chan struct{}
}

// NewTracker creates a tracker for the named source.
func NewTracker(source string) *Tracker {
	return &Tracker{
		source:    source,
		phase:     PhasePending,
		startTime: time.Now(),
		index:     make(map[string]*DiskProgress),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		Source:     t.source,
		Phase:      t.phase,
		TotalDisks: len(t.disks),
		StartTime:  t.startTime,
		Elapsed:    time.Since(t.startTime).Truncate(time.Second).String(),
		Disks:      make([]DiskProgress, len(t.disks)),
	}
	for i, d := range t.disks {
		p.Disks[i] = *d
		p.TotalBytes += d.VirtualSize
		if d.Done {
			p.CompletedDisks++
			p.CopiedBytes += d.VirtualSize
		}
	}
	if p.TotalBytes > 0 {
		p.Percent = float64(p.CopiedBytes) / float64(p.TotalBytes) * 100
	} else if p.TotalDisks > 0 && p.CompletedDisks == p.TotalDisks {
		p.Percent = 100
	}
	return p
}

// Wait returns a channel that is closed on the next update.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase updates the current phase.
func (t *Tracker) SetPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// disk must be called with t.mu held.
func (t *Tracker) disk(device string) *DiskProgress {
	d, ok := t.index[device]
	if !ok {
		d = &DiskProgress{Device: device}
		t.index[device] = d
		t.disks = append(t.disks, d)
	}
	return d
}

// PlanDisks announces the disks to be copied, in order, before copying starts.
func (t *Tracker) PlanDisks(devices []string, sizes []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, dev := range devices {
		d := t.disk(dev)
		if i < len(sizes) {
			d.VirtualSize = sizes[i]
		}
	}
	t.signal()
}

func (t *Tracker) DiskStarted(device string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.disk(device)
	d.Started = true
	d.VirtualSize = size
	t.signal()
}

func (t *Tracker) DiskCompleted(device string, actual int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.disk(device)
	d.Done = true
	d.ActualSize = actual
	t.signal()
}

func (t *Tracker) DiskFailed(device string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.disk(device)
	d.Failed = true
	if err != nil {
		d.Error = err.Error()
	}
	t.signal()
}
