package store

import "time"

// Run status values
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ConversionRun records one conversion
type ConversionRun struct {
	ID           int64
	RunID        string // uuid, also used as the cleanup journal key
	SourceName   string
	Backend      string
	OutputFormat string
	Firmware     string
	PID          int // process that owns the run while it is running
	StartTime    time.Time
	EndTime      time.Time
	Disks        int
	Status       string // "running", "success", "failed"
	ErrorMessage string
}

// RunDisk records the sizes of one converted disk
type RunDisk struct {
	ID            int64
	RunID         string
	Device        string
	SourceID      int
	Locator       string
	Format        string
	VirtualSize   int64
	EstimatedSize int64
	ActualSize    int64
}

// Artifact is a file a run created and has not yet removed or handed over
type Artifact struct {
	ID        int64
	RunID     string
	Kind      string // "overlay", "target", "remote"
	Path      string // file path, or backend:id for remote disks
	CreatedAt time.Time

	// Joined from the owning run
	RunStatus string
	RunPID    int
}
