package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunStats collects the counters named in section 4.4.2 for a single
// engine invocation, in the shape of the teacher's run-scoped metrics
// collector: atomic counters for the hot path, a mutex only for the
// occasional duration accumulation.
type RunStats struct {
	mu sync.Mutex

	toBackup         int64
	unchanged        int64
	skipped          int64
	uploadErrors     int64
	bytesUploaded    int64
	totalScanned     int64
	scanDuration     time.Duration
	uploadDuration   time.Duration
}

// NewRunStats returns a zeroed RunStats.
func NewRunStats() *RunStats { return &RunStats{} }

func (s *RunStats) AddToBackup(n int64)     { atomic.AddInt64(&s.toBackup, n) }
func (s *RunStats) AddUnchanged(n int64)    { atomic.AddInt64(&s.unchanged, n) }
func (s *RunStats) AddSkipped(n int64)      { atomic.AddInt64(&s.skipped, n) }
func (s *RunStats) AddUploadErrors(n int64) { atomic.AddInt64(&s.uploadErrors, n) }
func (s *RunStats) AddBytesUploaded(n int64) { atomic.AddInt64(&s.bytesUploaded, n) }
func (s *RunStats) AddTotalScanned(n int64) { atomic.AddInt64(&s.totalScanned, n) }

// AddScanDuration and AddUploadDuration accumulate wall-clock time spent in
// each phase, used only for log lines — not part of the Result contract.
func (s *RunStats) AddScanDuration(d time.Duration) {
	s.mu.Lock()
	s.scanDuration += d
	s.mu.Unlock()
}

func (s *RunStats) AddUploadDuration(d time.Duration) {
	s.mu.Lock()
	s.uploadDuration += d
	s.mu.Unlock()
}

// Snapshot is a point-in-time, race-free read of every counter.
type Snapshot struct {
	ToBackup       int64
	Unchanged      int64
	Skipped        int64
	UploadErrors   int64
	BytesUploaded  int64
	TotalScanned   int64
	ScanDuration   time.Duration
	UploadDuration time.Duration
}

// Snapshot reads all counters atomically with respect to each other's
// storage (each field load is itself atomic; the aggregate is a best-
// effort consistent view, adequate for logging and the final Result).
func (s *RunStats) Snapshot() Snapshot {
	s.mu.Lock()
	scan, upload := s.scanDuration, s.uploadDuration
	s.mu.Unlock()
	return Snapshot{
		ToBackup:       atomic.LoadInt64(&s.toBackup),
		Unchanged:      atomic.LoadInt64(&s.unchanged),
		Skipped:        atomic.LoadInt64(&s.skipped),
		UploadErrors:   atomic.LoadInt64(&s.uploadErrors),
		BytesUploaded:  atomic.LoadInt64(&s.bytesUploaded),
		TotalScanned:   atomic.LoadInt64(&s.totalScanned),
		ScanDuration:   scan,
		UploadDuration: upload,
	}
}
