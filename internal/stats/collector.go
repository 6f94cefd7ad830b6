package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks operation statistics using lock-free atomic counters.
type Collector struct {
	filesProcessed  atomic.Int64
	filesFailed     atomic.Int64
	filesSkipped    atomic.Int64
	bytesProcessed  atomic.Int64
	bytesStored     atomic.Int64
	bytesDeduped    atomic.Int64
	chunksStored    atomic.Int64
	chunksDeduped   atomic.Int64
	dirsCreated     atomic.Int64
	symlinksCreated atomic.Int64
	bytesTotal      atomic.Int64
	filesTotal      atomic.Int64
	startTime       time.Time

	// Ring buffer written only by the presenter's Tick(), not workers.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int // samples written so far (capped at ringSize)
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the expected file and byte totals for ETA math.
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

// AddFilesTotal atomically increments the total file count.
func (c *Collector) AddFilesTotal(n int64) { c.filesTotal.Add(n) }

// AddBytesTotal atomically increments the total byte count.
func (c *Collector) AddBytesTotal(n int64) { c.bytesTotal.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesProcessed  int64
	FilesFailed     int64
	FilesSkipped    int64
	BytesProcessed  int64
	BytesStored     int64
	BytesDeduped    int64
	ChunksStored    int64
	ChunksDeduped   int64
	DirsCreated     int64
	SymlinksCreated int64
	BytesTotal      int64
	FilesTotal      int64
	Elapsed         time.Duration
}

func (c *Collector) AddFilesProcessed(n int64)  { c.filesProcessed.Add(n) }
func (c *Collector) AddFilesFailed(n int64)     { c.filesFailed.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)    { c.filesSkipped.Add(n) }
func (c *Collector) AddBytesProcessed(n int64)  { c.bytesProcessed.Add(n) }
func (c *Collector) AddBytesStored(n int64)     { c.bytesStored.Add(n) }
func (c *Collector) AddBytesDeduped(n int64)    { c.bytesDeduped.Add(n) }
func (c *Collector) AddChunksStored(n int64)    { c.chunksStored.Add(n) }
func (c *Collector) AddChunksDeduped(n int64)   { c.chunksDeduped.Add(n) }
func (c *Collector) AddDirsCreated(n int64)     { c.dirsCreated.Add(n) }
func (c *Collector) AddSymlinksCreated(n int64) { c.symlinksCreated.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesProcessed:  c.filesProcessed.Load(),
		FilesFailed:     c.filesFailed.Load(),
		FilesSkipped:    c.filesSkipped.Load(),
		BytesProcessed:  c.bytesProcessed.Load(),
		BytesStored:     c.bytesStored.Load(),
		BytesDeduped:    c.bytesDeduped.Load(),
		ChunksStored:    c.chunksStored.Load(),
		ChunksDeduped:   c.chunksDeduped.Load(),
		DirsCreated:     c.dirsCreated.Load(),
		SymlinksCreated: c.symlinksCreated.Load(),
		BytesTotal:      c.bytesTotal.Load(),
		FilesTotal:      c.filesTotal.Load(),
		Elapsed:         c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by
// the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesProcessed.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	delta := currentBytes - c.lastBytes
	c.lastBytes = currentBytes

	c.throughput[c.ringIdx] = delta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesProcessed.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"processed=%d failed=%d skipped=%d bytes=%d stored=%d deduped=%d dirs=%d symlinks=%d",
		s.FilesProcessed, s.FilesFailed, s.FilesSkipped,
		s.BytesProcessed, s.BytesStored, s.BytesDeduped,
		s.DirsCreated, s.SymlinksCreated,
	)
}

// DedupRatio returns the fraction of processed bytes satisfied by
// existing chunks, 0 when nothing has been processed.
func (s Snapshot) DedupRatio() float64 {
	if s.BytesProcessed == 0 {
		return 0
	}
	return float64(s.BytesDeduped) / float64(s.BytesProcessed)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
