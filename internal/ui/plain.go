package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/WKHAllen/hoard/internal/event"
	"github.com/WKHAllen/hoard/internal/stats"
)

// Presenter prints an operation's event stream as plain text: one line
// per completed or failed file, periodic progress to the error writer,
// and a final summary.
type Presenter struct {
	W       io.Writer
	ErrW    io.Writer
	Stats   *stats.Collector
	Quiet   bool // suppress per-file lines
	Verbose bool // also print dirs, symlinks, and dedup chunk lines

	lastProgress time.Time
}

// Run consumes events until the channel closes (the operation reached
// a terminal state). Blocks until done.
func (p *Presenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.Stats.Tick()
			if time.Since(p.lastProgress) >= 5*time.Second {
				p.printProgress()
				p.lastProgress = time.Now()
			}
		}
	}
}

func (p *Presenter) handleEvent(ev event.Event) {
	if p.Quiet {
		return
	}
	switch ev.Type {
	case event.FileCompleted:
		speed := p.Stats.RollingSpeed(5)
		fmt.Fprintf(p.W, "%s  %s  %s\n", ev.Path, FormatBytes(ev.Size), FormatRate(speed))
	case event.FileFailed:
		fmt.Fprintf(p.W, "%s  failed: %s\n", ev.Path, ev.Message)
	case event.FileSkipped:
		fmt.Fprintf(p.W, "%s  skipped: %s\n", ev.Path, ev.Message)
	case event.SnapshotCommitted:
		fmt.Fprintf(p.W, "snapshot %s committed (%s)\n", ev.Message, FormatBytes(ev.Size))
	case event.DirCreated:
		if p.Verbose {
			fmt.Fprintf(p.W, "%s/\n", ev.Path)
		}
	case event.SymlinkCreated:
		if p.Verbose {
			fmt.Fprintf(p.W, "%s -> symlink\n", ev.Path)
		}
	case event.ChunkDeduped:
		if p.Verbose {
			fmt.Fprintf(p.W, "%s  dedup %s\n", ev.Path, FormatBytes(ev.Size))
		}
	}
}

func (p *Presenter) printProgress() {
	snap := p.Stats.Snapshot()
	if snap.BytesTotal > 0 {
		pct := float64(snap.BytesProcessed) / float64(snap.BytesTotal) * 100
		fmt.Fprintf(p.ErrW, "progress: %.0f%% %s/%s %s/%s files %s eta %s\n",
			pct,
			FormatBytes(snap.BytesProcessed), FormatBytes(snap.BytesTotal),
			FormatCount(snap.FilesProcessed), FormatCount(snap.FilesTotal),
			FormatRate(p.Stats.RollingSpeed(10)),
			FormatETA(p.Stats.ETA()),
		)
	} else {
		fmt.Fprintf(p.ErrW, "progress: %s processed %s files\n",
			FormatBytes(snap.BytesProcessed),
			FormatCount(snap.FilesProcessed),
		)
	}
}

// Summary builds the final summary line.
// Format: done ✓  files 48,917  size 2.1 GiB  dedup 37%  avg 641 MB/s  time 3m 17s  errors 0
func (p *Presenter) Summary() string {
	snap := p.Stats.Snapshot()

	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesProcessed) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.FilesFailed > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  files %s  size %s",
		icon,
		FormatCount(snap.FilesProcessed),
		FormatBytes(snap.BytesProcessed),
	)
	if snap.BytesDeduped > 0 {
		base += fmt.Sprintf("  dedup %.0f%%", snap.DedupRatio()*100)
	}
	base += fmt.Sprintf("  avg %s  time %s  errors %d",
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
		snap.FilesFailed,
	)
	return base
}
