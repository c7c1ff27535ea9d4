package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/shardlink/internal/events"
)

// BatchUI renders concurrent transfers as mpb bars, driven by the transfer
// queue's events. On a non-terminal output it prints one line per state change.
type BatchUI struct {
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool
	totalFiles int

	mu      sync.Mutex
	bars    map[string]*taskBar
	started int

	completed atomic.Int32
	failed    atomic.Int32
}

type taskBar struct {
	bar        *mpb.Bar
	index      int
	name       string
	direction  string
	size       int64
	retries    atomic.Int32
	startTime  time.Time
	lastUpdate time.Time
}

// NewBatchUI creates a batch view on stderr for totalFiles transfers.
func NewBatchUI(totalFiles int) *BatchUI {
	return NewBatchUITo(os.Stderr, totalFiles)
}

// NewBatchUITo creates a batch view on out. Bars are drawn only when out is a terminal.
func NewBatchUITo(out io.Writer, totalFiles int) *BatchUI {
	isTerminal := false
	if f, ok := out.(*os.File); ok {
		isTerminal = term.IsTerminal(int(f.Fd()))
		if isTerminal {
			enableANSIOnWindows(f)
		}
	}
	return newBatchUI(out, isTerminal, totalFiles)
}

func newBatchUI(out io.Writer, isTerminal bool, totalFiles int) *BatchUI {
	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}
	return &BatchUI{
		progress:   p,
		out:        out,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
		bars:       make(map[string]*taskBar),
	}
}

// Watch renders events until ch is closed.
func (u *BatchUI) Watch(ch <-chan events.Event) {
	for ev := range ch {
		u.handle(ev)
	}
}

func (u *BatchUI) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.TransferEvent:
		switch e.Type() {
		case events.EventTransferStarted:
			u.add(e)
		case events.EventTransferProgress:
			u.update(e)
		case events.EventTransferFallback:
			if tb := u.lookup(e.TaskID); tb != nil {
				u.println(fmt.Sprintf("  %s: legacy file, downloading from mirrors", tb.name))
			}
		case events.EventTransferCompleted:
			u.finish(e, "")
		case events.EventTransferFailed:
			msg := "failed"
			if e.Error != nil {
				msg = e.Error.Error()
			}
			u.finish(e, msg)
		case events.EventTransferCancelled:
			u.finish(e, "cancelled")
		}
	case *events.RetryEvent:
		if tb := u.lookup(e.TaskID); tb != nil {
			tb.retries.Add(1)
		}
	}
}

func (u *BatchUI) lookup(taskID string) *taskBar {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bars[taskID]
}

func (u *BatchUI) add(e *events.TransferEvent) {
	u.mu.Lock()
	if _, ok := u.bars[e.TaskID]; ok {
		u.mu.Unlock()
		return
	}
	u.started++
	tb := &taskBar{
		index:      u.started,
		name:       truncatePath(e.Name, 2),
		direction:  e.Direction,
		size:       e.Size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}
	u.bars[e.TaskID] = tb
	u.mu.Unlock()

	verb := "Downloading"
	if tb.direction == "upload" {
		verb = "Uploading"
	}
	if !u.isTerminal {
		u.println(fmt.Sprintf("%s [%d/%d]: %s", verb, tb.index, u.totalFiles, tb.name))
		return
	}

	tb.bar = u.progress.New(max(tb.size, 0),
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				base := fmt.Sprintf("[%d/%d] %s", tb.index, u.totalFiles, tb.name)
				if r := tb.retries.Load(); r > 0 {
					return fmt.Sprintf("%s (retry %d)", base, r)
				}
				return base
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
		mpb.BarRemoveOnComplete(),
	)
}

func (u *BatchUI) update(e *events.TransferEvent) {
	tb := u.lookup(e.TaskID)
	if tb == nil || tb.bar == nil {
		return
	}
	if e.Size > 0 && e.Size != tb.size {
		tb.size = e.Size
		tb.bar.SetTotal(e.Size, false)
	}
	now := time.Now()
	tb.bar.EwmaSetCurrent(e.Bytes, now.Sub(tb.lastUpdate))
	tb.lastUpdate = now
}

// finish closes the task's bar. failure is empty on success.
func (u *BatchUI) finish(e *events.TransferEvent, failure string) {
	tb := u.lookup(e.TaskID)
	if tb == nil {
		return
	}
	elapsed := time.Since(tb.startTime)

	if failure == "" {
		u.completed.Add(1)
		if tb.bar != nil {
			tb.bar.SetCurrent(e.Size)
			tb.bar.SetTotal(e.Size, true)
		}
		speed := 0.0
		if s := elapsed.Seconds(); s > 0 {
			speed = float64(e.Size) / s / (1024 * 1024)
		}
		u.println(fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)",
			tb.name, float64(e.Size)/(1024*1024), elapsed.Round(time.Second), speed))
		return
	}

	u.failed.Add(1)
	if tb.bar != nil {
		tb.bar.Abort(false)
	}
	u.println(fmt.Sprintf("✗ %s: %s (after %d retries)", tb.name, failure, tb.retries.Load()))
}

func (u *BatchUI) println(msg string) {
	if u.isTerminal {
		_, _ = u.progress.Write([]byte(msg + "\n"))
		return
	}
	fmt.Fprintln(u.out, msg)
}

// Wait blocks until all bars are finished.
func (u *BatchUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns a writer that prints above the bars.
func (u *BatchUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return u.out
}

// IsTerminal reports whether bars are rendered.
func (u *BatchUI) IsTerminal() bool {
	return u.isTerminal
}

// Counts returns the number of completed and failed transfers.
func (u *BatchUI) Counts() (completed, failed int) {
	return int(u.completed.Load()), int(u.failed.Load())
}

// truncatePath keeps the last maxComponents path elements.
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	return "…/" + strings.Join(parts[len(parts)-maxComponents:], "/")
}

// enableANSIOnWindows turns on escape sequence processing for Windows consoles.
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
