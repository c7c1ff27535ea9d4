// timing.go - transfer timing instrumentation for diagnostics
//
// Phase durations are logged at debug level. Setting SHARDLINK_TIMING=1
// promotes them to info so they show without --verbose:
//
//	{"level":"info","phase":"multipart upload","elapsed":9.2,"bytes":335544320,"speed":"34.8 MB/s"}
package cloud

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TimingEnabled returns true if SHARDLINK_TIMING=1 is set.
func TimingEnabled() bool {
	return os.Getenv("SHARDLINK_TIMING") == "1"
}

func timingEvent(logger zerolog.Logger) *zerolog.Event {
	if TimingEnabled() {
		return logger.Info()
	}
	return logger.Debug()
}

// Timer tracks elapsed time for a named phase.
// Stop is idempotent; only the first call logs.
type Timer struct {
	name    string
	start   time.Time
	logger  zerolog.Logger
	stopped atomic.Bool
}

// StartTimer creates a running timer.
func StartTimer(logger zerolog.Logger, name string) *Timer {
	return &Timer{name: name, start: time.Now(), logger: logger}
}

// Elapsed returns the current elapsed time without stopping the timer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.stopped.CompareAndSwap(false, true) {
		timingEvent(t.logger).Str("phase", t.name).Dur("elapsed", elapsed).Msg("phase finished")
	}
	return elapsed
}

// StopWithThroughput logs elapsed time together with the bytes moved.
func (t *Timer) StopWithThroughput(bytes int64) time.Duration {
	elapsed := time.Since(t.start)
	if t.stopped.CompareAndSwap(false, true) {
		speed := 0.0
		if elapsed > 0 {
			speed = float64(bytes) / elapsed.Seconds()
		}
		timingEvent(t.logger).
			Str("phase", t.name).
			Dur("elapsed", elapsed).
			Int64("bytes", bytes).
			Str("speed", FormatSpeed(speed)).
			Msg("phase finished")
	}
	return elapsed
}

// PartTimer aggregates per-part timings of a multipart or chunked transfer.
type PartTimer struct {
	name       string
	logger     zerolog.Logger
	totalParts int

	mu             sync.Mutex
	completedParts int
	totalBytes     int64
	totalDuration  time.Duration
}

// NewPartTimer creates a part timer for totalParts units of work.
func NewPartTimer(logger zerolog.Logger, name string, totalParts int) *PartTimer {
	return &PartTimer{name: name, logger: logger, totalParts: totalParts}
}

// RecordPart records one finished part.
func (pt *PartTimer) RecordPart(partNum int, duration time.Duration, bytes int64) {
	pt.mu.Lock()
	pt.completedParts++
	pt.totalBytes += bytes
	pt.totalDuration += duration
	pt.mu.Unlock()

	timingEvent(pt.logger).
		Str("phase", pt.name).
		Str("part", fmt.Sprintf("%d/%d", partNum, pt.totalParts)).
		Dur("elapsed", duration).
		Int64("bytes", bytes).
		Msg("part finished")
}

// Summary logs aggregate statistics for all recorded parts.
func (pt *PartTimer) Summary() {
	completed, total, avg := pt.Stats()
	if completed == 0 {
		return
	}
	timingEvent(pt.logger).
		Str("phase", pt.name).
		Int("parts", completed).
		Int64("bytes", total).
		Str("avg_speed", FormatSpeed(avg)).
		Msg("parts summary")
}

// Stats returns current statistics without logging. avgSpeed is bytes per
// second of part time, summed over parts.
func (pt *PartTimer) Stats() (completedParts int, totalBytes int64, avgSpeed float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	completedParts = pt.completedParts
	totalBytes = pt.totalBytes
	if pt.totalDuration > 0 {
		avgSpeed = float64(pt.totalBytes) / pt.totalDuration.Seconds()
	}
	return
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed returns a human-readable speed in bytes/second.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSec)
	}
	if bytesPerSec < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
}
