// Package download implements the current-protocol download engine: a chunk
// planner, a concurrent scheduler that reassembles chunks in file order, a
// ranged shard fetcher, and the legacy mirror path.
package download

import (
	"math/rand"

	"github.com/rescale/shardlink/internal/constants"
)

// ChunkTask is one ranged request of a download. Start and End are inclusive.
type ChunkTask struct {
	Index      int
	Start      int64
	End        int64
	Attempt    int
	MaxRetries int
}

// Size returns the number of bytes covered by the task.
func (t ChunkTask) Size() int64 {
	return t.End - t.Start + 1
}

// RandomSource yields uniform values in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// PlanOptions configures Plan. Zero values fall back to defaults.
type PlanOptions struct {
	ChunkSize  int64
	MaxRetries int
	Rand       RandomSource
}

// CreateDownloadTasks plans a download of fileSize bytes using the shared
// random source.
func CreateDownloadTasks(fileSize, chunkSize int64, maxRetries int) []ChunkTask {
	return Plan(fileSize, PlanOptions{ChunkSize: chunkSize, MaxRetries: maxRetries})
}

// Plan walks fileSize in randomized increments between MinChunkFraction and
// 1 times the chunk size, producing contiguous, non-overlapping ranges. The
// last task ends at fileSize-1. A non-positive fileSize yields no tasks.
func Plan(fileSize int64, opts PlanOptions) []ChunkTask {
	if fileSize <= 0 {
		return nil
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = constants.DownloadChunkSize
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = constants.ChunkMaxRetries
	}
	src := opts.Rand
	if src == nil {
		src = globalRand{}
	}

	minSize := max(int64(float64(chunkSize)*constants.MinChunkFraction), 1)
	spread := float64(chunkSize - minSize)

	tasks := make([]ChunkTask, 0, fileSize/chunkSize+1)
	for start := int64(0); start < fileSize; {
		size := minSize + int64(src.Float64()*spread)
		end := min(start+size, fileSize) - 1

		tasks = append(tasks, ChunkTask{
			Index:      len(tasks),
			Start:      start,
			End:        end,
			MaxRetries: maxRetries,
		})
		start = end + 1
	}
	return tasks
}
