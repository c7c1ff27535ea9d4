package download

import (
	"math/rand"
	"testing"

	"github.com/rescale/shardlink/internal/constants"
)

// fixedRand always draws the same fraction.
type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func checkCoverage(t *testing.T, tasks []ChunkTask, fileSize, chunkSize int64) {
	t.Helper()
	if len(tasks) == 0 {
		t.Fatalf("no tasks for fileSize %d", fileSize)
	}
	minSize := int64(float64(chunkSize) * constants.MinChunkFraction)

	var next int64
	for i, task := range tasks {
		if task.Index != i {
			t.Fatalf("task %d has Index %d", i, task.Index)
		}
		if task.Start != next {
			t.Fatalf("task %d starts at %d, want %d (gap or overlap)", i, task.Start, next)
		}
		if task.End < task.Start {
			t.Fatalf("task %d has End %d < Start %d", i, task.End, task.Start)
		}
		if task.Size() > chunkSize {
			t.Fatalf("task %d size %d exceeds chunk size %d", i, task.Size(), chunkSize)
		}
		if i < len(tasks)-1 && task.Size() < minSize {
			t.Fatalf("task %d size %d below minimum %d", i, task.Size(), minSize)
		}
		if task.Attempt != 0 {
			t.Fatalf("task %d starts with Attempt %d", i, task.Attempt)
		}
		next = task.End + 1
	}
	if last := tasks[len(tasks)-1].End; last != fileSize-1 {
		t.Fatalf("last task ends at %d, want %d", last, fileSize-1)
	}
}

// TestPlan_CoversFileExactly verifies the union of ranges is [0, fileSize-1]
// with no gaps or overlaps, for many sizes and random draws.
func TestPlan_CoversFileExactly(t *testing.T) {
	sizes := []int64{1, 2, 15, 16, 17, 999, 1000, 1001, 4096, 123457, 10_000_000}
	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		for _, size := range sizes {
			tasks := Plan(size, PlanOptions{ChunkSize: 1000, MaxRetries: 3, Rand: r})
			checkCoverage(t, tasks, size, 1000)
		}
	}
}

func TestPlan_NonPositiveSize(t *testing.T) {
	for _, size := range []int64{0, -1} {
		if tasks := Plan(size, PlanOptions{}); tasks != nil {
			t.Errorf("Plan(%d) = %d tasks, want none", size, len(tasks))
		}
	}
}

func TestPlan_Defaults(t *testing.T) {
	tasks := Plan(constants.DownloadChunkSize*3, PlanOptions{MaxRetries: -1})
	checkCoverage(t, tasks, constants.DownloadChunkSize*3, constants.DownloadChunkSize)
	for _, task := range tasks {
		if task.MaxRetries != constants.ChunkMaxRetries {
			t.Fatalf("MaxRetries = %d, want %d", task.MaxRetries, constants.ChunkMaxRetries)
		}
	}
}

func TestPlan_ZeroRetriesIsKept(t *testing.T) {
	tasks := Plan(5000, PlanOptions{ChunkSize: 1000, MaxRetries: 0})
	for _, task := range tasks {
		if task.MaxRetries != 0 {
			t.Fatalf("MaxRetries = %d, want 0", task.MaxRetries)
		}
	}
}

// TestPlan_250MBScenario verifies a 262,144,000-byte file with 50 MB chunks
// plans between 5 and 10 tasks that add up to the file size.
func TestPlan_250MBScenario(t *testing.T) {
	const fileSize = 262_144_000
	for _, frac := range []float64{0.2, 0.5, 0.75, 0.999} {
		tasks := Plan(fileSize, PlanOptions{ChunkSize: constants.DownloadChunkSize, MaxRetries: 3, Rand: fixedRand(frac)})
		if len(tasks) < 5 || len(tasks) > 10 {
			t.Errorf("fraction %.3f: %d tasks, want 5..10", frac, len(tasks))
		}
		checkCoverage(t, tasks, fileSize, constants.DownloadChunkSize)

		var total int64
		for _, task := range tasks {
			total += task.Size()
		}
		if total != fileSize {
			t.Errorf("fraction %.3f: tasks cover %d bytes, want %d", frac, total, fileSize)
		}
	}
}

func TestCreateDownloadTasks(t *testing.T) {
	tasks := CreateDownloadTasks(10_000, 1000, 3)
	checkCoverage(t, tasks, 10_000, 1000)
	if tasks[0].MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", tasks[0].MaxRetries)
	}
}
