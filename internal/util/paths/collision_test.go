package paths

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestReserve_NoCollisions(t *testing.T) {
	r := NewReservations("/dest")

	for _, name := range []string{"file1.zip", "file2.zip", "file3.zip"} {
		got, err := r.Reserve(name, "ID")
		if err != nil {
			t.Fatalf("Reserve(%q): %v", name, err)
		}
		if want := filepath.Join("/dest", name); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 reservations, got %d", r.Len())
	}
}

func TestReserve_Duplicate(t *testing.T) {
	r := NewReservations("/dest")

	first, err := r.Reserve("output.zip", "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Reserve("output.zip", "DEF456")
	if err != nil {
		t.Fatal(err)
	}

	if first != filepath.Join("/dest", "output.zip") {
		t.Errorf("first reservation changed: %s", first)
	}
	if second != filepath.Join("/dest", "output_DEF456.zip") {
		t.Errorf("expected output_DEF456.zip, got %s", second)
	}
}

func TestReserve_NoExtension(t *testing.T) {
	r := NewReservations("/dest")
	_, _ = r.Reserve("README", "A")

	got, err := r.Reserve("README", "B")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join("/dest", "README_B") {
		t.Errorf("expected README_B, got %s", got)
	}
}

func TestReserve_UnsafeNameFallsBackToID(t *testing.T) {
	r := NewReservations("/dest")

	for _, name := range []string{"", "..", "../etc/passwd", "a/b"} {
		got, err := r.Reserve(name, "ID"+name)
		if name == "" || name == ".." {
			if err != nil {
				t.Fatalf("Reserve(%q): %v", name, err)
			}
			if filepath.Dir(got) != "/dest" {
				t.Errorf("Reserve(%q) escaped: %s", name, got)
			}
			continue
		}
		// The ID itself carries the separator, so no usable name remains.
		if err == nil {
			t.Errorf("Reserve(%q) expected error, got %s", name, got)
		}
	}
}

func TestReserve_SameIDTwice(t *testing.T) {
	r := NewReservations("/dest")
	_, _ = r.Reserve("a.txt", "X")
	_, _ = r.Reserve("a.txt", "X")

	if _, err := r.Reserve("a.txt", "X"); err == nil {
		t.Error("expected error for a third request of the same file")
	}
}

func TestReserve_Concurrent(t *testing.T) {
	r := NewReservations("/dest")

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			path, err := r.Reserve("same.bin", id)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			results[i] = path
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range results {
		if seen[p] {
			t.Errorf("path %s handed out twice", p)
		}
		seen[p] = true
	}
}
