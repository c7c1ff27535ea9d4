// Package paths assigns local destination paths to concurrent downloads.
package paths

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rescale/shardlink/internal/validation"
)

// Reservations hands out destination paths inside one directory so that
// concurrent downloads never write to the same file. It is safe for
// concurrent use.
type Reservations struct {
	dir string

	mu    sync.Mutex
	taken map[string]struct{}
}

// NewReservations creates an empty reservation set for dir.
func NewReservations(dir string) *Reservations {
	return &Reservations{dir: dir, taken: make(map[string]struct{})}
}

// Reserve returns a path in the directory for the file fileID named name.
// When name is not a safe single path element, fileID is used instead.
// When the path is already reserved, fileID is inserted before the extension:
// "output.zip" becomes "output_ABC123.zip".
func (r *Reservations) Reserve(name, fileID string) (string, error) {
	if validation.ValidateFilename(name) != nil {
		name = fileID
	}
	if err := validation.ValidateFilename(name); err != nil {
		return "", fmt.Errorf("no usable file name for %q: %w", fileID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.dir, name)
	if _, ok := r.taken[path]; ok {
		ext := filepath.Ext(name)
		path = filepath.Join(r.dir, fmt.Sprintf("%s_%s%s", name[:len(name)-len(ext)], fileID, ext))
		if _, ok := r.taken[path]; ok {
			return "", fmt.Errorf("file %s requested twice", fileID)
		}
	}
	if err := validation.ValidatePathInDirectory(path, r.dir); err != nil {
		return "", err
	}

	r.taken[path] = struct{}{}
	return path, nil
}

// Len returns the number of reserved paths.
func (r *Reservations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.taken)
}
