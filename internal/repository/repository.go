// Package repository implements the External Test Repository:
// read-only resolution of a TestDefinition by id, used by run_test. Backed
// by one JSON document per test under a directory, with a thin
// write-side (Save/Delete) used by the peripheral HTTP surface to author
// tests — the core engine only ever calls GetTest.
package repository

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

// FileRepository stores each test as "<slug>.json" under Dir.
type FileRepository struct {
	mu  sync.RWMutex
	dir string
}

func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Slugify reduces a test identifier to a safe filename: lowercase, runs of
// anything outside [a-z0-9_] collapsed to single dashes, leading/trailing
// dashes trimmed. Idempotent, so stored ids listed back from disk resolve
// to the same file.
func Slugify(id string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteString("-")
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, Slugify(id)+".json")
}

// GetTest is the only method the Step Runner/Step Handlers use.
func (r *FileRepository) GetTest(id string) (*model.TestDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := os.ReadFile(r.path(id))
	if err != nil {
		return nil, false
	}
	var def model.TestDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, false
	}
	return &def, true
}

func (r *FileRepository) Save(id string, def *model.TestDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating test storage directory")
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding test definition")
	}
	return os.WriteFile(r.path(id), data, 0o644)
}

func (r *FileRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := os.Remove(r.path(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting test definition")
	}
	return nil
}

// List returns every test id currently stored, derived from filenames.
func (r *FileRepository) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "listing test storage directory")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}
