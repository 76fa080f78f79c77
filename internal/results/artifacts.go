package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Artifact types inferred from top-level keys, in priority order.
var typedKeys = []string{"code", "tests", "schema", "plan", "analysis", "bicep"}

// TypeData is the type of artifacts with none of the typed keys.
const TypeData = "data"

// ArtifactMetadata describes an artifact's shape.
type ArtifactMetadata struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
}

// ArtifactRecord is an immutable registry entry.
type ArtifactRecord struct {
	ID          string           `json:"id"`
	Agent       string           `json:"agent"`
	Phase       string           `json:"phase"`
	ExecutionID string           `json:"execution_id"`
	Path        string           `json:"path"`
	CreatedAt   time.Time        `json:"created_at"`
	SizeBytes   int64            `json:"size_bytes"`
	Metadata    ArtifactMetadata `json:"metadata"`
}

// Filter selects artifacts. Empty fields match everything.
type Filter struct {
	Agent string `json:"agent,omitempty"`
	Phase string `json:"phase,omitempty"`
	Type  string `json:"type,omitempty"`
}

func (f Filter) matches(r ArtifactRecord) bool {
	return (f.Agent == "" || f.Agent == r.Agent) &&
		(f.Phase == "" || f.Phase == r.Phase) &&
		(f.Type == "" || f.Type == r.Metadata.Type)
}

// registryData is the persisted registry structure.
type registryData struct {
	Version   int              `json:"version"`
	Artifacts []ArtifactRecord `json:"artifacts"`
}

// ArtifactRegistry records produced artifacts. With a file path, every
// registration reloads the file, merges, and writes it back atomically.
type ArtifactRegistry struct {
	mu       sync.RWMutex
	filePath string
	records  map[string]ArtifactRecord
	order    []string
	now      func() time.Time
}

// NewArtifactRegistry opens the registry at path. An empty path keeps the
// registry in memory only; a missing file is not an error.
func NewArtifactRegistry(path string) (*ArtifactRegistry, error) {
	r := &ArtifactRegistry{
		filePath: path,
		records:  make(map[string]ArtifactRecord),
		now:      time.Now,
	}
	if path == "" {
		return r, nil
	}
	disk, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact registry: %w", err)
	}
	r.merge(disk)
	return r, nil
}

// Path returns the backing file, or "" for an in-memory registry.
func (r *ArtifactRegistry) Path() string {
	return r.filePath
}

// NewRecord builds a record for an artifact with a fresh id and inferred
// metadata.
func (r *ArtifactRegistry) NewRecord(agent, phase, executionID, path string, size int64, artifact any) ArtifactRecord {
	return ArtifactRecord{
		ID:          uuid.NewString(),
		Agent:       agent,
		Phase:       phase,
		ExecutionID: executionID,
		Path:        path,
		CreatedAt:   r.now().UTC(),
		SizeBytes:   size,
		Metadata:    InferMetadata(artifact),
	}
}

// Register adds rec and persists the registry if it is file backed. On a
// persistence error the record stays registered in memory.
func (r *ArtifactRegistry) Register(rec ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filePath != "" {
		disk, err := r.load()
		if err != nil {
			r.add(rec)
			return err
		}
		r.merge(disk)
	}
	r.add(rec)

	if r.filePath == "" {
		return nil
	}
	return r.save()
}

// Get returns the record with the given id.
func (r *ArtifactRegistry) Get(id string) (ArtifactRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return ArtifactRecord{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return rec, nil
}

// Find returns matching records in registration order.
func (r *ArtifactRegistry) Find(f Filter) []ArtifactRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []ArtifactRecord{}
	for _, id := range r.order {
		if rec := r.records[id]; f.matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// InferMetadata derives the artifact type and sorted top-level keys.
func InferMetadata(artifact any) ArtifactMetadata {
	obj, ok := artifact.(map[string]any)
	if !ok {
		return ArtifactMetadata{Type: TypeData, Keys: []string{}}
	}
	md := ArtifactMetadata{Type: TypeData, Keys: slices.Sorted(maps.Keys(obj))}
	for _, key := range typedKeys {
		if _, ok := obj[key]; ok {
			md.Type = key
			break
		}
	}
	return md
}

// add must be called with r.mu held.
func (r *ArtifactRegistry) add(rec ArtifactRecord) {
	if _, exists := r.records[rec.ID]; !exists {
		r.order = append(r.order, rec.ID)
	}
	r.records[rec.ID] = rec
}

// merge adds records from disk that are not yet known. Records are
// immutable, so an id already present is never replaced.
func (r *ArtifactRegistry) merge(disk []ArtifactRecord) {
	for _, rec := range disk {
		if _, ok := r.records[rec.ID]; !ok {
			r.add(rec)
		}
	}
}

func (r *ArtifactRegistry) load() ([]ArtifactRecord, error) {
	data, err := os.ReadFile(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rd registryData
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupted, err)
	}
	return rd.Artifacts, nil
}

func (r *ArtifactRegistry) save() error {
	rd := registryData{Version: 1, Artifacts: make([]ArtifactRecord, 0, len(r.order))}
	for _, id := range r.order {
		rd.Artifacts = append(rd.Artifacts, r.records[id])
	}
	data, err := json.MarshalIndent(rd, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact registry: %w", err)
	}
	return writeAtomic(r.filePath, data)
}

// writeAtomic writes data beside path and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
