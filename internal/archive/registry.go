package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogrepo/cogrepo/internal/fileutil"
	"github.com/cogrepo/cogrepo/internal/parser"
)

// FormatVersion is stamped into every registry file written.
const FormatVersion = "v1.0.0"

// Configuration errors. They are returned before the registry is
// modified.
var (
	ErrNotFound      = errors.New("archive not found")
	ErrDuplicateName = errors.New("archive name already registered")
	ErrDuplicatePath = errors.New("file already registered")
	ErrFileNotFound  = errors.New("archive file not found")
	ErrUnknownSource = errors.New("unknown or undetectable source")
	ErrInvalidName   = errors.New("invalid archive name")
)

type registryFile struct {
	Version   string            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at,omitzero"`
	Archives  map[string]Record `json:"archives"`
}

// Registry owns every archive Record, keyed by name. Callers only
// ever receive copies.
type Registry struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
	now     func() time.Time
}

// OpenRegistry loads the registry stored at path. A missing file
// yields an empty registry.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		records: make(map[string]Record),
		now:     time.Now,
	}
	var file registryFile
	ok, err := fileutil.ReadJSON(path, &file)
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	if !ok {
		return r, nil
	}
	if err := fileutil.CheckFormatVersion(
		file.Version, FormatVersion,
	); err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	for name, rec := range file.Archives {
		rec.Name = name
		r.records[name] = rec
	}
	return r, nil
}

// Path returns the file the registry is saved to.
func (r *Registry) Path() string { return r.path }

// Save writes the registry atomically.
func (r *Registry) Save() error {
	r.mu.RLock()
	file := registryFile{
		Version:   FormatVersion,
		UpdatedAt: r.now().UTC(),
		Archives:  make(map[string]Record, len(r.records)),
	}
	for name, rec := range r.records {
		file.Archives[name] = rec
	}
	r.mu.RUnlock()

	if err := fileutil.WriteJSONAtomic(r.path, file); err != nil {
		return fmt.Errorf("saving registry: %w", err)
	}
	return nil
}

// Register adds a new archive. An empty source is auto-detected
// from the file's first record.
func (r *Registry) Register(
	name string, source parser.Source, filePath string,
	autoSync bool,
) (Record, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	abs, err := filepath.Abs(filePath)
	if err != nil {
		return Record{}, fmt.Errorf("resolving %s: %w", filePath, err)
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return Record{}, fmt.Errorf("%w: %s", ErrFileNotFound, abs)
	}
	if err != nil {
		return Record{}, fmt.Errorf("stat %s: %w", abs, err)
	}
	if info.IsDir() {
		return Record{}, fmt.Errorf(
			"%w: %s is a directory", ErrFileNotFound, abs,
		)
	}

	if source == "" {
		detected, ok := parser.Detect(abs)
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrUnknownSource, abs)
		}
		source = detected
	} else if !source.Valid() {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	for _, rec := range r.records {
		if rec.FilePath == abs {
			return Record{}, fmt.Errorf(
				"%w: %s (archive %s)", ErrDuplicatePath, abs, rec.Name,
			)
		}
	}

	rec := Record{
		ID:           uuid.NewString(),
		Name:         name,
		Source:       source,
		FilePath:     abs,
		RegisteredAt: r.now().UTC(),
		AutoSync:     autoSync,
		Enabled:      true,
	}
	r.records[name] = rec
	return rec, nil
}

// Unregister removes an archive. Ledger entries produced from it
// are kept.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.records, name)
	return nil
}

// Get returns a copy of the named archive.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// List returns copies of all archives ordered by name.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// AutoSyncTargets returns the enabled archives with auto-sync on.
func (r *Registry) AutoSyncTargets() []Record {
	var out []Record
	for _, rec := range r.List() {
		if rec.AutoSync && rec.Enabled {
			out = append(out, rec)
		}
	}
	return out
}

// UpdateAfterSync stores the file state, advanced cursor and
// counts produced by a sync batch.
func (r *Registry) UpdateAfterSync(name string, u SyncUpdate) error {
	return r.update(name, func(rec *Record) {
		rec.FileHash = u.File.Hash
		rec.FileSize = u.File.Size
		rec.LastModified = u.File.ModTime
		rec.Cursor = rec.Cursor.Advance(u.Cursor)
		rec.TotalConversations = u.Total
		rec.ProcessedConversations += u.Processed
		rec.PendingConversations = u.Pending
		rec.LastSyncAt = u.SyncedAt.UTC()
	})
}

// ResetCursor clears the cursor and the remembered file state so
// the next sync rescans the whole file. Conversations already in
// the ledger are still skipped by ID.
func (r *Registry) ResetCursor(name string) error {
	return r.update(name, func(rec *Record) {
		rec.Cursor = Cursor{}
		rec.FileHash = ""
		rec.FileSize = 0
		rec.LastModified = time.Time{}
		rec.PendingConversations = 0
	})
}

// SetEnabled turns syncing of the named archive on or off.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	return r.update(name, func(rec *Record) {
		rec.Enabled = enabled
	})
}

// SetAutoSync controls whether the archive is part of an
// unqualified sync.
func (r *Registry) SetAutoSync(name string, autoSync bool) error {
	return r.update(name, func(rec *Record) {
		rec.AutoSync = autoSync
	})
}

func (r *Registry) update(name string, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	fn(&rec)
	r.records[name] = rec
	return nil
}
