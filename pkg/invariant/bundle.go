package invariant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/meridianlabs/txgate/pkg/canonical"
)

// Bundle is a versioned collection of extra invariants loaded from disk.
// Bundles extend the compiled-in catalogue; they can never remove or
// replace it.
type Bundle struct {
	Version    string      `json:"version"`
	Name       string      `json:"name"`
	Invariants []Invariant `json:"invariants"`
	CreatedAt  time.Time   `json:"created_at"`
	Hash       string      `json:"hash,omitempty"` // content hash of the invariants array
}

// BundleLoader loads invariant bundles from a directory of JSON files.
type BundleLoader struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
	dir     string
	onLoad  func(bundle *Bundle)
}

// NewBundleLoader creates a loader for the given directory.
func NewBundleLoader(dir string) *BundleLoader {
	return &BundleLoader{bundles: make(map[string]*Bundle), dir: dir}
}

// OnLoad registers a callback invoked after each bundle loads.
func (l *BundleLoader) OnLoad(fn func(bundle *Bundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLoad = fn
}

// LoadAll loads every .json bundle in the configured directory.
func (l *BundleLoader) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("invariant bundles: read dir %s: %w", l.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := l.LoadFile(filepath.Join(l.dir, entry.Name())); err != nil {
			return fmt.Errorf("invariant bundles: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads one bundle. When the bundle declares a content hash it is
// verified against the canonical encoding of the invariants array.
func (l *BundleLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}

	if bundle.Hash != "" {
		computed, err := canonical.Hash(bundle.Invariants)
		if err != nil {
			return fmt.Errorf("hash bundle %s: %w", bundle.Name, err)
		}
		if computed != bundle.Hash {
			return fmt.Errorf("bundle %s: content hash mismatch: declared %s, computed %s",
				bundle.Name, bundle.Hash, computed)
		}
	}

	l.mu.Lock()
	l.bundles[bundle.Name] = &bundle
	callback := l.onLoad
	l.mu.Unlock()

	if callback != nil {
		callback(&bundle)
	}
	return nil
}

// Bundle returns a loaded bundle by name.
func (l *BundleLoader) Bundle(name string) (*Bundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}

// Invariants returns every invariant across all loaded bundles, sorted by
// id for deterministic catalogue extension.
func (l *BundleLoader) Invariants() []Invariant {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Invariant
	for _, b := range l.bundles {
		out = append(out, b.Invariants...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
