// Package facts manages the curated facts file served alongside the
// answering endpoints. The file is a small JSON document maintained by hand
// or by an offline generation script, so the store is deliberately simple:
// whole-file load, whole-file atomic save.
package facts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// payload is the on-disk document shape. Older files may be a bare JSON
// array of strings instead.
type payload struct {
	Facts     []string `json:"facts"`
	UpdatedAt int64    `json:"updated_at"`
}

// Store reads and writes the facts file. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a Store for the facts file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the facts from the file, trimmed of surrounding whitespace.
// A missing file is an empty fact list, not an error. Both document shapes
// are accepted: a {"facts": [...]} object or a bare JSON array; a UTF-8 BOM
// is tolerated.
func (s *Store) Load() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("facts: read %q: %w", s.path, err)
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	var doc payload
	if err := json.Unmarshal(data, &doc); err != nil {
		// Fall back to the bare-array shape.
		var bare []string
		if bareErr := json.Unmarshal(data, &bare); bareErr != nil {
			return nil, fmt.Errorf("facts: parse %q: %w", s.path, err)
		}
		doc.Facts = bare
	}

	out := make([]string, 0, len(doc.Facts))
	for _, f := range doc.Facts {
		out = append(out, strings.TrimSpace(f))
	}
	return out, nil
}

// Save writes facts atomically (temp file + rename in the same directory)
// and stamps updated_at with the current Unix time.
func (s *Store) Save(facts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trimmed := make([]string, 0, len(facts))
	for _, f := range facts {
		trimmed = append(trimmed, strings.TrimSpace(f))
	}
	doc := payload{Facts: trimmed, UpdatedAt: time.Now().Unix()}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("facts: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("facts: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("facts: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("facts: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("facts: replace %q: %w", s.path, err)
	}
	return nil
}
