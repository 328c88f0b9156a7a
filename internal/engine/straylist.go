package engine

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/umsync/syncctl/internal/identity"
)

// StrayEntry is one stray user key for list export, with the target name
// for secondary-org strays (empty means primary).
type StrayEntry struct {
	Key    identity.Key
	Target string
}

var strayListHeader = []string{"type", "username", "domain", "target"}

// WriteStrayList exports stray keys as a flat CSV. Values are already
// normalized at key-construction time, so a later import reproduces the
// same keys byte-for-byte.
func WriteStrayList(path string, entries []StrayEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("engine: stray list write: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(strayListHeader); err != nil {
		return fmt.Errorf("engine: stray list write: %w", err)
	}
	for _, entry := range entries {
		row := []string{string(entry.Key.Type), entry.Key.Username, entry.Key.Domain, entry.Target}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("engine: stray list write: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("engine: stray list write: %w", err)
	}
	return f.Close()
}

// ReadStrayList imports a previously exported stray list. The target
// column is optional for lists written by older runs.
func ReadStrayList(path string) ([]StrayEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: stray list read: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("engine: stray list read: %w", err)
	}

	var entries []StrayEntry
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "type" {
			continue
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("engine: stray list read: row %d has %d columns", i+1, len(row))
		}
		typ, err := identity.ParseType(row[0])
		if err != nil {
			return nil, fmt.Errorf("engine: stray list read: row %d: %w", i+1, err)
		}
		key, err := identity.ComputeKey(typ, row[1], row[2], "")
		if err != nil {
			return nil, fmt.Errorf("engine: stray list read: row %d: %w", i+1, err)
		}
		entry := StrayEntry{Key: key}
		if len(row) > 3 {
			entry.Target = row[3]
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
