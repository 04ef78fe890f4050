// Package ledger persists which file of a volume chain is active and which file each
// snapshot was taken at. The file is always read and written as a whole.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/spf13/afero"
)

const (
	activeKey = "active"
	// Suffix is appended to the volume path to name its ledger.
	Suffix = ".info"
)

var ErrNoActive = errors.New("'active' must be present when writing the ledger")

// Ledger maps snapshot ids to the chain file they were taken on.
type Ledger struct {
	Active    string
	Snapshots map[string]string
}

func New(active string) *Ledger {
	return &Ledger{Active: active, Snapshots: make(map[string]string)}
}

// Empty reports whether nothing was ever recorded.
func (l *Ledger) Empty() bool {
	return l.Active == "" && len(l.Snapshots) == 0
}

// SnapshotFor returns the snapshot id whose file is the same as file according to same,
// excluding the active entry. A nil same compares exactly.
func (l *Ledger) SnapshotFor(file string, same func(a, b string) bool) (string, bool) {
	if same == nil {
		same = func(a, b string) bool { return a == b }
	}
	ids := make([]string, 0, len(l.Snapshots))
	for id := range l.Snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if same(l.Snapshots[id], file) {
			return id, true
		}
	}
	return "", false
}

func (l *Ledger) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(l.Snapshots)+1)
	for id, f := range l.Snapshots {
		m[id] = f
	}
	if l.Active != "" {
		m[activeKey] = l.Active
	}
	return json.Marshal(m)
}

func (l *Ledger) UnmarshalJSON(data []byte) error {
	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	l.Active = m[activeKey]
	delete(m, activeKey)
	l.Snapshots = m
	return nil
}

// Path returns the ledger location for a volume file.
func Path(volumePath string) string {
	return volumePath + Suffix
}

// Read loads the ledger at path. A missing file yields an empty ledger when emptyIfMissing is set.
func Read(fsys afero.Fs, path string, emptyIfMissing bool) (*Ledger, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if emptyIfMissing && errors.Is(err, fs.ErrNotExist) {
			return New(""), nil
		}
		return nil, fmt.Errorf("unable to read ledger '%v': %w", path, err)
	}
	l := New("")
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("unable to decode ledger '%v': %w", path, err)
	}
	return l, nil
}

// Write replaces the ledger at path. Keys are sorted and indented by one space.
func Write(fsys afero.Fs, path string, l *Ledger) error {
	if l.Active == "" {
		return ErrNoActive
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("unable to encode ledger: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", " "); err != nil {
		return fmt.Errorf("unable to encode ledger: %w", err)
	}
	if err := afero.WriteFile(fsys, path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("unable to write ledger '%v': %w", path, err)
	}
	return nil
}
