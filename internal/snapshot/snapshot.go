// Package snapshot writes replica contents to disk so a restarted service can
// warm-start before its event lanes catch up. Each snapshot lives in its own
// directory; manifest.latest.json names the most recent complete one.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ordersync/internal/model"
	"ordersync/internal/replica"
)

const manifestFile = "manifest.latest.json"

// ErrNoSnapshot is returned by ReadLatest when nothing has been published yet.
var ErrNoSnapshot = errors.New("no snapshot published")

type Manifest struct {
	SnapshotID           string         `json:"snapshotId"`
	Records              map[string]int `json:"records"`
	CreatedAtEpochSecond int64          `json:"createdAt"`
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) entityPath(snapshotID, entity string) string {
	return filepath.Join(f.baseDir, snapshotID, entity+".json")
}

// WriteEntity dumps every record of r into the snapshot and returns how many were written.
func WriteEntity[K comparable, V any](f *FilesystemSnapshotter, snapshotID, entity string, r replica.Reader[K, V]) (int, error) {
	dump := make(map[K]V)
	if err := r.Range(func(k K, v V) error {
		dump[k] = v
		return nil
	}); err != nil {
		return 0, fmt.Errorf("range %s: %w", entity, err)
	}
	if err := writeJSON(f.entityPath(snapshotID, entity), dump); err != nil {
		return 0, err
	}
	return len(dump), nil
}

// LoadEntity replaces the contents of st with the snapshot of entity. A
// snapshot without that entity loads nothing and is not an error.
func LoadEntity[K comparable, V any](f *FilesystemSnapshotter, snapshotID, entity string, st replica.Store[K, V]) (int, error) {
	data, err := os.ReadFile(f.entityPath(snapshotID, entity))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	var dump map[K]V
	if err := json.Unmarshal(data, &dump); err != nil {
		return 0, fmt.Errorf("unmarshal snapshot %s: %w", entity, err)
	}
	if err := st.LoadAll(dump); err != nil {
		return 0, fmt.Errorf("load %s: %w", entity, err)
	}
	return len(dump), nil
}

func (f *FilesystemSnapshotter) PublishLatest(snapshotID string, records map[string]int) error {
	m := Manifest{
		SnapshotID:           snapshotID,
		Records:              records,
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
	return writeJSON(filepath.Join(f.baseDir, manifestFile), &m)
}

func (f *FilesystemSnapshotter) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNoSnapshot
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// Replicas is the set of replicas the service snapshots.
type Replicas struct {
	Items    replica.Store[int64, model.Item]
	Accounts replica.Store[int64, model.Account]
}

// Save writes all replicas under snapshotID, then points the manifest at it.
func (f *FilesystemSnapshotter) Save(snapshotID string, r Replicas) (map[string]int, error) {
	counts := make(map[string]int, 2)
	n, err := WriteEntity[int64, model.Item](f, snapshotID, "items", r.Items)
	if err != nil {
		return nil, err
	}
	counts["items"] = n
	if n, err = WriteEntity[int64, model.Account](f, snapshotID, "accounts", r.Accounts); err != nil {
		return nil, err
	}
	counts["accounts"] = n
	if err := f.PublishLatest(snapshotID, counts); err != nil {
		return nil, fmt.Errorf("publish manifest: %w", err)
	}
	return counts, nil
}

// RestoreLatest loads the snapshot named by the manifest. It returns
// ErrNoSnapshot when there is nothing to restore.
func (f *FilesystemSnapshotter) RestoreLatest(r Replicas) (Manifest, error) {
	m, err := f.ReadLatest()
	if err != nil {
		return Manifest{}, err
	}
	if _, err := LoadEntity[int64, model.Item](f, m.SnapshotID, "items", r.Items); err != nil {
		return Manifest{}, err
	}
	if _, err := LoadEntity[int64, model.Account](f, m.SnapshotID, "accounts", r.Accounts); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// writeJSON writes v to path through a temp file so readers never see a partial file.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = out.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
