// Package manifest implements the manifest format and load/save/rebuild
// operations described in sections 3, 4.4, 4.5 and 6 of the design
// specification. The manifest is the authoritative JSON index of a
// snapshot's files; it lives in the object store, never in the metadata
// store, and is always written in the HOT class even when the payload it
// indexes is cold.
//
// Per Design Notes open question 3, the consolidated-destination model
// means the object store holds only the latest state for each relative
// path: restoring an arbitrary historical run (rather than the latest
// retained snapshot) is not achievable from the manifest alone without
// additional object-store versioning.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	json "github.com/goccy/go-json"

	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/objectstore"
)

// FileEntry is one file's record in a manifest, matching section 6's wire
// format exactly (field name s3_key is kept verbatim — section 6 pins it).
type FileEntry struct {
	Size  int64    `json:"size"`
	Mtime *float64 `json:"mtime"` // unix seconds; nil for rebuilt entries (section 4.5a)
	Hash  *string  `json:"hash"`  // nil for rebuilt entries (section 4.5a)
	S3Key string   `json:"s3_key"`
}

// Manifest is the per-snapshot file index, per section 3's Manifest
// entity and section 6's wire format.
type Manifest struct {
	SnapshotID string               `json:"snapshot_id"`
	CreatedAt  time.Time            `json:"created_at"`
	JobID      string               `json:"job_id"`
	TotalFiles int                  `json:"total_files"`
	Files      map[string]FileEntry `json:"files"`
}

// CanonicalKey returns the one canonical manifest key for a job, per
// section 3: "<prefix>/<name>.manifest.json".
func CanonicalKey(prefix, name string) string {
	return path.Join(prefix, name+".manifest.json")
}

// Store loads and saves manifests against an object-store client,
// optionally encrypting the whole-file JSON payload when the owning job
// has encryption enabled (section 6: "Manifest may be encrypted in place").
type Store struct {
	objects *objectstore.Client
	tempDir string
}

// NewStore returns a Store backed by the given object-store client.
// tempDir is used to stage plaintext/ciphertext during encrypt/decrypt
// round trips and must be writable.
func NewStore(objects *objectstore.Client, tempDir string) *Store {
	return &Store{objects: objects, tempDir: tempDir}
}

// Load fetches and parses the manifest at key. If key is absent, Load
// returns (nil, nil) — per section 4.4.2 step 1: "If absent, the run
// degrades to 'all files are new'."
func (s *Store) Load(ctx context.Context, key string, encKey *encryption.Key) (*Manifest, error) {
	info, err := s.objects.Head(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("manifest: head %s: %w", key, err)
	}
	if !info.Exists {
		return nil, nil
	}

	localPath := s.tempFile("manifest-download")
	defer removeQuiet(localPath)
	if err := s.objects.Download(ctx, key, localPath); err != nil {
		return nil, fmt.Errorf("manifest: download %s: %w", key, err)
	}

	plainPath := localPath
	if encKey != nil {
		plainPath = s.tempFile("manifest-plain")
		defer removeQuiet(plainPath)
		if err := encryption.DecryptFile(*encKey, localPath, plainPath); err != nil {
			return nil, fmt.Errorf("manifest: decrypt %s: %w", key, err)
		}
	}

	data, err := os.ReadFile(plainPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", key, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", key, err)
	}
	return &m, nil
}

// Save writes m to key in the HOT class, overwriting any prior version,
// per section 4.4.2 step 5 and section 3's invariant that the manifest is
// always stored HOT.
func (s *Store) Save(ctx context.Context, key string, m *Manifest, encKey *encryption.Key) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}

	plainPath := s.tempFile("manifest-out")
	defer removeQuiet(plainPath)
	if err := os.WriteFile(plainPath, data, 0600); err != nil {
		return fmt.Errorf("manifest: stage %s: %w", key, err)
	}

	uploadPath := plainPath
	if encKey != nil {
		encPath := s.tempFile("manifest-out-enc")
		defer removeQuiet(encPath)
		if err := encryption.EncryptFile(*encKey, plainPath, encPath); err != nil {
			return fmt.Errorf("manifest: encrypt %s: %w", key, err)
		}
		uploadPath = encPath
	}

	if err := s.objects.Upload(ctx, uploadPath, key, objectstore.StorageHot, nil); err != nil {
		return fmt.Errorf("manifest: upload %s: %w", key, err)
	}
	return nil
}

// Rebuild constructs a manifest from an object-store listing when the
// canonical manifest is lost, per section 4.5a: entries carry size from
// HEAD/listing but mtime=null, hash=null since that information cannot be
// recovered from the object store alone.
func Rebuild(snapshotID, jobID, prefix, name string, listing []objectstore.ListEntry) *Manifest {
	m := &Manifest{
		SnapshotID: snapshotID,
		CreatedAt:  time.Now().UTC(),
		JobID:      jobID,
		Files:      make(map[string]FileEntry, len(listing)),
	}
	destPrefix := path.Join(prefix, name) + "/"
	canonical := CanonicalKey(prefix, name)
	for _, entry := range listing {
		if entry.Key == canonical {
			continue
		}
		rel := relativePath(entry.Key, destPrefix)
		if rel == "" {
			continue
		}
		m.Files[rel] = FileEntry{Size: entry.Size, Mtime: nil, Hash: nil, S3Key: entry.Key}
	}
	m.TotalFiles = len(m.Files)
	return m
}

func relativePath(key, prefix string) string {
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	return key[len(prefix):]
}

func (s *Store) tempFile(name string) string {
	return path.Join(s.tempDir, fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
}

func removeQuiet(path string) { _ = os.Remove(path) }
