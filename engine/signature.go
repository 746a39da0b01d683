// Package engine implements the incremental and full-archive backup
// engines from sections 4.4 and 4.4's sibling full-archive mode. Engines
// never touch the metadata store directly (section 7): every entry point
// takes a *cancel.Token and returns a structured Result; the caller
// is solely responsible for persisting state transitions.
package engine

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// smallFileThreshold is the default cutover point named in section 4.4.1:
// files at or above this size are hashed by prefix+size rather than in full.
const smallFileThreshold = 1 << 20 // 1 MiB

// Signature is the {size, mtime, content_hash} triple from section 4.4.1.
// Two files are unchanged iff all three components match.
type Signature struct {
	Size    int64
	Mtime   float64 // unix seconds
	Hash    string
}

// Equal reports whether two signatures are the same per section 4.4.1's
// unchanged rule.
func (s Signature) Equal(o Signature) bool {
	return s.Size == o.Size && s.Mtime == o.Mtime && s.Hash == o.Hash
}

// ComputeSignature stats and hashes localPath. Files smaller than
// smallFileThreshold are hashed in full; larger files are hashed over
// their first MiB concatenated with the decimal size, per section 4.4.1's
// bounded-cost rule for large/cold data.
func ComputeSignature(localPath string) (Signature, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return Signature{}, fmt.Errorf("engine: stat %s: %w", localPath, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return Signature{}, fmt.Errorf("engine: open %s: %w", localPath, err)
	}
	defer f.Close()

	var hash string
	if info.Size() < smallFileThreshold {
		hash, err = hashFull(f)
	} else {
		hash, err = hashPrefixAndSize(f, info.Size())
	}
	if err != nil {
		return Signature{}, fmt.Errorf("engine: hash %s: %w", localPath, err)
	}

	return Signature{
		Size:  info.Size(),
		Mtime: float64(info.ModTime().UnixNano()) / 1e9,
		Hash:  hash,
	}, nil
}

func hashFull(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashPrefixAndSize(r io.Reader, size int64) (string, error) {
	h := md5.New()
	if _, err := io.CopyN(h, r, smallFileThreshold); err != nil && err != io.EOF {
		return "", err
	}
	fmt.Fprintf(h, "%d", size)
	return hex.EncodeToString(h.Sum(nil)), nil
}
