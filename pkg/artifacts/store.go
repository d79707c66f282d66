// Package artifacts fetches compiled module bytecode for the loader. The
// default store reads artifacts from the module directory on local disk; an
// S3-backed store serves fleets that distribute modules out of object
// storage.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Store fetches raw bytecode by the reference recorded in a manifest.
type Store interface {
	// Fetch returns the artifact bytes for ref (a path or object key).
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Digest returns the blake2b-256 hex digest used in manifest artifact pins.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest checks data against a manifest-declared digest. An empty
// expected digest means the manifest does not pin its artifact.
func VerifyDigest(data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	if got := Digest(data); got != expected {
		return fmt.Errorf("artifact digest mismatch: manifest pins %s, artifact is %s", expected, got)
	}
	return nil
}

// FileStore reads artifacts from local disk. Refs are filesystem paths,
// already resolved relative to their descriptor by the manifest scanner.
type FileStore struct{}

func NewFileStore() *FileStore {
	return &FileStore{}
}

func (s *FileStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", ref, err)
	}
	return data, nil
}
