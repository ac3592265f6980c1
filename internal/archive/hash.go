package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ComputeHash returns the SHA-256 hex digest of r's content.
func ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFileHash returns the SHA-256 hex digest of the file at
// path.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	hash, err := ComputeHash(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hash, nil
}

// StatFile captures the current size, hash and mtime of path.
func StatFile(path string) (FileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileState{}, err
	}
	hash, err := ComputeFileHash(path)
	if err != nil {
		return FileState{}, err
	}
	return FileState{
		Size:    info.Size(),
		Hash:    hash,
		ModTime: info.ModTime().UTC(),
	}, nil
}
