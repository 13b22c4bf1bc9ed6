package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AddressPrefix tags content addresses with their hash function.
const AddressPrefix = "sha256:"

// ErrNotFound is returned when no content exists for an address.
var ErrNotFound = errors.New("artifact not found")

// Metadata describes published content. It never affects the address.
type Metadata struct {
	Name string `json:"name,omitempty"`
}

// Store is a content-addressed blob store. Publishing identical bytes twice
// yields the same address and is a no-op the second time.
type Store interface {
	Put(ctx context.Context, data []byte, meta Metadata) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
	Exists(ctx context.Context, address string) (bool, error)
	Delete(ctx context.Context, address string) error
}

// ComputeAddress returns the content address of data.
func ComputeAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return AddressPrefix + hex.EncodeToString(sum[:])
}

// ParseAddress validates a content address and returns its raw hex digest.
func ParseAddress(address string) (string, error) {
	if !strings.HasPrefix(address, AddressPrefix) {
		return "", fmt.Errorf("invalid address format: %q", address)
	}
	raw := address[len(AddressPrefix):]
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid address length: %q", address)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid address hex: %w", err)
	}
	return strings.ToLower(raw), nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new CAS store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte, meta Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := ComputeAddress(data)
	raw := address[len(AddressPrefix):]
	path := s.blobPath(raw)

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	// Write to temp, then rename
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: blobs hold published gate code
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	if meta.Name != "" {
		metaJSON, _ := json.Marshal(meta)
		//nolint:gosec // G306: sidecar is as public as the blob
		_ = os.WriteFile(filepath.Join(s.baseDir, raw+".meta.json"), metaJSON, 0644)
	}

	return address, nil
}

func (s *FileStore) Get(ctx context.Context, address string) ([]byte, error) {
	raw, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.blobPath(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, address string) (bool, error) {
	raw, err := ParseAddress(address)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.blobPath(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, address string) error {
	raw, err := ParseAddress(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.blobPath(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	_ = os.Remove(filepath.Join(s.baseDir, raw+".meta.json"))
	return nil
}
