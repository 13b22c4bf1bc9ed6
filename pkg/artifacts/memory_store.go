package artifacts

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps blobs in process memory. Used by lite mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	meta  map[string]Metadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		meta:  make(map[string]Metadata),
	}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, meta Metadata) (string, error) {
	address := ComputeAddress(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[address]; !ok {
		s.blobs[address] = append([]byte(nil), data...)
		s.meta[address] = meta
	}
	return address, nil
}

func (s *MemoryStore) Get(ctx context.Context, address string) ([]byte, error) {
	raw, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	address = AddressPrefix + raw
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, address string) (bool, error) {
	raw, err := ParseAddress(address)
	if err != nil {
		return false, err
	}
	address = AddressPrefix + raw
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[address]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, address string) error {
	raw, err := ParseAddress(address)
	if err != nil {
		return err
	}
	address = AddressPrefix + raw
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, address)
	delete(s.meta, address)
	return nil
}

// MetadataFor returns the metadata recorded at first publication.
func (s *MemoryStore) MetadataFor(address string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[address]
	return m, ok
}
