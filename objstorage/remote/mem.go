// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
)

// NewInMem returns an in-memory implementation of the remote.Storage
// interface. It backs the mem:// scheme and is used by tests and fixtures.
func NewInMem() *InMemStorage {
	store := &InMemStorage{}
	store.mu.objects = make(map[string][]byte)
	return store
}

// InMemStorage is an in-memory implementation of the remote.Storage interface.
type InMemStorage struct {
	mu struct {
		sync.Mutex
		objects map[string][]byte
	}
}

var _ Storage = (*InMemStorage)(nil)

// Put stores a copy of data under objName, replacing any existing object.
func (s *InMemStorage) Put(objName string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.objects[objName] = append([]byte(nil), data...)
}

// Delete removes the named object.
func (s *InMemStorage) Delete(objName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.objects, objName)
}

// Close is part of the remote.Storage interface.
func (s *InMemStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.objects = make(map[string][]byte)
	return nil
}

// Exists is part of the remote.Storage interface.
func (s *InMemStorage) Exists(_ context.Context, objName string) (bool, error) {
	_, err := s.getObj(objName)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Size is part of the remote.Storage interface.
func (s *InMemStorage) Size(_ context.Context, objName string) (int64, error) {
	data, err := s.getObj(objName)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// ContentHash is part of the remote.Storage interface.
func (s *InMemStorage) ContentHash(_ context.Context, objName string) (string, error) {
	data, err := s.getObj(objName)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ReadRange is part of the remote.Storage interface.
func (s *InMemStorage) ReadRange(
	_ context.Context, objName string, start, endInclusive int64,
) ([]byte, error) {
	data, err := s.getObj(objName)
	if err != nil {
		return nil, err
	}
	if start >= int64(len(data)) {
		return nil, io.EOF
	}
	end := endInclusive + 1
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[start:end]...), nil
}

// IsNotExistError is part of the remote.Storage interface.
func (s *InMemStorage) IsNotExistError(err error) bool {
	return err == os.ErrNotExist
}

func (s *InMemStorage) getObj(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.mu.objects[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}
