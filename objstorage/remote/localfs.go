// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// NewLocalFS returns an implementation of the remote.Storage interface over
// the local directory dirname. Object names are interpreted relative to
// dirname and may not escape it. It backs the file:// scheme.
func NewLocalFS(dirname string) Storage {
	return &localFSStore{dirname: dirname}
}

// localFSStore is a directory-backed implementation of the remote.Storage
// interface.
type localFSStore struct {
	dirname string
}

var _ Storage = (*localFSStore)(nil)

func (s *localFSStore) path(objName string) (string, error) {
	clean := filepath.Clean("/" + objName)
	if strings.Contains(clean, "..") {
		return "", errors.Newf("invalid object name %q", objName)
	}
	return filepath.Join(s.dirname, clean), nil
}

// Close is part of the remote.Storage interface.
func (s *localFSStore) Close() error {
	return nil
}

// Exists is part of the remote.Storage interface.
func (s *localFSStore) Exists(_ context.Context, objName string) (bool, error) {
	p, err := s.path(objName)
	if err != nil {
		return false, err
	}
	stat, err := os.Stat(p)
	if oserror.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stat.Mode().IsRegular(), nil
}

// Size is part of the remote.Storage interface.
func (s *localFSStore) Size(_ context.Context, objName string) (int64, error) {
	p, err := s.path(objName)
	if err != nil {
		return 0, err
	}
	stat, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// ContentHash is part of the remote.Storage interface. Local files have no
// stored digest; size and modification time stand in for one.
func (s *localFSStore) ContentHash(_ context.Context, objName string) (string, error) {
	p, err := s.path(objName)
	if err != nil {
		return "", err
	}
	stat, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x-%x", stat.Size(), stat.ModTime().UnixNano()), nil
}

// ReadRange is part of the remote.Storage interface.
func (s *localFSStore) ReadRange(
	_ context.Context, objName string, start, endInclusive int64,
) ([]byte, error) {
	p, err := s.path(objName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, endInclusive-start+1)
	n, err := f.ReadAt(buf, start)
	// https://pkg.go.dev/io#ReaderAt
	if err == io.EOF && n > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// IsNotExistError is part of the remote.Storage interface.
func (s *localFSStore) IsNotExistError(err error) bool {
	return oserror.IsNotExist(err)
}
