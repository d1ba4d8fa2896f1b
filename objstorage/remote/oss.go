// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/cockroachdb/errors"
)

// ErrAccessDenied marks requests the object store refused for lack of
// permission.
var ErrAccessDenied = errors.New("remote: access denied")

// ossError annotates err with the object it concerns and marks permission
// failures with ErrAccessDenied.
func ossError(err error, objName string) error {
	if se, ok := err.(oss.ServiceError); ok && se.StatusCode == 403 {
		return errors.Mark(errors.Wrapf(err, "oss object %s", objName), ErrAccessDenied)
	}
	return err
}

// OSSConfig holds the credentials for an Aliyun OSS endpoint.
type OSSConfig struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
}

// NewOSS returns a remote.Storage backed by Aliyun OSS. Object names have the
// form "bucket/key". It backs the oss:// scheme.
func NewOSS(cfg OSSConfig) (Storage, error) {
	cli, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, errors.Wrapf(err, "oss client for %s", cfg.Endpoint)
	}
	s := &ossStore{cli: cli}
	s.mu.buckets = make(map[string]*oss.Bucket)
	return s, nil
}

type ossStore struct {
	cli *oss.Client
	mu  struct {
		sync.Mutex
		buckets map[string]*oss.Bucket
	}
}

var _ Storage = (*ossStore)(nil)

func (s *ossStore) bucket(objName string) (*oss.Bucket, string, error) {
	bkt, key, ok := strings.Cut(objName, "/")
	if !ok || bkt == "" || key == "" {
		return nil, "", errors.Newf("oss object name %q must be bucket/key", objName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.mu.buckets[bkt]; ok {
		return b, key, nil
	}
	b, err := s.cli.Bucket(bkt)
	if err != nil {
		return nil, "", err
	}
	s.mu.buckets[bkt] = b
	return b, key, nil
}

// Close is part of the remote.Storage interface.
func (s *ossStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.buckets = make(map[string]*oss.Bucket)
	return nil
}

// Exists is part of the remote.Storage interface.
func (s *ossStore) Exists(_ context.Context, objName string) (bool, error) {
	bkt, key, err := s.bucket(objName)
	if err != nil {
		return false, err
	}
	ok, err := bkt.IsObjectExist(key)
	if err != nil {
		return false, ossError(err, objName)
	}
	return ok, nil
}

func (s *ossStore) meta(objName string) (map[string][]string, error) {
	bkt, key, err := s.bucket(objName)
	if err != nil {
		return nil, err
	}
	md, err := bkt.GetObjectDetailedMeta(key)
	if err != nil {
		if s.IsNotExistError(err) {
			return nil, os.ErrNotExist
		}
		return nil, ossError(err, objName)
	}
	return md, nil
}

// Size is part of the remote.Storage interface.
func (s *ossStore) Size(_ context.Context, objName string) (int64, error) {
	md, err := s.meta(objName)
	if err != nil {
		return 0, err
	}
	v := md["Content-Length"]
	if len(v) == 0 {
		return 0, errors.Newf("oss object %q has no Content-Length", objName)
	}
	return strconv.ParseInt(v[0], 10, 64)
}

// ContentHash is part of the remote.Storage interface.
func (s *ossStore) ContentHash(_ context.Context, objName string) (string, error) {
	md, err := s.meta(objName)
	if err != nil {
		return "", err
	}
	if v := md["Etag"]; len(v) > 0 {
		return strings.Trim(v[0], `"`), nil
	}
	return "", errors.Newf("oss object %q has no ETag", objName)
}

// ReadRange is part of the remote.Storage interface.
func (s *ossStore) ReadRange(
	_ context.Context, objName string, start, endInclusive int64,
) ([]byte, error) {
	bkt, key, err := s.bucket(objName)
	if err != nil {
		return nil, err
	}
	body, err := bkt.GetObject(key, oss.Range(start, endInclusive))
	if err != nil {
		if se, ok := err.(oss.ServiceError); ok && se.StatusCode == 416 {
			return nil, io.EOF
		}
		return nil, ossError(err, objName)
	}
	defer body.Close()
	return io.ReadAll(body)
}

// IsNotExistError is part of the remote.Storage interface.
func (s *ossStore) IsNotExistError(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if se, ok := err.(oss.ServiceError); ok {
		return se.StatusCode == 404
	}
	return false
}
