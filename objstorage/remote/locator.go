// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ObjectRef identifies a blob by the parts of its slide URL.
type ObjectRef struct {
	Scheme string
	Bucket string
	Path   string
}

// ParseURL splits a slide URL such as "oss://bucket/dir/a.svs" or
// "mem://fixture.tif" into an ObjectRef.
func ParseURL(rawURL string) (ObjectRef, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ObjectRef{}, errors.Wrapf(err, "parsing slide url %q", rawURL)
	}
	if u.Scheme == "" {
		return ObjectRef{}, errors.Newf("slide url %q has no scheme", rawURL)
	}
	ref := ObjectRef{
		Scheme: u.Scheme,
		Bucket: u.Host,
		Path:   strings.TrimPrefix(u.Path, "/"),
	}
	if ref.Bucket == "" && ref.Path == "" {
		return ObjectRef{}, errors.Newf("slide url %q names no object", rawURL)
	}
	return ref, nil
}

// ObjectName returns the name under which the object is known to its
// Storage: bucket and path joined by '/'.
func (r ObjectRef) ObjectName() string {
	switch {
	case r.Bucket == "":
		return r.Path
	case r.Path == "":
		return r.Bucket
	default:
		return r.Bucket + "/" + r.Path
	}
}

// String implements fmt.Stringer.
func (r ObjectRef) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter. The bucket and path are user
// data and are left redactable.
func (r ObjectRef) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s://%s", redact.SafeString(r.Scheme), r.ObjectName())
}

// Locator maps URL schemes to Storage implementations.
type Locator struct {
	mu struct {
		sync.RWMutex
		storages map[string]Storage
	}
}

// NewLocator returns an empty Locator.
func NewLocator() *Locator {
	l := &Locator{}
	l.mu.storages = make(map[string]Storage)
	return l
}

// Register makes storage responsible for URLs with the given scheme.
func (l *Locator) Register(scheme string, storage Storage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.storages[scheme] = storage
}

// Resolve parses rawURL and returns the Storage responsible for it along with
// the parsed reference.
func (l *Locator) Resolve(rawURL string) (Storage, ObjectRef, error) {
	ref, err := ParseURL(rawURL)
	if err != nil {
		return nil, ObjectRef{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.mu.storages[ref.Scheme]
	if !ok {
		return nil, ObjectRef{}, errors.Newf("no storage registered for scheme %q", ref.Scheme)
	}
	return s, ref, nil
}

// Close closes every registered Storage.
func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for scheme, s := range l.mu.storages {
		err = errors.CombineErrors(err, s.Close())
		delete(l.mu.storages, scheme)
	}
	return err
}
