// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeLocal(t *testing.T) {
	ctx := context.Background()
	client, url, stop, err := startLocal(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, stop()) }()

	var buf bytes.Buffer
	require.NoError(t, probe(ctx, &buf, client, url))
	out := buf.String()
	require.Contains(t, out, "mem://bench.tif")
	require.Contains(t, out, "DOWNSAMPLE")
	require.Contains(t, out, "4096")
	require.Contains(t, out, "slidecache.level-count")

	require.Error(t, probe(ctx, &buf, client, "mem://missing.tif"))
}
