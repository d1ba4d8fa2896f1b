// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/histoslide/slidecache/rpc"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <slide-url>...",
	Short: "print the geometry and properties of slides",
	Long: `
Ask the worker responsible for each slide for its levels, associated images
and properties, and print them as tables.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func newClient() (*rpc.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = -1
	}
	return rpc.NewClient(cfg.WorkerAddrs, rpc.ClientOptions{
		IOTimeout:    cfg.IOTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
		Retries:      retries,
		Logger:       clientLogger(),
	})
}

func runProbe(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, url := range args {
		if err := probe(ctx, os.Stdout, client, url); err != nil {
			return err
		}
	}
	return nil
}

func probe(ctx context.Context, w io.Writer, client *rpc.Client, url string) error {
	slide := client.Slide(url)
	dims, err := slide.LevelDimensions(ctx)
	if err != nil {
		return err
	}
	downsamples, err := slide.LevelDownsamples(ctx)
	if err != nil {
		return err
	}
	names, err := slide.AssociatedImageNames(ctx)
	if err != nil {
		return err
	}
	props, err := slide.Properties(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s (worker %d)\n", url, client.Route(url))
	levels := tablewriter.NewWriter(w)
	levels.SetHeader([]string{"Level", "Width", "Height", "Downsample"})
	for i, d := range dims {
		levels.Append([]string{
			strconv.Itoa(i),
			strconv.Itoa(d[0]),
			strconv.Itoa(d[1]),
			strconv.FormatFloat(downsamples[i], 'g', 6, 64),
		})
	}
	levels.Render()

	if len(names) > 0 {
		assoc := tablewriter.NewWriter(w)
		assoc.SetHeader([]string{"Associated image", "Width", "Height"})
		for _, name := range names {
			img, err := slide.ReadAssociatedImage(ctx, name)
			if err != nil {
				return err
			}
			b := img.Bounds()
			assoc.Append([]string{name, strconv.Itoa(b.Dx()), strconv.Itoa(b.Dy())})
		}
		assoc.Render()
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Property", "Value"})
	tbl.SetAutoWrapText(false)
	for _, k := range keys {
		tbl.Append([]string{k, props[k]})
	}
	tbl.Render()
	return nil
}
