// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rpc implements the wire protocol between clients and workers. A
// request and its response each travel in one frame: an 8-byte big-endian
// length followed by a CBOR encoded message. Connections carry exactly one
// request.
package rpc

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// Version is the protocol version carried by every message.
const Version = 1

// Command names a pyramid reader operation. The set is closed: workers
// reject anything that is not one of the constants below.
type Command string

// Supported commands.
const (
	CmdDimensions             Command = "dimensions"
	CmdLevelCount             Command = "level_count"
	CmdLevelDimensions        Command = "level_dimensions"
	CmdLevelDownsamples       Command = "level_downsamples"
	CmdBestLevelForDownsample Command = "get_best_level_for_downsample"
	CmdReadRegion             Command = "read_region"
	CmdThumbnail              Command = "get_thumbnail"
	CmdProperties             Command = "properties"
	CmdAssociatedImageNames   Command = "associated_image_names"
	CmdReadAssociatedImage    Command = "read_associated_image"
)

// ErrUnknownCommand is returned for commands outside the supported set.
var ErrUnknownCommand = errors.New("slidecache: unknown command")

// Valid reports whether c is a supported command.
func (c Command) Valid() bool {
	_, ok := dispatchTable[c]
	return ok
}

// Commands returns every supported command, sorted.
func Commands() []Command {
	cmds := make([]Command, 0, len(dispatchTable))
	for c := range dispatchTable {
		cmds = append(cmds, c)
	}
	slices.Sort(cmds)
	return cmds
}

// Args holds the arguments of every command. Fields a command does not use
// are left zero.
type Args struct {
	// X and Y are level-0 pixel coordinates (read_region).
	X int64 `cbor:"x,omitempty"`
	Y int64 `cbor:"y,omitempty"`
	// Level is the pyramid level (read_region).
	Level int `cbor:"level,omitempty"`
	// W and H are the region size (read_region) or the thumbnail bounding
	// box (get_thumbnail).
	W int `cbor:"w,omitempty"`
	H int `cbor:"h,omitempty"`
	// Downsample is the requested downsample factor
	// (get_best_level_for_downsample).
	Downsample float64 `cbor:"downsample,omitempty"`
	// Name is the associated image name (read_associated_image).
	Name string `cbor:"name,omitempty"`
}

// Request asks a worker to run Command against the slide at URL.
type Request struct {
	V       int     `cbor:"v"`
	URL     string  `cbor:"url"`
	Command Command `cbor:"command"`
	Args    Args    `cbor:"args"`
}

// WireError is the error indicator of a failed request.
type WireError struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message"`
}

// Response carries either an encoded value or an error.
type Response struct {
	V     int             `cbor:"v"`
	Err   *WireError      `cbor:"err,omitempty"`
	Value cbor.RawMessage `cbor:"value,omitempty"`
}

// Image is the wire form of an RGBA image. Pix holds the RGBA samples row by
// row without padding, compressed with Codec.
type Image struct {
	W     int        `cbor:"w"`
	H     int        `cbor:"h"`
	Codec ImageCodec `cbor:"codec"`
	Pix   []byte     `cbor:"pix"`
}

// EncodeRequest marshals req into a frame payload.
func EncodeRequest(req Request) ([]byte, error) {
	req.V = Version
	b, err := cbor.Marshal(req)
	return b, errors.Wrap(err, "encoding request")
}

// DecodeRequest unmarshals a frame payload. Undecodable payloads and
// version mismatches are marked with ErrFrame.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return Request{}, errors.Mark(errors.Wrap(err, "decoding request"), ErrFrame)
	}
	if req.V != Version {
		return Request{}, errors.Mark(errors.Newf("unsupported request version %d", errors.Safe(req.V)), ErrFrame)
	}
	return req, nil
}

// EncodeResponse marshals the outcome of a request. A non-nil err takes
// precedence over value.
func EncodeResponse(value interface{}, err error) ([]byte, error) {
	resp := Response{V: Version}
	if err != nil {
		resp.Err = &WireError{Code: CodeOf(err), Message: err.Error()}
	} else {
		raw, mErr := cbor.Marshal(value)
		if mErr != nil {
			resp.Err = &WireError{Code: CodeInternal, Message: mErr.Error()}
		} else {
			resp.Value = raw
		}
	}
	b, err := cbor.Marshal(resp)
	return b, errors.Wrap(err, "encoding response")
}

// DecodeResponse unmarshals a response payload and decodes its value into
// out. An error indicator is returned as a *RemoteError.
func DecodeResponse(payload []byte, out interface{}) error {
	var resp Response
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return errors.Mark(errors.Wrap(err, "decoding response"), ErrFrame)
	}
	if resp.V != Version {
		return errors.Mark(errors.Newf("unsupported response version %d", errors.Safe(resp.V)), ErrFrame)
	}
	if resp.Err != nil {
		return &RemoteError{Code: resp.Err.Code, Message: resp.Err.Message}
	}
	if out == nil {
		return nil
	}
	if err := cbor.Unmarshal(resp.Value, out); err != nil {
		return errors.Mark(errors.Wrap(err, "decoding response value"), ErrFrame)
	}
	return nil
}
