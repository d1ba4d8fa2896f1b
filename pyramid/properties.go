// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pyramid

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Property keys derived by the reader. Vendor metadata is exposed under
// "<vendor>.<key>" and raw TIFF tags under "tiff.<TagName>".
const (
	PropertyVendor          = "slidecache.vendor"
	PropertyComment         = "slidecache.comment"
	PropertyMPPX            = "slidecache.mpp-x"
	PropertyMPPY            = "slidecache.mpp-y"
	PropertyObjectivePower  = "slidecache.objective-power"
	PropertyBackgroundColor = "slidecache.background-color"
	PropertyLevelCount      = "slidecache.level-count"
)

var defaultBackground = [3]uint8{0xff, 0xff, 0xff}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// parseDescription splits an ImageDescription into its vendor and its
// "key = value" pairs. Aperio descriptions look like
//
//	Aperio Image Library v10.0.51\r\n46920x33014 [...] JPEG/RGB Q=30|AppMag = 20|MPP = 0.4990
//
// Other descriptions may carry '|' or newline separated "key=value" pairs.
func parseDescription(desc string) (vendor string, kv map[string]string) {
	kv = make(map[string]string)
	vendor = "generic-tiff"
	if strings.HasPrefix(desc, "Aperio") {
		vendor = "aperio"
	}
	parts := strings.FieldsFunc(desc, func(r rune) bool { return r == '|' || r == '\n' || r == '\r' })
	for i, part := range parts {
		if vendor == "aperio" && i < 2 {
			// The library banner and the geometry summary are not pairs.
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || (vendor != "aperio" && strings.ContainsAny(k, " \t")) {
			continue
		}
		kv[k] = v
	}
	return vendor, kv
}

// parseColor parses an RRGGBB hex colour.
func parseColor(s string) ([3]uint8, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return [3]uint8{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [3]uint8{}, false
	}
	return [3]uint8{b[0], b[1], b[2]}, true
}

// micronsPerPixel converts a TIFF resolution (pixels per unit) into
// micrometres per pixel.
func micronsPerPixel(res float64, unit uint64) (float64, bool) {
	if res <= 0 {
		return 0, false
	}
	switch unit {
	case resUnitInch:
		return 25400 / res, true
	case resUnitCentimeter:
		return 10000 / res, true
	}
	return 0, false
}

// buildProperties derives the property map and background colour from the
// first directory and the level geometry.
func buildProperties(d *directory, levels []*Level) (map[string]string, [3]uint8) {
	props := make(map[string]string)
	desc := d.ascii(tagImageDescription)
	vendor, kv := parseDescription(desc)
	props[PropertyVendor] = vendor
	if desc != "" {
		props[PropertyComment] = desc
	}
	for k, v := range kv {
		props[vendor+"."+k] = v
	}

	for tag, name := range map[uint16]string{
		tagImageDescription: "ImageDescription",
		tagMake:             "Make",
		tagModel:            "Model",
		tagSoftware:         "Software",
		tagDateTime:         "DateTime",
	} {
		if v := d.ascii(tag); v != "" {
			props["tiff."+name] = v
		}
	}
	xres, yres := d.rational(tagXResolution), d.rational(tagYResolution)
	unit, _ := d.uintOr(tagResolutionUnit, resUnitInch)
	if xres > 0 {
		props["tiff.XResolution"] = formatFloat(xres)
	}
	if yres > 0 {
		props["tiff.YResolution"] = formatFloat(yres)
	}
	if d.has(tagResolutionUnit) {
		switch unit {
		case resUnitNone:
			props["tiff.ResolutionUnit"] = "none"
		case resUnitInch:
			props["tiff.ResolutionUnit"] = "inch"
		case resUnitCentimeter:
			props["tiff.ResolutionUnit"] = "centimeter"
		default:
			props["tiff.ResolutionUnit"] = strconv.FormatUint(unit, 10)
		}
	}

	// Vendor metadata wins over resolution tags.
	if mpp, err := strconv.ParseFloat(kv["MPP"], 64); err == nil && mpp > 0 {
		props[PropertyMPPX] = formatFloat(mpp)
		props[PropertyMPPY] = formatFloat(mpp)
	} else if d.has(tagResolutionUnit) {
		if x, ok := micronsPerPixel(xres, unit); ok {
			props[PropertyMPPX] = formatFloat(x)
		}
		if y, ok := micronsPerPixel(yres, unit); ok {
			props[PropertyMPPY] = formatFloat(y)
		}
	}
	if mag, ok := kv["AppMag"]; ok {
		props[PropertyObjectivePower] = mag
	}

	bg := defaultBackground
	if c, ok := parseColor(kv["BackgroundColor"]); ok {
		bg = c
	}
	props[PropertyBackgroundColor] = fmt.Sprintf("%02X%02X%02X", bg[0], bg[1], bg[2])

	props[PropertyLevelCount] = strconv.Itoa(len(levels))
	for _, l := range levels {
		prefix := fmt.Sprintf("slidecache.level[%d].", l.Index)
		props[prefix+"width"] = strconv.Itoa(l.Width)
		props[prefix+"height"] = strconv.Itoa(l.Height)
		props[prefix+"downsample"] = formatFloat(l.Downsample)
		if l.Tiled() {
			props[prefix+"tile-width"] = strconv.Itoa(l.TileWidth)
			props[prefix+"tile-height"] = strconv.Itoa(l.TileHeight)
		}
	}
	return props, bg
}
