// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package skyportal

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
	"github.com/ztf-alerts/alertwatcher/pkg/ml"
)

// ThumbnailSize is the rendered side length in pixels.
const ThumbnailSize = 168

// Thumbnail is the portal's cutout payload; data is a base64 PNG.
type Thumbnail struct {
	SourceID string `json:"source_id"`
	Data     string `json:"data"`
	TType    string `json:"ttype"`
}

// MakeThumbnail renders one cutout (stampType is Science, Template or
// Difference; ttype is the portal label new/ref/sub): the stamp is
// flipped vertically, NaN-scrubbed, and for non-difference images
// non-positive pixels are replaced with the image median before a
// log-scaled render. Difference images render linearly.
func MakeThumbnail(a *alert.Alert, ttype, stampType string) (*Thumbnail, error) {
	cutout := a.Cutout(stampType)
	if cutout == nil {
		return nil, errors.Errorf("missing %s cutout", stampType)
	}
	w, h, pix, err := ml.DecodeStamp(cutout.StampData)
	if err != nil {
		return nil, err
	}

	flipVertical(pix, w, h)

	logScale := stampType != "Difference"
	if logScale {
		med := median(pix)
		for i, v := range pix {
			if v <= 0 {
				pix[i] = med
			}
		}
	}

	data, err := renderPNG(pix, w, h, logScale)
	if err != nil {
		return nil, err
	}

	return &Thumbnail{
		SourceID: a.ObjectID,
		Data:     base64.StdEncoding.EncodeToString(data),
		TType:    ttype,
	}, nil
}

func flipVertical(pix []float32, w, h int) {
	for top, bot := 0, h-1; top < bot; top, bot = top+1, bot-1 {
		for j := 0; j < w; j++ {
			pix[top*w+j], pix[bot*w+j] = pix[bot*w+j], pix[top*w+j]
		}
	}
}

func median(pix []float32) float32 {
	if len(pix) == 0 {
		return 0
	}
	sorted := make([]float32, len(pix))
	copy(sorted, pix)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// renderPNG normalizes the pixels (log scale when requested), scales
// them to the fixed thumbnail size and encodes a grayscale PNG.
func renderPNG(pix []float32, w, h int, logScale bool) ([]byte, error) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range pix {
		f := float64(v)
		if logScale && f <= 0 {
			continue
		}
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	if lo > hi {
		lo, hi = 0, 1
	}
	if logScale {
		lo, hi = math.Log(lo), math.Log(hi)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	img := image.NewGray(image.Rect(0, 0, ThumbnailSize, ThumbnailSize))
	for y := 0; y < ThumbnailSize; y++ {
		srcY := y * h / ThumbnailSize
		for x := 0; x < ThumbnailSize; x++ {
			srcX := x * w / ThumbnailSize
			f := float64(pix[srcY*w+srcX])
			var norm float64
			if logScale {
				if f <= 0 {
					norm = 0
				} else {
					norm = (math.Log(f) - lo) / span
				}
			} else {
				norm = (f - lo) / span
			}
			norm = math.Min(1, math.Max(0, norm))
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(norm * 255))})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "unable to encode thumbnail")
	}
	return buf.Bytes(), nil
}
