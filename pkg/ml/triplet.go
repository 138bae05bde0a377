// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package ml scores alerts with the configured machine-learning models.
// The input to every model is the cutout triplet: the science, template
// and difference stamps stacked into a single 63x63x3 tensor.
package ml

import (
	"bytes"
	"compress/gzip"
	"io"
	"math"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
)

// TripletSize is the per-side pixel count models were trained on.
const TripletSize = 63

// padValue fills the border when a stamp comes in smaller than expected.
const padValue = 1e-9

// Triplet is the stacked model input, indexed [row][col][plane] with
// planes science, template, difference.
type Triplet [TripletSize][TripletSize][3]float32

// Flatten returns the tensor in row-major order, the layout the serving
// endpoint expects for a single example.
func (t *Triplet) Flatten() []float32 {
	out := make([]float32, 0, TripletSize*TripletSize*3)
	for i := 0; i < TripletSize; i++ {
		for j := 0; j < TripletSize; j++ {
			out = append(out, t[i][j][0], t[i][j][1], t[i][j][2])
		}
	}
	return out
}

// MakeTriplet builds the model input from an alert's cutouts: each
// stamp is gunzipped, FITS-parsed, NaN-scrubbed, L2-normalized and
// padded to 63x63 when smaller.
func MakeTriplet(a *alert.Alert) (*Triplet, error) {
	t := &Triplet{}
	for plane, stampType := range []string{"Science", "Template", "Difference"} {
		cutout := a.Cutout(stampType)
		if cutout == nil {
			return nil, errors.Errorf("alert %d: missing %s cutout", a.Candid, stampType)
		}
		w, h, pix, err := DecodeStamp(cutout.StampData)
		if err != nil {
			return nil, errors.Wrapf(err, "alert %d: %s cutout", a.Candid, stampType)
		}
		if w > TripletSize || h > TripletSize {
			return nil, errors.Errorf("alert %d: %s cutout is %dx%d, larger than %dx%d",
				a.Candid, stampType, w, h, TripletSize, TripletSize)
		}

		l2Normalize(pix)

		for i := 0; i < TripletSize; i++ {
			for j := 0; j < TripletSize; j++ {
				if i < h && j < w {
					t[i][j][plane] = pix[i*w+j]
				} else {
					t[i][j][plane] = padValue
				}
			}
		}
	}
	return t, nil
}

// DecodeStamp gunzips and parses one FITS stamp, returning its width,
// height and NaN-scrubbed pixels in row-major order.
func DecodeStamp(stamp []byte) (w, h int, pix []float32, err error) {
	zr, err := gzip.NewReader(bytes.NewReader(stamp))
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "unable to gunzip stamp")
	}
	raw, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "unable to gunzip stamp")
	}

	f, err := fitsio.Open(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "unable to parse FITS stamp")
	}
	defer f.Close()

	hdu := f.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return 0, 0, nil, errors.New("FITS primary HDU is not an image")
	}
	axes := img.Header().Axes()
	if len(axes) != 2 || axes[0] <= 0 || axes[1] <= 0 {
		return 0, 0, nil, errors.Errorf("unexpected FITS axes %v", axes)
	}
	w, h = axes[0], axes[1]

	pix = make([]float32, w*h)
	if err := img.Read(&pix); err != nil {
		return 0, 0, nil, errors.Wrap(err, "unable to read FITS pixels")
	}
	for i, v := range pix {
		if math.IsNaN(float64(v)) {
			pix[i] = 0
		}
	}
	return w, h, pix, nil
}

func l2Normalize(pix []float32) {
	var sum float64
	for _, v := range pix {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range pix {
		pix[i] = float32(float64(pix[i]) / norm)
	}
}
