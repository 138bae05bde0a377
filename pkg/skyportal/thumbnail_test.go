// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package skyportal

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"image/png"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
)

// makeStamp builds a gzip-compressed float32 FITS image, the wire format
// of alert cutouts.
func makeStamp(t *testing.T, w, h int, pix []float32) []byte {
	t.Helper()

	var fitsBuf bytes.Buffer
	f, err := fitsio.Create(&fitsBuf)
	require.NoError(t, err)

	img := fitsio.NewImage(-32, []int{w, h})
	defer img.Close()
	require.NoError(t, img.Write(&pix))
	require.NoError(t, f.Write(img))
	require.NoError(t, f.Close())

	var gzBuf bytes.Buffer
	zw := gzip.NewWriter(&gzBuf)
	_, err = zw.Write(fitsBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return gzBuf.Bytes()
}

func TestFlipVertical(t *testing.T) {
	pix := []float32{
		1, 2,
		3, 4,
		5, 6,
	}
	flipVertical(pix, 2, 3)
	assert.Equal(t, []float32{5, 6, 3, 4, 1, 2}, pix)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, float32(0), median(nil))
	assert.Equal(t, float32(3), median([]float32{5, 1, 3}))
	assert.Equal(t, float32(2.5), median([]float32{4, 1, 2, 3}))
}

func TestRenderPNG(t *testing.T) {
	pix := []float32{1, 10, 100, 1000}

	for _, logScale := range []bool{true, false} {
		data, err := renderPNG(pix, 2, 2, logScale)
		require.NoError(t, err)

		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, ThumbnailSize, img.Bounds().Dx())
		assert.Equal(t, ThumbnailSize, img.Bounds().Dy())
	}
}

func TestRenderPNGFlat(t *testing.T) {
	// constant image must not divide by zero
	data, err := renderPNG([]float32{5, 5, 5, 5}, 2, 2, true)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestMakeThumbnail(t *testing.T) {
	stamp := makeStamp(t, 2, 2, []float32{1, 2, 3, 4})
	a := &alert.Alert{
		Candid:        1,
		ObjectID:      "ZTF26aabcdef",
		CutoutScience: &alert.Cutout{FileName: "sci.fits.gz", StampData: stamp},
	}

	thumb, err := MakeThumbnail(a, "new", "Science")
	require.NoError(t, err)
	assert.Equal(t, "ZTF26aabcdef", thumb.SourceID)
	assert.Equal(t, "new", thumb.TType)

	raw, err := base64.StdEncoding.DecodeString(thumb.Data)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, ThumbnailSize, img.Bounds().Dx())
}

func TestMakeThumbnailMissingCutout(t *testing.T) {
	a := &alert.Alert{Candid: 1, ObjectID: "ZTF26aabcdef"}
	_, err := MakeThumbnail(a, "ref", "Template")
	assert.Error(t, err)
}

func TestMakeThumbnailBadStamp(t *testing.T) {
	a := &alert.Alert{
		Candid:           1,
		ObjectID:         "ZTF26aabcdef",
		CutoutDifference: &alert.Cutout{StampData: []byte("not gzip")},
	}
	_, err := MakeThumbnail(a, "sub", "Difference")
	assert.Error(t, err)
}
