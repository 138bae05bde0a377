// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package skyportal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
)

func fptr(v float64) *float64 { return &v }

func testAlert() *alert.Alert {
	return &alert.Alert{
		Candid:   2600001234,
		ObjectID: "ZTF26aabcdef",
		Candidate: alert.Candidate{
			JD:         2460900.5,
			FID:        2,
			MagPSF:     fptr(18.2),
			SigmaPSF:   fptr(0.1),
			DiffMagLim: fptr(20.5),
		},
	}
}

func TestMakePhotometry(t *testing.T) {
	prv := []alert.PrvCandidate{
		// non-detection, no magpsf
		{"jd": 2460898.5, "fid": 1.0, "diffmaglim": 20.1},
		{"jd": 2460899.5, "fid": 2.0, "magpsf": 18.9, "sigmapsf": 0.2, "diffmaglim": 20.3},
	}

	phot, err := MakePhotometry(testAlert(), prv)
	require.NoError(t, err)

	assert.Equal(t, "ZTF26aabcdef", phot.SourceID)
	assert.Equal(t, "jd", phot.TimeFormat)
	assert.Equal(t, "utc", phot.TimeScale)

	// sorted ascending by date
	assert.Equal(t, []float64{2460898.5, 2460899.5, 2460900.5}, phot.ObservedAt)
	assert.Equal(t, []string{"g", "r", "r"}, phot.Filter)

	// the non-detection carries the sentinel magnitude
	assert.Equal(t, []float64{MissingValue, 18.9, 18.2}, phot.Mag)
	assert.Equal(t, []float64{MissingValue, 0.2, 0.1}, phot.EMag)
	assert.Equal(t, []float64{20.1, 20.3, 20.5}, phot.LimMag)
}

func TestMakePhotometryDedupes(t *testing.T) {
	// the current observation repeats in the history; first wins
	prv := []alert.PrvCandidate{
		{"jd": 2460900.5, "fid": 2.0, "magpsf": 17.0},
	}

	phot, err := MakePhotometry(testAlert(), prv)
	require.NoError(t, err)

	require.Len(t, phot.ObservedAt, 1)
	assert.Equal(t, 18.2, phot.Mag[0])
}

func TestMakePhotometrySkipsRowsWithoutDate(t *testing.T) {
	prv := []alert.PrvCandidate{
		{"fid": 1.0, "magpsf": 18.0},
	}

	phot, err := MakePhotometry(testAlert(), prv)
	require.NoError(t, err)
	assert.Len(t, phot.ObservedAt, 1)
}

func TestMakePhotometryUnknownFilter(t *testing.T) {
	a := testAlert()
	a.Candidate.FID = 7
	_, err := MakePhotometry(a, nil)
	assert.Error(t, err)
}
