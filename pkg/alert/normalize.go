// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package alert

import (
	"math"

	"github.com/pkg/errors"
)

// Normalize turns a decoded alert into the primary document plus the
// separated list of prior observations. The returned document gets
// empty classification placeholders, sexagesimal and GeoJSON
// coordinates (longitude shifted to [-180, 180] for the 2d-sphere
// index) and galactic (l, b); prv_candidates never travels with it.
//
// The input is not modified. Malformed coordinates are fatal for the
// alert.
func Normalize(a *Alert) (*Alert, []PrvCandidate, error) {
	ra := a.Candidate.RA
	dec := a.Candidate.Dec
	if math.IsNaN(ra) || math.IsNaN(dec) || ra < 0 || ra >= 360 || dec < -90 || dec > 90 {
		return nil, nil, errors.Errorf("alert %d: malformed coordinates (%f, %f)", a.Candid, ra, dec)
	}

	doc := *a
	doc.Classifications = map[string]interface{}{}

	l, b := Galactic(ra, dec)
	doc.Coordinates = &Coordinates{
		RadecStr: [2]string{Deg2HMS(ra), Deg2DMS(dec)},
		RadecGeoJSON: GeoJSON{
			Type:        "Point",
			Coordinates: [2]float64{ra - 180, dec},
		},
		L: l,
		B: b,
	}

	prv := a.PrvCandidates
	if prv == nil {
		prv = []PrvCandidate{}
	}
	doc.PrvCandidates = nil

	return &doc, prv, nil
}
