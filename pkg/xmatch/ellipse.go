// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package xmatch

import (
	"math"

	"github.com/soniakeys/meeus/v3/angle"
	"github.com/soniakeys/unit"
)

// InEllipse reports whether the point (alpha, delta) lies inside the
// ellipse centered on (alpha1, delta1) with semi-major axis d0 degrees,
// axis ratio b/a and position angle pa degrees east of north. The point
// is projected onto the tangent plane at the ellipse center before the
// test, which is accurate at galaxy scales.
func InEllipse(alpha, delta, alpha1, delta1, d0, axisRatio, pa float64) bool {
	if d0 <= 0 || axisRatio <= 0 {
		return false
	}

	const d2r = math.Pi / 180
	a := alpha * d2r
	d := delta * d2r
	a1 := alpha1 * d2r
	d1 := delta1 * d2r
	paR := pa * d2r
	major := d0 * d2r

	cosC := math.Sin(d1)*math.Sin(d) + math.Cos(d1)*math.Cos(d)*math.Cos(a-a1)
	if cosC <= 0 {
		// opposite hemisphere
		return false
	}

	// gnomonic projection, x east, y north
	x := math.Cos(d) * math.Sin(a-a1) / cosC
	y := (math.Cos(d1)*math.Sin(d) - math.Sin(d1)*math.Cos(d)*math.Cos(a-a1)) / cosC

	// rotate into the ellipse frame
	u := x*math.Sin(paR) + y*math.Cos(paR)
	v := x*math.Cos(paR) - y*math.Sin(paR)

	minor := major * axisRatio
	return (u*u)/(major*major)+(v*v)/(minor*minor) <= 1
}

// GreatCircleDistance returns the angular separation of two positions
// in degrees, computed with the haversine form, which stays accurate at
// the small separations typical of galaxy matches.
func GreatCircleDistance(ra1, dec1, ra2, dec2 float64) float64 {
	sep := angle.SepHav(
		unit.AngleFromDeg(ra1), unit.AngleFromDeg(dec1),
		unit.AngleFromDeg(ra2), unit.AngleFromDeg(dec2),
	)
	return sep.Deg()
}
