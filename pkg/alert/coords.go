// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package alert

import (
	"fmt"
	"math"
)

// J2000 position of the north galactic pole and the galactic longitude
// of the north celestial pole.
const (
	ngpRA  = 192.85948
	ngpDec = 27.12825
	lNCP   = 122.93192
)

// Deg2HMS formats a right ascension in degrees as H:M:S.
func Deg2HMS(ra float64) string {
	ra = math.Mod(math.Mod(ra, 360)+360, 360)
	h := ra / 15
	hh := math.Floor(h)
	m := (h - hh) * 60
	mm := math.Floor(m)
	ss := (m - mm) * 60
	return fmt.Sprintf("%02.0f:%02.0f:%07.4f", hh, mm, ss)
}

// Deg2DMS formats a declination in degrees as D:M:S.
func Deg2DMS(dec float64) string {
	sign := ""
	if dec < 0 {
		sign = "-"
		dec = -dec
	}
	dd := math.Floor(dec)
	m := (dec - dd) * 60
	mm := math.Floor(m)
	ss := (m - mm) * 60
	return fmt.Sprintf("%s%02.0f:%02.0f:%06.3f", sign, dd, mm, ss)
}

// Galactic converts equatorial J2000 (ra, dec) to galactic (l, b), all
// in degrees.
func Galactic(ra, dec float64) (l, b float64) {
	const d2r = math.Pi / 180

	raR := ra * d2r
	decR := dec * d2r
	ngpRAr := ngpRA * d2r
	ngpDecR := ngpDec * d2r

	b = math.Asin(math.Sin(decR)*math.Sin(ngpDecR) +
		math.Cos(decR)*math.Cos(ngpDecR)*math.Cos(raR-ngpRAr))

	x := math.Cos(decR) * math.Sin(raR-ngpRAr)
	y := math.Sin(decR)*math.Cos(ngpDecR) -
		math.Cos(decR)*math.Sin(ngpDecR)*math.Cos(raR-ngpRAr)

	l = lNCP - math.Atan2(x, y)/d2r
	l = math.Mod(math.Mod(l, 360)+360, 360)
	return l, b / d2r
}
