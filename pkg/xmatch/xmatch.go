// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package xmatch cross-matches alert positions against reference
// catalogs stored alongside the alerts: point-radius cone searches for
// the configured catalog set, plus an elliptical match against the
// nearby-galaxy catalog.
package xmatch

import (
	"context"
	"math"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

// DefaultGalaxyCatalog is the versioned nearby-galaxy catalog collection.
const DefaultGalaxyCatalog = "CLU_20190625"

// DefaultSizeMargin scales galaxy semi-major axes before the ellipse test.
const DefaultSizeMargin = 3.0

// coarse pre-selection radius around the alert for the galaxy match
const galaxyConeRadiusRad = 3.0 * math.Pi / 180

// Median shape parameters of the galaxy catalog, substituted when a
// galaxy carries the missing-value sentinel (< -990).
const (
	medianA   = 0.0265889
	medianB2A = 0.61
	medianPA  = 86.0
)

// Finder is the slice of the catalog gateway the matcher reads through.
type Finder interface {
	Find(ctx context.Context, coll string, filter, projection bson.M) ([]bson.M, error)
}

// Matcher holds the immutable per-process cross-match configuration.
type Matcher struct {
	store         Finder
	radiusRad     float64
	catalogs      map[string]config.XmatchCatalog
	galaxyCatalog string
	sizeMargin    float64
}

// New builds a matcher from configuration. An unknown cone-search unit
// is a startup-fatal error.
func New(store Finder, cfg config.Xmatch) (*Matcher, error) {
	radius, err := cfg.RadiusRadians()
	if err != nil {
		return nil, err
	}
	return &Matcher{
		store:         store,
		radiusRad:     radius,
		catalogs:      cfg.Catalogs,
		galaxyCatalog: DefaultGalaxyCatalog,
		sizeMargin:    DefaultSizeMargin,
	}, nil
}

// Catalogs runs the point-radius cross-match for every configured
// catalog: a spherical-cap query centered on the GeoJSON position,
// intersected with the catalog filter and run through the catalog
// projection. Failures are logged and yield an empty map; the alert is
// still ingested without cross-matches.
func (m *Matcher) Catalogs(ctx context.Context, ra, dec float64) map[string][]bson.M {
	matches := make(map[string][]bson.M, len(m.catalogs))
	center := []float64{ra - 180, dec}

	for name, cat := range m.catalogs {
		filter := bson.M{
			"coordinates.radec_geojson": bson.M{
				"$geoWithin": bson.M{"$centerSphere": []interface{}{center, m.radiusRad}},
			},
		}
		for k, v := range cat.Filter {
			filter[k] = v
		}
		records, err := m.store.Find(ctx, name, filter, bson.M(cat.Projection))
		if err != nil {
			log.Errorf("xmatch: %s cone search at (%f, %f) failed: %v", name, ra, dec, err)
			return map[string][]bson.M{}
		}
		if records == nil {
			records = []bson.M{}
		}
		matches[name] = records
	}
	return matches
}

// NearbyGalaxies matches the alert against the nearby-galaxy catalog: a
// coarse 3 degree cone pre-selection, the union of two galaxies too
// large for the cone (M31, M33), then a point-in-ellipse test per
// candidate with the semi-major axis scaled by the size margin. Each
// positive match is annotated with the great-circle distance in
// arcseconds.
func (m *Matcher) NearbyGalaxies(ctx context.Context, ra, dec float64) map[string][]bson.M {
	projection := bson.M{
		"_id": 1, "name": 1, "ra": 1, "dec": 1,
		"a": 1, "b2a": 1, "pa": 1, "z": 1,
		"sfr_fuv": 1, "mstar": 1, "sfr_ha": 1,
		"coordinates.radec_str": 1,
	}
	filter := bson.M{
		"coordinates.radec_geojson": bson.M{
			"$geoWithin": bson.M{"$centerSphere": []interface{}{[]float64{ra - 180, dec}, galaxyConeRadiusRad}},
		},
	}

	galaxies, err := m.store.Find(ctx, m.galaxyCatalog, filter, projection)
	if err != nil {
		log.Errorf("xmatch: %s cone search at (%f, %f) failed: %v", m.galaxyCatalog, ra, dec, err)
		return map[string][]bson.M{}
	}

	matches := []bson.M{}
	for _, galaxy := range append(galaxies, largeGalaxies()...) {
		gra := asFloat(galaxy["ra"])
		gdec := asFloat(galaxy["dec"])
		a := asFloat(galaxy["a"])
		b2a := asFloat(galaxy["b2a"])
		pa := asFloat(galaxy["pa"])

		// missing-shape sentinel
		if a < -990 {
			a = medianA
		}
		if b2a < -990 {
			b2a = medianB2A
		}
		if pa < -990 {
			pa = medianPA
		}

		if !InEllipse(ra, dec, gra, gdec, m.sizeMargin*a, b2a, pa) {
			continue
		}

		distArcsec := math.Round(GreatCircleDistance(ra, dec, gra, gdec)*3600*100) / 100
		coords, _ := galaxy["coordinates"].(bson.M)
		if coords == nil {
			coords = bson.M{}
		}
		coords["distance_arcsec"] = distArcsec
		galaxy["coordinates"] = coords
		matches = append(matches, galaxy)
	}

	return map[string][]bson.M{m.galaxyCatalog: matches}
}

// GalaxyCatalog returns the versioned galaxy catalog name, used by the
// ingestion worker to exclude it from enriched dumps.
func (m *Matcher) GalaxyCatalog() string {
	return m.galaxyCatalog
}

// largeGalaxies returns M31 and M33, whose angular sizes exceed the
// coarse cone and so are always checked.
func largeGalaxies() []bson.M {
	return []bson.M{
		{
			"_id": 596900, "name": "PGC2557",
			"ra": 10.6847, "dec": 41.26901, "a": 6.35156, "b2a": 0.32, "pa": 35.0,
			"sfr_fuv": nil, "mstar": 253816876.412914, "sfr_ha": 0,
			"coordinates": bson.M{"radec_str": []string{"00:42:44.3503", "41:16:08.634"}},
		},
		{
			"_id": 597543, "name": "PGC5818",
			"ra": 23.46204, "dec": 30.66022, "a": 2.35983, "b2a": 0.59, "pa": 23.0,
			"sfr_fuv": nil, "mstar": 4502777.420493, "sfr_ha": 0,
			"coordinates": bson.M{"radec_str": []string{"01:33:50.8900", "30:39:36.800"}},
		},
	}
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}
