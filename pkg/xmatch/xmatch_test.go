// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package xmatch

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ztf-alerts/alertwatcher/pkg/config"
)

type fakeFinder struct {
	results map[string][]bson.M
	err     error

	lastColl       string
	lastFilter     bson.M
	lastProjection bson.M
}

func (f *fakeFinder) Find(_ context.Context, coll string, filter, projection bson.M) ([]bson.M, error) {
	f.lastColl = coll
	f.lastFilter = filter
	f.lastProjection = projection
	if f.err != nil {
		return nil, f.err
	}
	return f.results[coll], nil
}

func testXmatchConfig() config.Xmatch {
	return config.Xmatch{
		ConeSearchRadius: 2,
		ConeSearchUnit:   "arcsec",
		Catalogs: map[string]config.XmatchCatalog{
			"PS1_DR1": {
				Filter:     map[string]interface{}{"gMeanPSFMag": bson.M{"$lt": 21}},
				Projection: map[string]interface{}{"_id": 1, "gMeanPSFMag": 1},
			},
		},
	}
}

func TestNewUnknownUnit(t *testing.T) {
	_, err := New(&fakeFinder{}, config.Xmatch{ConeSearchRadius: 2, ConeSearchUnit: "furlong"})
	assert.Error(t, err)
}

func TestCatalogs(t *testing.T) {
	store := &fakeFinder{results: map[string][]bson.M{
		"PS1_DR1": {{"_id": 1, "gMeanPSFMag": 20.1}},
	}}
	m, err := New(store, testXmatchConfig())
	require.NoError(t, err)

	matches := m.Catalogs(context.Background(), 200.0, -10.0)
	require.Len(t, matches["PS1_DR1"], 1)

	assert.Equal(t, "PS1_DR1", store.lastColl)
	// catalog filter is merged into the positional query
	assert.Contains(t, store.lastFilter, "coordinates.radec_geojson")
	assert.Contains(t, store.lastFilter, "gMeanPSFMag")
	assert.Equal(t, bson.M{"_id": 1, "gMeanPSFMag": 1}, store.lastProjection)

	geo := store.lastFilter["coordinates.radec_geojson"].(bson.M)["$geoWithin"].(bson.M)["$centerSphere"].([]interface{})
	assert.Equal(t, []float64{20.0, -10.0}, geo[0])
}

func TestCatalogsStoreFailure(t *testing.T) {
	store := &fakeFinder{err: errors.New("connection reset")}
	m, err := New(store, testXmatchConfig())
	require.NoError(t, err)

	matches := m.Catalogs(context.Background(), 200.0, -10.0)
	assert.Empty(t, matches)
}

func TestCatalogsNoHits(t *testing.T) {
	m, err := New(&fakeFinder{}, testXmatchConfig())
	require.NoError(t, err)

	matches := m.Catalogs(context.Background(), 200.0, -10.0)
	require.Contains(t, matches, "PS1_DR1")
	assert.Empty(t, matches["PS1_DR1"])
}

func TestNearbyGalaxiesSentinelShapes(t *testing.T) {
	// shape columns carry the missing-value sentinel; medians kick in
	// and the alert sits exactly on the galaxy center
	store := &fakeFinder{results: map[string][]bson.M{
		DefaultGalaxyCatalog: {{
			"_id": 1, "name": "fake", "ra": 120.0, "dec": 35.0,
			"a": -999.0, "b2a": -999.0, "pa": -999.0,
		}},
	}}
	m, err := New(store, testXmatchConfig())
	require.NoError(t, err)

	matches := m.NearbyGalaxies(context.Background(), 120.0, 35.0)
	galaxies := matches[DefaultGalaxyCatalog]
	require.NotEmpty(t, galaxies)

	var found bson.M
	for _, g := range galaxies {
		if g["name"] == "fake" {
			found = g
		}
	}
	require.NotNil(t, found)
	coords := found["coordinates"].(bson.M)
	assert.Equal(t, 0.0, coords["distance_arcsec"])
}

func TestNearbyGalaxiesOutside(t *testing.T) {
	// a degree away from a small galaxy, well outside 3x its size
	store := &fakeFinder{results: map[string][]bson.M{
		DefaultGalaxyCatalog: {{
			"_id": 1, "name": "fake", "ra": 120.0, "dec": 35.0,
			"a": 0.01, "b2a": 0.5, "pa": 45.0,
		}},
	}}
	m, err := New(store, testXmatchConfig())
	require.NoError(t, err)

	matches := m.NearbyGalaxies(context.Background(), 121.0, 35.0)
	for _, g := range matches[DefaultGalaxyCatalog] {
		assert.NotEqual(t, "fake", g["name"])
	}
}

func TestNearbyGalaxiesM31(t *testing.T) {
	// M31 is matched even when the cone pre-selection returns nothing
	m, err := New(&fakeFinder{}, testXmatchConfig())
	require.NoError(t, err)

	matches := m.NearbyGalaxies(context.Background(), 10.6847, 41.26901)
	names := []interface{}{}
	for _, g := range matches[DefaultGalaxyCatalog] {
		names = append(names, g["name"])
	}
	assert.Contains(t, names, "PGC2557")
}

func TestNearbyGalaxiesStoreFailure(t *testing.T) {
	m, err := New(&fakeFinder{err: errors.New("timeout")}, testXmatchConfig())
	require.NoError(t, err)

	matches := m.NearbyGalaxies(context.Background(), 10.0, 20.0)
	assert.Empty(t, matches)
}

func TestInEllipse(t *testing.T) {
	for _, tt := range []struct {
		name              string
		alpha, delta      float64
		alpha1, delta1    float64
		d0, axisRatio, pa float64
		expected          bool
	}{
		{"center", 10, 0, 10, 0, 0.1, 0.5, 30, true},
		{"far away", 12, 0, 10, 0, 0.1, 0.5, 30, false},
		{"inside major axis", 10, 0.05, 10, 0, 0.1, 0.2, 0, true},
		{"outside minor axis", 10.05, 0, 10, 0, 0.1, 0.2, 0, false},
		{"rotated 90, now inside", 10.05, 0, 10, 0, 0.1, 0.2, 90, true},
		{"opposite hemisphere", 190, 0, 10, 0, 0.1, 0.5, 0, false},
		{"degenerate major axis", 10, 0, 10, 0, 0, 0.5, 0, false},
		{"degenerate axis ratio", 10, 0, 10, 0, 0.1, 0, 0, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := InEllipse(tt.alpha, tt.delta, tt.alpha1, tt.delta1, tt.d0, tt.axisRatio, tt.pa)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGreatCircleDistance(t *testing.T) {
	assert.InDelta(t, 1.0, GreatCircleDistance(10, 0, 11, 0), 1e-9)
	assert.InDelta(t, 90.0, GreatCircleDistance(0, 0, 0, 90), 1e-9)
	assert.InDelta(t, 0.0, GreatCircleDistance(42, -13, 42, -13), 1e-12)
}
