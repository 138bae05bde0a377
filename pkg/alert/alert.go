// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package alert holds the survey alert model and its normalization into
// document-store form. Alert packets are schemaless on the wire; the
// fields the pipeline reads are typed, everything else is carried in a
// side map so persisted documents preserve the full payload.
package alert

import (
	"encoding/json"
)

// Cutout is one gzip-compressed FITS image stamp.
type Cutout struct {
	FileName  string `bson:"fileName" json:"fileName"`
	StampData []byte `bson:"stampData" json:"stampData"`
}

// Candidate is the current-observation sub-record of an alert.
type Candidate struct {
	JD         float64  `bson:"jd"`
	FID        int      `bson:"fid"`
	RA         float64  `bson:"ra"`
	Dec        float64  `bson:"dec"`
	MagPSF     *float64 `bson:"magpsf,omitempty"`
	SigmaPSF   *float64 `bson:"sigmapsf,omitempty"`
	DiffMagLim *float64 `bson:"diffmaglim,omitempty"`
	RB         *float64 `bson:"rb,omitempty"`
	DRB        *float64 `bson:"drb,omitempty"`
	ProgramPI  string   `bson:"programpi,omitempty"`

	Extra map[string]interface{} `bson:",inline" json:"-"`
}

// Score returns the deep-learning real/bogus score when available,
// falling back to the classic one.
func (c *Candidate) Score() float64 {
	if c.DRB != nil {
		return *c.DRB
	}
	if c.RB != nil {
		return *c.RB
	}
	return 0
}

// MarshalJSON flattens the typed fields and the pass-through extras into
// a single object, mirroring the BSON inline layout.
func (c Candidate) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(c.Extra)+10)
	for k, v := range c.Extra {
		m[k] = v
	}
	m["jd"] = c.JD
	m["fid"] = c.FID
	m["ra"] = c.RA
	m["dec"] = c.Dec
	if c.MagPSF != nil {
		m["magpsf"] = *c.MagPSF
	}
	if c.SigmaPSF != nil {
		m["sigmapsf"] = *c.SigmaPSF
	}
	if c.DiffMagLim != nil {
		m["diffmaglim"] = *c.DiffMagLim
	}
	if c.RB != nil {
		m["rb"] = *c.RB
	}
	if c.DRB != nil {
		m["drb"] = *c.DRB
	}
	if c.ProgramPI != "" {
		m["programpi"] = c.ProgramPI
	}
	return json.Marshal(m)
}

// PrvCandidate is a prior observation of the same object. It stays
// schemaless: the pipeline only reads a handful of keys and must write
// back whatever the survey sent.
type PrvCandidate map[string]interface{}

// Candid returns the observation id of the prior candidate, 0 when absent.
func (p PrvCandidate) Candid() int64 {
	switch v := p["candid"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Float returns the named numeric field, ok=false when absent or null.
func (p PrvCandidate) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// StripNulls returns a copy without null-valued keys. Prior candidates
// are stored null-stripped to save space.
func (p PrvCandidate) StripNulls() PrvCandidate {
	out := make(PrvCandidate, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// GeoJSON is a 2d-sphere-indexable point.
type GeoJSON struct {
	Type        string     `bson:"type" json:"type"`
	Coordinates [2]float64 `bson:"coordinates" json:"coordinates"`
}

// Coordinates are derived at normalization time.
type Coordinates struct {
	RadecStr     [2]string `bson:"radec_str" json:"radec_str"`
	RadecGeoJSON GeoJSON   `bson:"radec_geojson" json:"radec_geojson"`
	L            float64   `bson:"l" json:"l"`
	B            float64   `bson:"b" json:"b"`
}

// Alert is a decoded survey alert. The same struct doubles as the
// primary document once normalized (coordinates and classifications
// attached, prv_candidates stripped).
type Alert struct {
	Candid    int64     `bson:"candid"`
	ObjectID  string    `bson:"objectId"`
	Candidate Candidate `bson:"candidate"`

	PrvCandidates []PrvCandidate `bson:"prv_candidates,omitempty"`

	CutoutScience    *Cutout `bson:"cutoutScience,omitempty"`
	CutoutTemplate   *Cutout `bson:"cutoutTemplate,omitempty"`
	CutoutDifference *Cutout `bson:"cutoutDifference,omitempty"`

	Classifications map[string]interface{} `bson:"classifications,omitempty"`
	Coordinates     *Coordinates           `bson:"coordinates,omitempty"`

	// CrossMatches is only populated on enriched copies written to the
	// TESS dump; the persisted primary document never carries it.
	CrossMatches map[string]interface{} `bson:"cross_matches,omitempty"`

	Extra map[string]interface{} `bson:",inline" json:"-"`
}

// Cutout returns the stamp of the given type (Science, Template,
// Difference), nil when absent.
func (a *Alert) Cutout(stampType string) *Cutout {
	switch stampType {
	case "Science":
		return a.CutoutScience
	case "Template":
		return a.CutoutTemplate
	case "Difference":
		return a.CutoutDifference
	}
	return nil
}

// MarshalJSON flattens typed fields and extras, as for Candidate.
func (a Alert) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(a.Extra)+10)
	for k, v := range a.Extra {
		m[k] = v
	}
	m["candid"] = a.Candid
	m["objectId"] = a.ObjectID
	m["candidate"] = a.Candidate
	if a.PrvCandidates != nil {
		m["prv_candidates"] = a.PrvCandidates
	}
	if a.CutoutScience != nil {
		m["cutoutScience"] = a.CutoutScience
	}
	if a.CutoutTemplate != nil {
		m["cutoutTemplate"] = a.CutoutTemplate
	}
	if a.CutoutDifference != nil {
		m["cutoutDifference"] = a.CutoutDifference
	}
	if a.Classifications != nil {
		m["classifications"] = a.Classifications
	}
	if a.Coordinates != nil {
		m["coordinates"] = a.Coordinates
	}
	if a.CrossMatches != nil {
		m["cross_matches"] = a.CrossMatches
	}
	return json.Marshal(m)
}
