// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package skyportal

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
)

// MissingValue is the survey sentinel for absent photometric values.
// The portal interprets mag=99 as "not detected", not as a magnitude.
const MissingValue = 99

// filterNames maps survey filter ids to band names.
var filterNames = map[int]string{1: "g", 2: "r", 3: "i"}

// Photometry is the portal's parallel-array time series payload.
type Photometry struct {
	SourceID     string    `json:"source_id"`
	TimeFormat   string    `json:"time_format"`
	TimeScale    string    `json:"time_scale"`
	InstrumentID int       `json:"instrument_id"`
	ObservedAt   []float64 `json:"observed_at"`
	Mag          []float64 `json:"mag"`
	EMag         []float64 `json:"e_mag"`
	LimMag       []float64 `json:"lim_mag"`
	Filter       []string  `json:"filter"`
}

type photometryRow struct {
	jd     float64
	mag    float64
	eMag   float64
	limMag float64
	fid    int
}

// MakePhotometry merges the current observation with the prior ones
// into a single series: de-duplicated by Julian date (first occurrence
// wins), sorted ascending, missing values filled with the sentinel.
func MakePhotometry(a *alert.Alert, prv []alert.PrvCandidate) (*Photometry, error) {
	rows := make([]photometryRow, 0, len(prv)+1)

	cand := a.Candidate
	rows = append(rows, photometryRow{
		jd:     cand.JD,
		mag:    orMissing(cand.MagPSF),
		eMag:   orMissing(cand.SigmaPSF),
		limMag: orMissing(cand.DiffMagLim),
		fid:    cand.FID,
	})

	for _, p := range prv {
		jd, ok := p.Float("jd")
		if !ok {
			continue
		}
		fid, _ := p.Float("fid")
		rows = append(rows, photometryRow{
			jd:     jd,
			mag:    floatOrMissing(p, "magpsf"),
			eMag:   floatOrMissing(p, "sigmapsf"),
			limMag: floatOrMissing(p, "diffmaglim"),
			fid:    int(fid),
		})
	}

	seen := make(map[float64]struct{}, len(rows))
	dedup := rows[:0]
	for _, r := range rows {
		if _, dup := seen[r.jd]; dup {
			continue
		}
		seen[r.jd] = struct{}{}
		dedup = append(dedup, r)
	}
	sort.SliceStable(dedup, func(i, j int) bool { return dedup[i].jd < dedup[j].jd })

	phot := &Photometry{
		SourceID:     a.ObjectID,
		TimeFormat:   "jd",
		TimeScale:    "utc",
		InstrumentID: 1,
		ObservedAt:   make([]float64, 0, len(dedup)),
		Mag:          make([]float64, 0, len(dedup)),
		EMag:         make([]float64, 0, len(dedup)),
		LimMag:       make([]float64, 0, len(dedup)),
		Filter:       make([]string, 0, len(dedup)),
	}
	for _, r := range dedup {
		name, ok := filterNames[r.fid]
		if !ok {
			return nil, errors.Errorf("alert %d: unknown filter id %d", a.Candid, r.fid)
		}
		phot.ObservedAt = append(phot.ObservedAt, r.jd)
		phot.Mag = append(phot.Mag, r.mag)
		phot.EMag = append(phot.EMag, r.eMag)
		phot.LimMag = append(phot.LimMag, r.limMag)
		phot.Filter = append(phot.Filter, name)
	}
	return phot, nil
}

func orMissing(v *float64) float64 {
	if v == nil {
		return MissingValue
	}
	return *v
}

func floatOrMissing(p alert.PrvCandidate, key string) float64 {
	if v, ok := p.Float(key); ok {
		return v
	}
	return MissingValue
}
