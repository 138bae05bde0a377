// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package alert

import (
	"bytes"
	"strings"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// DecodeOCF decodes a self-describing Avro container (OCF) message into
// alerts. A single broker message may carry several records under a
// shared schema.
func DecodeOCF(value []byte) ([]*Alert, error) {
	r, err := goavro.NewOCFReader(bytes.NewReader(value))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open avro container")
	}

	var alerts []*Alert
	for r.Scan() {
		native, err := r.Read()
		if err != nil {
			return nil, errors.Wrap(err, "unable to decode avro record")
		}
		rec, ok := unwrap(native).(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("unexpected avro record type %T", native)
		}
		alerts = append(alerts, FromNative(rec))
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "avro container read failed")
	}
	return alerts, nil
}

// FromNative maps a goavro native record onto an Alert, collecting keys
// the pipeline does not know about into the side map.
func FromNative(rec map[string]interface{}) *Alert {
	a := &Alert{Extra: map[string]interface{}{}}
	for k, v := range rec {
		v = unwrap(v)
		switch k {
		case "candid":
			a.Candid = asInt64(v)
		case "objectId":
			a.ObjectID, _ = v.(string)
		case "candidate":
			if m, ok := v.(map[string]interface{}); ok {
				a.Candidate = candidateFromNative(m)
			}
		case "prv_candidates":
			if l, ok := v.([]interface{}); ok {
				a.PrvCandidates = make([]PrvCandidate, 0, len(l))
				for _, el := range l {
					if m, ok := unwrap(el).(map[string]interface{}); ok {
						a.PrvCandidates = append(a.PrvCandidates, prvFromNative(m))
					}
				}
			}
		case "cutoutScience":
			a.CutoutScience = cutoutFromNative(v)
		case "cutoutTemplate":
			a.CutoutTemplate = cutoutFromNative(v)
		case "cutoutDifference":
			a.CutoutDifference = cutoutFromNative(v)
		default:
			a.Extra[k] = v
		}
	}
	return a
}

func candidateFromNative(m map[string]interface{}) Candidate {
	c := Candidate{Extra: map[string]interface{}{}}
	for k, v := range m {
		v = unwrap(v)
		switch k {
		case "jd":
			c.JD = asFloat(v)
		case "fid":
			c.FID = int(asInt64(v))
		case "ra":
			c.RA = asFloat(v)
		case "dec":
			c.Dec = asFloat(v)
		case "magpsf":
			c.MagPSF = asFloatPtr(v)
		case "sigmapsf":
			c.SigmaPSF = asFloatPtr(v)
		case "diffmaglim":
			c.DiffMagLim = asFloatPtr(v)
		case "rb":
			c.RB = asFloatPtr(v)
		case "drb":
			c.DRB = asFloatPtr(v)
		case "programpi":
			c.ProgramPI, _ = v.(string)
		default:
			c.Extra[k] = v
		}
	}
	return c
}

func prvFromNative(m map[string]interface{}) PrvCandidate {
	p := make(PrvCandidate, len(m))
	for k, v := range m {
		p[k] = unwrap(v)
	}
	return p
}

func cutoutFromNative(v interface{}) *Cutout {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	c := &Cutout{}
	if s, ok := unwrap(m["fileName"]).(string); ok {
		c.FileName = s
	}
	if b, ok := unwrap(m["stampData"]).([]byte); ok {
		c.StampData = b
	}
	return c
}

// avro union branch names produced by goavro for the survey schema
var unionKeys = map[string]struct{}{
	"null": {}, "boolean": {}, "int": {}, "long": {},
	"float": {}, "double": {}, "bytes": {}, "string": {},
	"array": {}, "map": {},
}

// unwrap strips goavro's single-key union wrapping, recursively for the
// wrapped value. Record names inside unions are namespaced (dotted).
func unwrap(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return v
	}
	for k, inner := range m {
		if _, known := unionKeys[k]; known || strings.Contains(k, ".") {
			return unwrap(inner)
		}
	}
	return v
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

func asFloatPtr(v interface{}) *float64 {
	if v == nil {
		return nil
	}
	f := asFloat(v)
	return &f
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}
