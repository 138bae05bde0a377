// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package filter loads user-defined alert filters and evaluates them
// against just-ingested alerts. Filters are stored aggregation
// pipelines; they are executed by the store, never interpreted
// in-process, with disk use disabled and a hard time budget as the
// sandbox.
package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

// DefaultMaxTime bounds a single filter pipeline execution.
const DefaultMaxTime = 500 * time.Millisecond

// Store is the slice of the catalog gateway the evaluator needs.
type Store interface {
	Find(ctx context.Context, coll string, filter, projection bson.M) ([]bson.M, error)
	Aggregate(ctx context.Context, coll string, pipeline interface{}, timeBudget time.Duration) ([]bson.M, error)
}

// Template is one active user filter: the stored pipeline with the
// upstream prefix prepended, ready for per-alert candid rebinding.
type Template struct {
	ID               string
	ScienceProgramID int
	Catalog          string
	Created          time.Time
	Pipeline         []bson.D
}

// storedTemplate is the raw document shape in the filters collection;
// the pipeline travels as an extended-JSON string.
type storedTemplate struct {
	ID               interface{} `bson:"_id"`
	Catalog          string      `bson:"catalog"`
	ScienceProgramID int         `bson:"science_program_id"`
	Created          time.Time   `bson:"created"`
	Pipeline         string      `bson:"pipeline"`
}

// ParsePipeline decodes an extended-JSON array of aggregation stages.
func ParsePipeline(raw string) ([]bson.D, error) {
	// UnmarshalExtJSON wants a document at top level
	wrapped := fmt.Sprintf(`{"pipeline": %s}`, raw)
	var doc struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON([]byte(wrapped), false, &doc); err != nil {
		return nil, errors.Wrap(err, "unable to parse pipeline")
	}
	return doc.Pipeline, nil
}

// Load reads the filter templates for catalog, keeps the latest one per
// science program, parses each stored pipeline and prepends the
// upstream prefix (select current alert, drop cutouts, join aux data).
// A template that fails to parse is logged and skipped.
func Load(ctx context.Context, store Store, filtersColl, catalog, upstreamRaw string) ([]Template, error) {
	var upstream []bson.D
	if upstreamRaw != "" {
		var err error
		upstream, err = ParsePipeline(upstreamRaw)
		if err != nil {
			return nil, errors.Wrap(err, "invalid upstream pipeline")
		}
	}

	docs, err := store.Find(ctx, filtersColl, bson.M{"catalog": catalog}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load filter templates")
	}

	// latest per science_program_id
	latest := map[int]storedTemplate{}
	for _, raw := range docs {
		var st storedTemplate
		b, err := bson.Marshal(raw)
		if err == nil {
			err = bson.Unmarshal(b, &st)
		}
		if err != nil {
			log.Errorf("filter: skipping malformed template %v: %v", raw["_id"], err)
			continue
		}
		if cur, ok := latest[st.ScienceProgramID]; !ok || st.Created.After(cur.Created) {
			latest[st.ScienceProgramID] = st
		}
	}

	templates := make([]Template, 0, len(latest))
	for _, st := range latest {
		stages, err := ParsePipeline(st.Pipeline)
		if err != nil {
			log.Errorf("filter: skipping template %v: %v", st.ID, err)
			continue
		}
		pipeline := make([]bson.D, 0, len(upstream)+len(stages))
		pipeline = append(pipeline, upstream...)
		pipeline = append(pipeline, stages...)
		templates = append(templates, Template{
			ID:               idString(st.ID),
			ScienceProgramID: st.ScienceProgramID,
			Catalog:          st.Catalog,
			Created:          st.Created,
			Pipeline:         pipeline,
		})
	}

	log.Infof("filter: loaded %d active template(s) for %s", len(templates), catalog)
	return templates, nil
}

// Evaluator runs the loaded templates against alerts. Templates are
// read-only after construction.
type Evaluator struct {
	store     Store
	catalog   string
	templates []Template
	maxTime   time.Duration
}

// NewEvaluator builds an evaluator over the primary-alert collection.
func NewEvaluator(store Store, catalog string, templates []Template, maxTime time.Duration) *Evaluator {
	if maxTime <= 0 {
		maxTime = DefaultMaxTime
	}
	return &Evaluator{store: store, catalog: catalog, templates: templates, maxTime: maxTime}
}

// Evaluate runs every template against the alert with the given candid
// and returns, per passing filter id, the first pipeline result. A
// filter that errors or exceeds its time budget is logged and skipped;
// it never affects the others.
func (e *Evaluator) Evaluate(ctx context.Context, candid int64) map[string]bson.M {
	passed := map[string]bson.M{}
	for _, tmpl := range e.templates {
		pipeline, err := bindCandid(tmpl.Pipeline, candid)
		if err != nil {
			log.Errorf("filter: %s is malformed: %v", tmpl.ID, err)
			continue
		}
		results, err := e.store.Aggregate(ctx, e.catalog, pipeline, e.maxTime)
		if err != nil {
			log.Errorf("filter: %s execution failed on alert %d: %v", tmpl.ID, candid, err)
			continue
		}
		if len(results) > 0 {
			log.Infof("filter: alert %d passed filter %s", candid, tmpl.ID)
			passed[tmpl.ID] = results[0]
		}
	}
	return passed
}

// Templates returns the active templates, for status reporting.
func (e *Evaluator) Templates() []Template {
	return e.templates
}

// bindCandid clones the pipeline with the candid field of the leading
// $match stage bound to the alert. The first stage is always a $match
// by construction of the upstream prefix.
func bindCandid(pipeline []bson.D, candid int64) ([]bson.D, error) {
	if len(pipeline) == 0 {
		return nil, errors.New("empty pipeline")
	}

	match, ok := lookupD(pipeline[0], "$match")
	if !ok {
		return nil, errors.New("first stage is not $match")
	}

	bound := bson.D{}
	replaced := false
	for _, e := range match {
		if e.Key == "candid" {
			bound = append(bound, bson.E{Key: "candid", Value: candid})
			replaced = true
			continue
		}
		bound = append(bound, e)
	}
	if !replaced {
		bound = append(bound, bson.E{Key: "candid", Value: candid})
	}

	out := make([]bson.D, len(pipeline))
	copy(out, pipeline)
	out[0] = bson.D{{Key: "$match", Value: bound}}
	return out, nil
}

func lookupD(stage bson.D, key string) (bson.D, bool) {
	for _, e := range stage {
		if e.Key != key {
			continue
		}
		switch v := e.Value.(type) {
		case bson.D:
			return v, true
		case bson.M:
			d := bson.D{}
			for k, val := range v {
				d = append(d, bson.E{Key: k, Value: val})
			}
			return d, true
		}
	}
	return nil, false
}

func idString(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprint(v)
	}
}
