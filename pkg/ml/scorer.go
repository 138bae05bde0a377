// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ml

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Model runs inference on a cutout triplet. The runtime behind it is
// external; per-model failures never abort the alert.
type Model interface {
	Name() string
	Version() string
	Predict(ctx context.Context, t *Triplet) (float64, error)
}

// Scorer applies every loaded model to an alert.
type Scorer struct {
	models []Model
}

// NewScorer wraps the given models.
func NewScorer(models []Model) *Scorer {
	return &Scorer{models: models}
}

// Score builds the triplet once and runs every model on it. The result
// maps model name to score plus "<name>_version" to the pinned version
// string. A failing model is logged and omitted; the others continue.
func (s *Scorer) Score(ctx context.Context, a *alert.Alert) map[string]interface{} {
	scores := map[string]interface{}{}
	if len(s.models) == 0 {
		return scores
	}

	triplet, err := MakeTriplet(a)
	if err != nil {
		log.Errorf("ml: unable to build triplet for %d: %v", a.Candid, err)
		return scores
	}

	for _, m := range s.models {
		score, err := m.Predict(ctx, triplet)
		if err != nil {
			log.Errorf("ml: model %s failed on %d: %v", m.Name(), a.Candid, err)
			continue
		}
		scores[m.Name()] = score
		scores[m.Name()+"_version"] = m.Version()
	}
	return scores
}

// LoadModels builds a model per configuration entry. A model that
// cannot be loaded is logged and skipped, the others are returned.
func LoadModels(cfgs map[string]config.MLModel) []Model {
	models := make([]Model, 0, len(cfgs))
	for name, cfg := range cfgs {
		if cfg.URL == "" {
			log.Errorf("ml: unable to load model %s: no serving URL configured", name)
			continue
		}
		models = append(models, &servingModel{
			name:    name,
			version: cfg.Version,
			url:     cfg.URL,
			client:  &http.Client{Timeout: 2 * time.Second},
		})
		log.Infof("ml: loaded model %s (%s)", name, cfg.Version)
	}
	return models
}

// servingModel posts the triplet to a model-serving endpoint as a
// single-example batch and reads back the scalar score.
type servingModel struct {
	name    string
	version string
	url     string
	client  *http.Client
}

func (m *servingModel) Name() string    { return m.name }
func (m *servingModel) Version() string { return m.version }

type predictRequest struct {
	Instances [][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

func (m *servingModel) Predict(ctx context.Context, t *Triplet) (float64, error) {
	body, err := json.Marshal(predictRequest{Instances: [][]float32{t.Flatten()}})
	if err != nil {
		return 0, errors.Wrap(err, "unable to encode predict request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "predict request to %s failed", m.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("predict request to %s returned %s", m.url, resp.Status)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errors.Wrap(err, "unable to decode predict response")
	}
	if len(out.Predictions) == 0 || len(out.Predictions[0]) == 0 {
		return 0, errors.New("empty predict response")
	}
	return out.Predictions[0][0], nil
}
