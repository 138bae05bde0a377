// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ml

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
	"github.com/ztf-alerts/alertwatcher/pkg/config"
)

type fakeModel struct {
	name    string
	version string
	score   float64
	err     error
}

func (m *fakeModel) Name() string    { return m.name }
func (m *fakeModel) Version() string { return m.version }
func (m *fakeModel) Predict(context.Context, *Triplet) (float64, error) {
	return m.score, m.err
}

func TestScore(t *testing.T) {
	scorer := NewScorer([]Model{
		&fakeModel{name: "braai", version: "d6_m9", score: 0.97},
		&fakeModel{name: "acai_h", version: "d1_dnn", err: errors.New("serving down")},
	})

	a := tripletAlert(t, []float32{1, 2, 3, 4})
	scores := scorer.Score(context.Background(), a)

	// the failing model is omitted, the other still reports
	assert.Equal(t, map[string]interface{}{
		"braai":         0.97,
		"braai_version": "d6_m9",
	}, scores)
}

func TestScoreNoModels(t *testing.T) {
	// no triplet is built when nothing would consume it
	scores := NewScorer(nil).Score(context.Background(), &alert.Alert{Candid: 9})
	assert.Empty(t, scores)
}

func TestScoreBadCutouts(t *testing.T) {
	scorer := NewScorer([]Model{&fakeModel{name: "braai", score: 0.5}})
	scores := scorer.Score(context.Background(), &alert.Alert{Candid: 9})
	assert.Empty(t, scores)
}

func TestLoadModels(t *testing.T) {
	models := LoadModels(map[string]config.MLModel{
		"braai":  {Version: "d6_m9", URL: "http://models:8001/v1/models/braai:predict"},
		"broken": {Version: "v1"},
	})

	require.Len(t, models, 1)
	assert.Equal(t, "braai", models[0].Name())
	assert.Equal(t, "d6_m9", models[0].Version())
}

func TestServingModelPredict(t *testing.T) {
	var gotInstances int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotInstances = len(req.Instances)
		w.Write([]byte(`{"predictions": [[0.42]]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	m := &servingModel{
		name: "braai", version: "d6_m9", url: srv.URL,
		client: &http.Client{Timeout: time.Second},
	}
	score, err := m.Predict(context.Background(), &Triplet{})
	require.NoError(t, err)
	assert.Equal(t, 0.42, score)
	assert.Equal(t, 1, gotInstances)
}

func TestServingModelPredictErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		body string
		code int
	}{
		{"server error", "boom", http.StatusInternalServerError},
		{"empty predictions", `{"predictions": []}`, http.StatusOK},
		{"not json", "{", http.StatusOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			m := &servingModel{name: "braai", url: srv.URL, client: &http.Client{Timeout: time.Second}}
			_, err := m.Predict(context.Background(), &Triplet{})
			assert.Error(t, err)
		})
	}
}
