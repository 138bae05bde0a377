// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package skyportal posts ingested alert content to the follow-up
// portal: a thin metadata record, the merged photometry time series and
// the three cutout thumbnails. Delivery is at-least-once; individual
// failures are logged and never roll back ingestion.
package skyportal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
	"github.com/ztf-alerts/alertwatcher/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to the portal API with a bearer token. Requests carry
// short timeouts; the pipeline never waits long on the portal.
type Client struct {
	baseURL         string
	token           string
	sourcesEndpoint string
	http            *http.Client
}

// New builds a client from configuration.
func New(cfg config.SkyPortal) *Client {
	return &Client{
		baseURL:         fmt.Sprintf("%s://%s:%d", cfg.Protocol, cfg.Host, cfg.Port),
		token:           cfg.Token,
		sourcesEndpoint: cfg.SourcesEndpoint,
		http:            &http.Client{Timeout: 2 * time.Second},
	}
}

// Metadata is the thin per-alert record posted first.
type Metadata struct {
	ID    string  `json:"id"`
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Score float64 `json:"score"`
}

// PostMetadata posts the thin metadata record. The target endpoint is
// configurable: "sources" (legacy) or "candidates".
func (c *Client) PostMetadata(ctx context.Context, a *alert.Alert) error {
	body := Metadata{
		ID:    a.ObjectID,
		RA:    a.Candidate.RA,
		Dec:   a.Candidate.Dec,
		Score: a.Candidate.Score(),
	}
	return c.post(ctx, "/api/"+c.sourcesEndpoint, body)
}

// PostPhotometry merges the alert with its prior observations and posts
// the resulting time series.
func (c *Client) PostPhotometry(ctx context.Context, a *alert.Alert, prv []alert.PrvCandidate) error {
	phot, err := MakePhotometry(a, prv)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/photometry", phot)
}

// PostThumbnails renders and posts the three cutout thumbnails. Each
// failure is returned immediately; the caller logs and moves on.
func (c *Client) PostThumbnails(ctx context.Context, a *alert.Alert) error {
	for _, pair := range [][2]string{{"new", "Science"}, {"ref", "Template"}, {"sub", "Difference"}} {
		thumb, err := MakeThumbnail(a, pair[0], pair[1])
		if err != nil {
			return errors.Wrapf(err, "unable to render %s thumbnail for %d", pair[1], a.Candid)
		}
		if err := c.post(ctx, "/api/thumbnail", thumb); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "unable to encode portal payload")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s failed", path)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return errors.Errorf("POST %s returned %s", path, resp.Status)
	}
	return nil
}
