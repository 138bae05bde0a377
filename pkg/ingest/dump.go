// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ingest

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SaveRawPacket writes the raw broker message bytes to
// <root>/<datestr>/<candid>.avro, creating directories as needed.
func SaveRawPacket(root, datestr string, candid int64, raw []byte) error {
	dir := filepath.Join(root, datestr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create %s", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.avro", candid))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "unable to write %s", path)
	}
	return nil
}

// WriteTessDump writes an enriched alert as JSON to
// <root>/<datestr>/<candid>.json.
func WriteTessDump(root, datestr string, a *alert.Alert) error {
	dir := filepath.Join(root, datestr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create %s", dir)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return errors.Wrapf(err, "unable to encode alert %d", a.Candid)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", a.Candid))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return errors.Wrapf(err, "unable to write %s", path)
	}
	return nil
}
