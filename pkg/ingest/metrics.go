// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tlmIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertwatcher_alerts_ingested_total",
		Help: "Alerts ingested into the primary collection.",
	}, []string{"topic"})

	tlmDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertwatcher_alerts_duplicate_total",
		Help: "Alerts skipped because their candid was already ingested.",
	}, []string{"topic"})

	tlmDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertwatcher_decode_errors_total",
		Help: "Broker messages that failed Avro decoding.",
	}, []string{"topic"})

	tlmAlertErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertwatcher_alert_errors_total",
		Help: "Alerts aborted by a per-alert processing failure.",
	}, []string{"topic"})

	tlmFiltersPassed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertwatcher_filters_passed_total",
		Help: "User filter passes across all ingested alerts.",
	}, []string{"topic"})

	tlmPostErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertwatcher_portal_post_errors_total",
		Help: "Failed posts to the follow-up portal.",
	}, []string{"topic"})

	tlmWorkersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertwatcher_workers_alive",
		Help: "Topic workers currently on watch.",
	})
)
