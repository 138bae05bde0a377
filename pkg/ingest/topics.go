// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ingest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// topicBlocklist excludes streams ingested separately.
var topicBlocklist = []string{"zuds"}

// SelectTopics returns the nightly topics to watch, sorted: those
// carrying the observing datestr and a programid suffix, minus the
// blocklist. Naming convention is <survey>_<YYYYMMDD>_programid<N>.
func SelectTopics(topics []string, datestr string) []string {
	var selected []string
	for _, t := range topics {
		if !strings.Contains(t, datestr) || !strings.Contains(t, "programid") {
			continue
		}
		blocked := false
		for _, b := range topicBlocklist {
			if strings.Contains(t, b) {
				blocked = true
				break
			}
		}
		if !blocked {
			selected = append(selected, t)
		}
	}
	sort.Strings(selected)
	return selected
}

// GroupID derives a unique consumer group id so a restarted worker
// never resumes prior offsets.
func GroupID(base string, now time.Time) string {
	return fmt.Sprintf("%s_%s", base, now.UTC().Format("2006-01-02_15:04:05.000000"))
}

// Datestr returns the observing date string: obsDate when given,
// otherwise today in UTC.
func Datestr(obsDate string, now time.Time) string {
	if obsDate != "" {
		return obsDate
	}
	return now.UTC().Format("20060102")
}
