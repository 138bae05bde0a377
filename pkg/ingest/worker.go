// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package ingest holds the per-topic ingestion worker and the
// supervisor that keeps one worker alive per nightly topic.
package ingest

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/atomic"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
	"github.com/ztf-alerts/alertwatcher/pkg/catalog"
	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/filter"
	"github.com/ztf-alerts/alertwatcher/pkg/ml"
	"github.com/ztf-alerts/alertwatcher/pkg/skyportal"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
	"github.com/ztf-alerts/alertwatcher/pkg/xmatch"
)

// pollTimeout bounds a single broker poll; an empty poll is "no
// message", not an error.
const pollTimeout = 10 * time.Second

// Store is what the worker needs from the catalog gateway.
type Store interface {
	Exists(ctx context.Context, coll string, filter bson.M) (bool, error)
	InsertOne(ctx context.Context, coll string, doc interface{}) error
	UpsertAppendToSet(ctx context.Context, coll string, id interface{}, field string, items interface{}) error
	FindOne(ctx context.Context, coll string, filter, projection bson.M, out interface{}) error
	Close(ctx context.Context) error
}

// Xmatcher is the cross-match surface the worker drives.
type Xmatcher interface {
	Catalogs(ctx context.Context, ra, dec float64) map[string][]bson.M
	NearbyGalaxies(ctx context.Context, ra, dec float64) map[string][]bson.M
	GalaxyCatalog() string
}

// Scorer runs the ML models over an alert.
type Scorer interface {
	Score(ctx context.Context, a *alert.Alert) map[string]interface{}
}

// Evaluator runs the user filters against an ingested alert.
type Evaluator interface {
	Evaluate(ctx context.Context, candid int64) map[string]bson.M
}

// Poster forwards alert content to the follow-up portal.
type Poster interface {
	PostMetadata(ctx context.Context, a *alert.Alert) error
	PostPhotometry(ctx context.Context, a *alert.Alert, prv []alert.PrvCandidate) error
	PostThumbnails(ctx context.Context, a *alert.Alert) error
}

// Worker owns the broker consumer for one topic and applies the full
// per-alert pipeline. It exits once every assigned partition is
// exhausted so the supervisor can restart it under a fresh group id.
type Worker struct {
	topic   string
	datestr string
	groupID string

	collAlerts string
	collAux    string

	client consumer
	store  Store

	matcher Xmatcher
	scorer  Scorer
	eval    Evaluator
	poster  Poster

	postPassedOnly bool
	savePackets    bool
	pathAlerts     string
	pathTess       string

	// seen is a fast-path dedupe over the store lookup; the store
	// remains the source of truth.
	seen *cache.Cache

	numPartitions int
	ends          map[int32]int64
	endedParts    map[int32]bool
	disconnected  map[int32]bool

	ingested *atomic.Int64
	done     chan struct{}
}

// consumer is the slice of the broker client the poll loop uses.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// WorkerConfig carries everything needed to build a worker.
type WorkerConfig struct {
	Cfg         *config.Config
	Topic       string
	GroupID     string
	Datestr     string
	SavePackets bool
	Test        bool
}

// NewWorker builds a fully wired worker: broker consumer subscribed
// from the earliest offset of every partition, catalog connection with
// index builds, model registry and filter templates. Store connection
// failure is fatal; the supervisor will respawn.
func NewWorker(ctx context.Context, wc WorkerConfig) (*Worker, error) {
	cfg := wc.Cfg

	seeds := strings.Split(cfg.Kafka.Servers(wc.Test), ",")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.ConsumeTopics(wc.Topic),
		kgo.ConsumerGroup(wc.GroupID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build consumer for %s", wc.Topic)
	}

	adm := kadm.NewClient(client)
	startOffsets, err := adm.ListStartOffsets(ctx, wc.Topic)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "unable to list start offsets for %s", wc.Topic)
	}
	endOffsets, err := adm.ListEndOffsets(ctx, wc.Topic)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "unable to list end offsets for %s", wc.Topic)
	}

	ends := map[int32]int64{}
	ended := map[int32]bool{}
	for partition, o := range endOffsets[wc.Topic] {
		ends[partition] = o.Offset
		start := int64(0)
		if s, ok := startOffsets[wc.Topic][partition]; ok {
			start = s.Offset
		}
		// nothing to consume on an empty partition
		ended[partition] = start >= o.Offset
	}
	log.Infof("%s: assigned %d partition(s), consuming from the beginning", wc.Topic, len(ends))

	store, err := catalog.Connect(ctx, cfg.Database)
	if err != nil {
		client.Close()
		return nil, err
	}

	cleanup := func() {
		client.Close()
		if cerr := store.Close(ctx); cerr != nil {
			log.Errorf("%s: unable to close store: %v", wc.Topic, cerr)
		}
	}

	if defs, ok := cfg.Indexes[cfg.Database.CollectionAlerts]; ok {
		if err := store.EnsureIndexes(ctx, cfg.Database.CollectionAlerts, defs); err != nil {
			cleanup()
			return nil, err
		}
	}

	matcher, err := xmatch.New(store, cfg.Xmatch)
	if err != nil {
		cleanup()
		return nil, err
	}

	templates, err := filter.Load(ctx, store,
		cfg.Database.CollectionFilters,
		cfg.Database.CollectionAlerts,
		cfg.Filters.UpstreamFor(cfg.Database.CollectionAlerts))
	if err != nil {
		cleanup()
		return nil, err
	}

	w := &Worker{
		topic:          wc.Topic,
		datestr:        wc.Datestr,
		groupID:        wc.GroupID,
		collAlerts:     cfg.Database.CollectionAlerts,
		collAux:        cfg.Database.CollectionAlertsAux,
		client:         client,
		store:          store,
		matcher:        matcher,
		scorer:         ml.NewScorer(ml.LoadModels(cfg.MLModels)),
		eval: filter.NewEvaluator(store, cfg.Database.CollectionAlerts, templates,
			time.Duration(cfg.Filters.MaxTimeMS)*time.Millisecond),
		postPassedOnly: cfg.Misc.PostPassedFiltersOnly,
		savePackets:    wc.SavePackets,
		pathAlerts:     cfg.Path.PathAlerts,
		pathTess:       cfg.Path.PathTess,
		seen:           cache.New(24*time.Hour, time.Hour),
		numPartitions:  len(ends),
		ends:           ends,
		endedParts:     ended,
		disconnected:   map[int32]bool{},
		ingested:       atomic.NewInt64(0),
		done:           make(chan struct{}),
	}
	if cfg.Misc.PostToSkyPortal {
		w.poster = skyportal.New(cfg.SkyPortal)
	}
	return w, nil
}

// Done is closed when the worker has exited and released its resources.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the worker is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Run drives the poll loop until the topic is exhausted, the broker
// becomes unusable or ctx is canceled. Resources are released on every
// path.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.client.Close()
		var errs *multierror.Error
		errs = multierror.Append(errs, w.store.Close(context.Background()))
		if err := errs.ErrorOrNil(); err != nil {
			log.Errorf("%s: shutdown: %v", w.topic, err)
		}
		log.Infof("%s: worker exited after %d alert(s)", w.topic, w.ingested.Load())
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if w.allPartitionsEnded() {
			log.Infof("%s: all %d partition(s) exhausted, exiting for restart", w.topic, w.numPartitions)
			return
		}

		pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
		fetches := w.client.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			return
		}
		fatal := false
		for _, fe := range fetches.Errors() {
			switch {
			case stderrors.Is(fe.Err, context.DeadlineExceeded):
				log.Debugf("%s: no message", w.topic)
			case stderrors.Is(fe.Err, context.Canceled):
				fatal = true
			default:
				// treat like a partition disconnect; when every
				// partition is gone, exit for a clean restart
				w.disconnected[fe.Partition] = true
				log.Errorf("%s[%d]: fetch error: %v (disconnected %d/%d)",
					fe.Topic, fe.Partition, fe.Err, len(w.disconnected), w.numPartitions)
				if len(w.disconnected) >= w.numPartitions {
					fatal = true
				}
			}
		}
		if fatal {
			return
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			w.processMessage(ctx, rec.Value)
			w.markProgress(rec.Partition, rec.Offset)
		})
	}
}

func (w *Worker) markProgress(partition int32, offset int64) {
	if end, ok := w.ends[partition]; ok && offset+1 >= end {
		w.endedParts[partition] = true
	}
}

func (w *Worker) allPartitionsEnded() bool {
	if w.numPartitions == 0 {
		return false
	}
	for _, ended := range w.endedParts {
		if !ended {
			return false
		}
	}
	return true
}

// processMessage decodes one broker message (possibly several records
// under a shared schema) and ingests each record. Decode failures are
// logged and skipped.
func (w *Worker) processMessage(ctx context.Context, value []byte) {
	alerts, err := alert.DecodeOCF(value)
	if err != nil {
		tlmDecodeErrors.WithLabelValues(w.topic).Inc()
		log.Errorf("%s: undecodable message: %v", w.topic, err)
		return
	}
	for _, a := range alerts {
		w.ingestAlert(ctx, value, a)
	}
}

// ingestAlert is the per-alert atomic unit: any failure inside aborts
// this alert only.
func (w *Worker) ingestAlert(ctx context.Context, raw []byte, a *alert.Alert) {
	defer func() {
		if r := recover(); r != nil {
			tlmAlertErrors.WithLabelValues(w.topic).Inc()
			log.Errorf("%s: panic while ingesting %d: %v", w.topic, a.Candid, r)
		}
	}()

	log.Infof("%s %s %d", w.topic, a.ObjectID, a.Candid)

	candidKey := strconv.FormatInt(a.Candid, 10)
	if _, hit := w.seen.Get(candidKey); hit {
		tlmDuplicates.WithLabelValues(w.topic).Inc()
		return
	}
	exists, err := w.store.Exists(ctx, w.collAlerts, bson.M{"candid": a.Candid})
	if err != nil {
		tlmAlertErrors.WithLabelValues(w.topic).Inc()
		log.Errorf("%s: dedupe lookup for %d failed: %v", w.topic, a.Candid, err)
		return
	}
	if exists {
		w.seen.SetDefault(candidKey, struct{}{})
		tlmDuplicates.WithLabelValues(w.topic).Inc()
		return
	}

	if w.savePackets {
		if err := SaveRawPacket(w.pathAlerts, w.datestr, a.Candid, raw); err != nil {
			log.Errorf("%s: unable to save packet %d: %v", w.topic, a.Candid, err)
		}
	}

	doc, prv, err := alert.Normalize(a)
	if err != nil {
		tlmAlertErrors.WithLabelValues(w.topic).Inc()
		log.Errorf("%s: %v", w.topic, err)
		return
	}

	doc.Classifications = w.scorer.Score(ctx, a)

	log.Infof("%s: ingesting %d", w.topic, a.Candid)
	if err := w.store.InsertOne(ctx, w.collAlerts, doc); err != nil {
		// leave the dedupe cache alone so a redelivery can retry
		log.Errorf("%s: unable to insert %d: %v", w.topic, a.Candid, err)
	} else {
		w.ingested.Inc()
		tlmIngested.WithLabelValues(w.topic).Inc()
		w.seen.SetDefault(candidKey, struct{}{})
	}

	stripped := make([]alert.PrvCandidate, len(prv))
	for i, p := range prv {
		stripped[i] = p.StripNulls()
	}

	w.maintainAux(ctx, doc, stripped)

	if strings.Contains(a.Candidate.ProgramPI, "TESS") && w.savePackets {
		w.dumpTess(ctx, doc, stripped)
	}

	passed := w.eval.Evaluate(ctx, a.Candid)
	if n := len(passed); n > 0 {
		tlmFiltersPassed.WithLabelValues(w.topic).Add(float64(n))
	}

	if w.poster != nil && (!w.postPassedOnly || len(passed) > 0) {
		w.postDownstream(ctx, doc, stripped)
	}
}

// maintainAux keeps the per-object auxiliary document: created with
// both cross-matches on first sight of the object, otherwise the prior
// candidates are appended with set semantics so reprocessing never
// duplicates them.
func (w *Worker) maintainAux(ctx context.Context, doc *alert.Alert, prv []alert.PrvCandidate) {
	hasAux, err := w.store.Exists(ctx, w.collAux, bson.M{"_id": doc.ObjectID})
	if err != nil {
		log.Errorf("%s: aux lookup for %s failed: %v", w.topic, doc.ObjectID, err)
		return
	}

	if !hasAux {
		matches := w.matcher.Catalogs(ctx, doc.Candidate.RA, doc.Candidate.Dec)
		for name, galaxies := range w.matcher.NearbyGalaxies(ctx, doc.Candidate.RA, doc.Candidate.Dec) {
			matches[name] = galaxies
		}
		aux := bson.M{
			"_id":            doc.ObjectID,
			"cross_matches":  matches,
			"prv_candidates": prv,
		}
		if err := w.store.InsertOne(ctx, w.collAux, aux); err != nil {
			log.Errorf("%s: unable to insert aux for %s: %v", w.topic, doc.ObjectID, err)
		}
		return
	}

	if err := w.store.UpsertAppendToSet(ctx, w.collAux, doc.ObjectID, "prv_candidates", prv); err != nil {
		log.Errorf("%s: unable to append prv_candidates for %s: %v", w.topic, doc.ObjectID, err)
	}
}

// dumpTess writes the enriched alert to disk for TESS-program alerts:
// prv candidates re-attached and cross-matches joined in, minus the
// galaxy catalog.
func (w *Worker) dumpTess(ctx context.Context, doc *alert.Alert, prv []alert.PrvCandidate) {
	enriched := *doc
	enriched.PrvCandidates = prv

	var aux struct {
		CrossMatches map[string]interface{} `bson:"cross_matches"`
	}
	if err := w.store.FindOne(ctx, w.collAux,
		bson.M{"_id": doc.ObjectID}, bson.M{"cross_matches": 1}, &aux); err != nil {
		log.Errorf("%s: unable to fetch cross-matches for %s: %v", w.topic, doc.ObjectID, err)
	} else {
		delete(aux.CrossMatches, w.matcher.GalaxyCatalog())
		enriched.CrossMatches = aux.CrossMatches
	}

	log.Infof("%s: saving TESS alert %d", w.topic, doc.Candid)
	if err := WriteTessDump(w.pathTess, w.datestr, &enriched); err != nil {
		log.Errorf("%s: unable to save TESS alert %d: %v", w.topic, doc.Candid, err)
	}
}

// postDownstream forwards the alert to the follow-up portal. Each post
// is independent; failures are logged and the rest proceed.
func (w *Worker) postDownstream(ctx context.Context, doc *alert.Alert, prv []alert.PrvCandidate) {
	if err := w.poster.PostMetadata(ctx, doc); err != nil {
		tlmPostErrors.WithLabelValues(w.topic).Inc()
		log.Errorf("%s: metadata post for %d failed: %v", w.topic, doc.Candid, err)
	} else {
		log.Infof("%s: posted %d metadata", w.topic, doc.Candid)
	}

	if err := w.poster.PostPhotometry(ctx, doc, prv); err != nil {
		tlmPostErrors.WithLabelValues(w.topic).Inc()
		log.Errorf("%s: photometry post for %d failed: %v", w.topic, doc.Candid, err)
	} else {
		log.Infof("%s: posted %d photometry", w.topic, doc.Candid)
	}

	if err := w.poster.PostThumbnails(ctx, doc); err != nil {
		tlmPostErrors.WithLabelValues(w.topic).Inc()
		log.Errorf("%s: thumbnail post for %d failed: %v", w.topic, doc.Candid, err)
	} else {
		log.Infof("%s: posted %d cutouts", w.topic, doc.Candid)
	}
}
