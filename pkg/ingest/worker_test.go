// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/atomic"

	"github.com/ztf-alerts/alertwatcher/pkg/alert"
)

type insertCall struct {
	coll string
	doc  interface{}
}

type appendCall struct {
	coll  string
	id    interface{}
	field string
	items interface{}
}

type workerStore struct {
	alertExists bool
	auxExists   bool
	existsErr   error
	insertErr   error

	crossMatches map[string]interface{}

	inserts []insertCall
	appends []appendCall
}

func (s *workerStore) Exists(_ context.Context, coll string, _ bson.M) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	if coll == "ZTF_alerts_aux" {
		return s.auxExists, nil
	}
	return s.alertExists, nil
}

func (s *workerStore) InsertOne(_ context.Context, coll string, doc interface{}) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts = append(s.inserts, insertCall{coll: coll, doc: doc})
	return nil
}

func (s *workerStore) UpsertAppendToSet(_ context.Context, coll string, id interface{}, field string, items interface{}) error {
	s.appends = append(s.appends, appendCall{coll: coll, id: id, field: field, items: items})
	return nil
}

func (s *workerStore) FindOne(_ context.Context, _ string, _, _ bson.M, out interface{}) error {
	raw, err := bson.Marshal(bson.M{"cross_matches": s.crossMatches})
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

func (s *workerStore) Close(context.Context) error { return nil }

type workerMatcher struct {
	catalogCalls int
	galaxyCalls  int
}

func (m *workerMatcher) Catalogs(context.Context, float64, float64) map[string][]bson.M {
	m.catalogCalls++
	return map[string][]bson.M{"PS1_DR1": {{"_id": 1}}}
}

func (m *workerMatcher) NearbyGalaxies(context.Context, float64, float64) map[string][]bson.M {
	m.galaxyCalls++
	return map[string][]bson.M{"CLU_20190625": {{"name": "PGC2557"}}}
}

func (m *workerMatcher) GalaxyCatalog() string { return "CLU_20190625" }

type workerScorer struct{}

func (workerScorer) Score(context.Context, *alert.Alert) map[string]interface{} {
	return map[string]interface{}{"braai": 0.97, "braai_version": "d6_m9"}
}

type workerEval struct {
	passed map[string]bson.M
	calls  int
}

func (e *workerEval) Evaluate(context.Context, int64) map[string]bson.M {
	e.calls++
	return e.passed
}

type workerPoster struct {
	metadata   int
	photometry int
	thumbnails int
}

func (p *workerPoster) PostMetadata(context.Context, *alert.Alert) error { p.metadata++; return nil }
func (p *workerPoster) PostPhotometry(context.Context, *alert.Alert, []alert.PrvCandidate) error {
	p.photometry++
	return nil
}
func (p *workerPoster) PostThumbnails(context.Context, *alert.Alert) error { p.thumbnails++; return nil }

func newTestWorker(t *testing.T, store *workerStore) (*Worker, *workerMatcher, *workerEval, *workerPoster) {
	t.Helper()
	matcher := &workerMatcher{}
	eval := &workerEval{}
	poster := &workerPoster{}
	w := &Worker{
		topic:       "ztf_20260824_programid1",
		datestr:     "20260824",
		collAlerts:  "ZTF_alerts",
		collAux:     "ZTF_alerts_aux",
		store:       store,
		matcher:     matcher,
		scorer:      workerScorer{},
		eval:        eval,
		poster:      poster,
		savePackets: true,
		pathAlerts:  t.TempDir(),
		pathTess:    t.TempDir(),
		seen:        cache.New(time.Minute, time.Minute),
		ingested:    atomic.NewInt64(0),
		done:        make(chan struct{}),
	}
	return w, matcher, eval, poster
}

func newIngestAlert() *alert.Alert {
	return &alert.Alert{
		Candid:   2600001234,
		ObjectID: "ZTF26aabcdef",
		Candidate: alert.Candidate{
			JD: 2460900.5, FID: 1, RA: 10.6847, Dec: 41.26901,
			ProgramPI: "Kulkarni",
		},
		PrvCandidates: []alert.PrvCandidate{
			{"jd": 2460899.5, "fid": 1, "magpsf": nil},
		},
	}
}

func TestIngestAlertNewObject(t *testing.T) {
	store := &workerStore{}
	w, matcher, eval, poster := newTestWorker(t, store)

	raw := []byte{0x4f, 0x62, 0x6a, 0x01}
	w.ingestAlert(context.Background(), raw, newIngestAlert())

	require.Len(t, store.inserts, 2)

	doc := store.inserts[0].doc.(*alert.Alert)
	assert.Equal(t, "ZTF_alerts", store.inserts[0].coll)
	assert.NotNil(t, doc.Coordinates)
	assert.Equal(t, 0.97, doc.Classifications["braai"])
	assert.Nil(t, doc.PrvCandidates)

	// first sight of the object creates the aux document with both
	// cross-match families
	aux := store.inserts[1].doc.(bson.M)
	assert.Equal(t, "ZTF_alerts_aux", store.inserts[1].coll)
	assert.Equal(t, "ZTF26aabcdef", aux["_id"])
	matches := aux["cross_matches"].(map[string][]bson.M)
	assert.Contains(t, matches, "PS1_DR1")
	assert.Contains(t, matches, "CLU_20190625")
	assert.Equal(t, 1, matcher.catalogCalls)
	assert.Equal(t, 1, matcher.galaxyCalls)

	// stored prv candidates are null-stripped
	prv := aux["prv_candidates"].([]alert.PrvCandidate)
	require.Len(t, prv, 1)
	assert.NotContains(t, prv[0], "magpsf")

	assert.Empty(t, store.appends)
	assert.Equal(t, 1, eval.calls)
	assert.Equal(t, int64(1), w.ingested.Load())

	// raw packet lands under <root>/<datestr>/<candid>.avro
	saved, err := os.ReadFile(filepath.Join(w.pathAlerts, "20260824", "2600001234.avro"))
	require.NoError(t, err)
	assert.Equal(t, raw, saved)

	// no gating configured, everything is posted
	assert.Equal(t, 1, poster.metadata)
	assert.Equal(t, 1, poster.photometry)
	assert.Equal(t, 1, poster.thumbnails)
}

func TestIngestAlertKnownObjectAppends(t *testing.T) {
	store := &workerStore{auxExists: true}
	w, matcher, _, _ := newTestWorker(t, store)

	w.ingestAlert(context.Background(), nil, newIngestAlert())

	// only the primary insert; history is appended with set semantics
	require.Len(t, store.inserts, 1)
	require.Len(t, store.appends, 1)
	assert.Equal(t, "ZTF_alerts_aux", store.appends[0].coll)
	assert.Equal(t, "ZTF26aabcdef", store.appends[0].id)
	assert.Equal(t, "prv_candidates", store.appends[0].field)
	assert.Zero(t, matcher.catalogCalls)
}

func TestIngestAlertDuplicateInStore(t *testing.T) {
	store := &workerStore{alertExists: true}
	w, _, eval, _ := newTestWorker(t, store)

	w.ingestAlert(context.Background(), nil, newIngestAlert())
	assert.Empty(t, store.inserts)
	assert.Zero(t, eval.calls)
	assert.Equal(t, int64(0), w.ingested.Load())
}

func TestIngestAlertDuplicateInCache(t *testing.T) {
	store := &workerStore{}
	w, _, _, _ := newTestWorker(t, store)

	w.ingestAlert(context.Background(), nil, newIngestAlert())
	w.ingestAlert(context.Background(), nil, newIngestAlert())

	// the second pass is stopped by the in-process cache
	require.Len(t, store.inserts, 2)
	assert.Equal(t, int64(1), w.ingested.Load())
}

func TestIngestAlertRedeliveryAfterInsertFailure(t *testing.T) {
	store := &workerStore{insertErr: errors.New("primary stepdown")}
	w, _, _, _ := newTestWorker(t, store)

	w.ingestAlert(context.Background(), nil, newIngestAlert())
	assert.Empty(t, store.inserts)
	assert.Equal(t, int64(0), w.ingested.Load())

	// the store recovers; the broker redelivers; the alert must land
	store.insertErr = nil
	w.ingestAlert(context.Background(), nil, newIngestAlert())
	require.Len(t, store.inserts, 2)
	assert.Equal(t, "ZTF_alerts", store.inserts[0].coll)
	assert.Equal(t, int64(1), w.ingested.Load())
}

func TestIngestAlertMalformedCoordinates(t *testing.T) {
	store := &workerStore{}
	w, _, eval, _ := newTestWorker(t, store)

	a := newIngestAlert()
	a.Candidate.RA = 400
	w.ingestAlert(context.Background(), nil, a)

	assert.Empty(t, store.inserts)
	assert.Zero(t, eval.calls)
}

func TestIngestAlertDedupeLookupFailure(t *testing.T) {
	store := &workerStore{existsErr: errors.New("connection reset")}
	w, _, _, _ := newTestWorker(t, store)

	w.ingestAlert(context.Background(), nil, newIngestAlert())
	assert.Empty(t, store.inserts)
}

func TestIngestAlertTessDump(t *testing.T) {
	store := &workerStore{
		auxExists: true,
		crossMatches: map[string]interface{}{
			"PS1_DR1":      []interface{}{bson.M{"_id": 1}},
			"CLU_20190625": []interface{}{bson.M{"name": "PGC2557"}},
		},
	}
	w, _, _, _ := newTestWorker(t, store)

	a := newIngestAlert()
	a.Candidate.ProgramPI = "TESS"
	w.ingestAlert(context.Background(), nil, a)

	raw, err := os.ReadFile(filepath.Join(w.pathTess, "20260824", "2600001234.json"))
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))

	// history is re-attached, the galaxy catalog is excluded
	assert.Contains(t, m, "prv_candidates")
	matches := m["cross_matches"].(map[string]interface{})
	assert.Contains(t, matches, "PS1_DR1")
	assert.NotContains(t, matches, "CLU_20190625")
}

func TestIngestAlertPostGating(t *testing.T) {
	store := &workerStore{}
	w, _, eval, poster := newTestWorker(t, store)
	w.postPassedOnly = true

	// nothing passed: no posts
	w.ingestAlert(context.Background(), nil, newIngestAlert())
	assert.Zero(t, poster.metadata)

	// a filter passes: everything is posted
	eval.passed = map[string]bson.M{"f1": {"objectId": "ZTF26aabcdef"}}
	a := newIngestAlert()
	a.Candid = 2600005678
	w.ingestAlert(context.Background(), nil, a)
	assert.Equal(t, 1, poster.metadata)
	assert.Equal(t, 1, poster.photometry)
	assert.Equal(t, 1, poster.thumbnails)
}

func TestIngestAlertNoPoster(t *testing.T) {
	store := &workerStore{}
	w, _, _, _ := newTestWorker(t, store)
	w.poster = nil

	w.ingestAlert(context.Background(), nil, newIngestAlert())
	require.Len(t, store.inserts, 2)
}

type fakeConsumer struct {
	fetches []kgo.Fetches
	polls   int
	closed  bool
}

func (c *fakeConsumer) PollFetches(context.Context) kgo.Fetches {
	c.polls++
	if len(c.fetches) == 0 {
		return kgo.Fetches{}
	}
	f := c.fetches[0]
	c.fetches = c.fetches[1:]
	return f
}

func (c *fakeConsumer) Close() { c.closed = true }

func fetchWithErrors(topic string, errs map[int32]error) kgo.Fetches {
	parts := make([]kgo.FetchPartition, 0, len(errs))
	for p, err := range errs {
		parts = append(parts, kgo.FetchPartition{Partition: p, Err: err})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: topic, Partitions: parts}}}}
}

func TestRunDisconnectsCountPerPartition(t *testing.T) {
	transient := errors.New("broker went away")
	client := &fakeConsumer{fetches: []kgo.Fetches{
		fetchWithErrors("ztf_20260824_programid1", map[int32]error{0: transient}),
		fetchWithErrors("ztf_20260824_programid1", map[int32]error{0: context.DeadlineExceeded}),
		fetchWithErrors("ztf_20260824_programid1", map[int32]error{0: transient}),
		fetchWithErrors("ztf_20260824_programid1", map[int32]error{0: transient}),
		fetchWithErrors("ztf_20260824_programid1", map[int32]error{0: transient, 1: transient}),
	}}
	w, _, _, _ := newTestWorker(t, &workerStore{})
	w.client = client
	w.numPartitions = 2
	w.ends = map[int32]int64{0: 10, 1: 10}
	w.endedParts = map[int32]bool{0: false, 1: false}
	w.disconnected = map[int32]bool{}

	w.Run(context.Background())

	// repeated errors on one partition never kill the worker; it exits
	// only once every partition has disconnected
	assert.Equal(t, 5, client.polls)
	assert.True(t, client.closed)
	assert.False(t, w.Alive())
}

func TestMarkProgress(t *testing.T) {
	w := &Worker{
		numPartitions: 2,
		ends:          map[int32]int64{0: 3, 1: 1},
		endedParts:    map[int32]bool{0: false, 1: false},
	}

	assert.False(t, w.allPartitionsEnded())

	w.markProgress(0, 0)
	w.markProgress(0, 1)
	assert.False(t, w.endedParts[0])
	w.markProgress(0, 2)
	assert.True(t, w.endedParts[0])
	assert.False(t, w.allPartitionsEnded())

	w.markProgress(1, 0)
	assert.True(t, w.allPartitionsEnded())
}

func TestAllPartitionsEndedNoAssignment(t *testing.T) {
	// zero partitions means discovery failed; never report exhausted
	w := &Worker{}
	assert.False(t, w.allPartitionsEnded())
}

func TestWorkerAlive(t *testing.T) {
	w := &Worker{done: make(chan struct{})}
	assert.True(t, w.Alive())
	close(w.done)
	assert.False(t, w.Alive())
	<-w.Done()
}
