// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ingest

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

// Handle is the supervisor's view of a running worker.
type Handle interface {
	Alive() bool
	Stop()
}

// SpawnFunc starts a worker for a topic and returns its handle.
type SpawnFunc func(ctx context.Context, topic, groupID, datestr string) (Handle, error)

// Supervisor discovers nightly topics and keeps one worker per live
// topic, reaping dead workers so a later tick respawns them with a
// fresh consumer group id.
type Supervisor struct {
	cfg         *config.Config
	clk         clock.Clock
	listTopics  func(ctx context.Context) ([]string, error)
	spawn       SpawnFunc
	obsDate     string
	savePackets bool
	test        bool

	mu            sync.Mutex
	topicsOnWatch map[string]Handle
	// runCtx scopes worker lifetimes; ticks triggered by API callers
	// must not bind workers to the caller's request context.
	runCtx context.Context
}

// SupervisorOption customizes a supervisor, mostly for tests.
type SupervisorOption func(*Supervisor)

// WithClock substitutes the wall clock.
func WithClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clk = c }
}

// WithTopicLister substitutes broker topic discovery.
func WithTopicLister(f func(ctx context.Context) ([]string, error)) SupervisorOption {
	return func(s *Supervisor) { s.listTopics = f }
}

// WithSpawn substitutes worker creation.
func WithSpawn(f SpawnFunc) SupervisorOption {
	return func(s *Supervisor) { s.spawn = f }
}

// NewSupervisor builds a supervisor. By default topics are discovered
// through the broker admin API and workers are real ingestion workers.
func NewSupervisor(cfg *config.Config, obsDate string, savePackets, test bool, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		cfg:           cfg,
		clk:           clock.New(),
		obsDate:       obsDate,
		savePackets:   savePackets,
		test:          test,
		topicsOnWatch: map[string]Handle{},
	}
	s.listTopics = s.brokerTopics
	s.spawn = s.spawnWorker
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops forever in production: discover topics, spawn missing
// workers, health-check the rest, sleep. In test mode it performs one
// pass, waits a fixed interval for the workers to drain the test
// stream, then stops them all and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	defer s.stopAll()

	for {
		s.tick(ctx)

		if s.test {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clk.After(s.cfg.Supervisor.TestWait):
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(s.cfg.Supervisor.PollInterval):
		}
	}
}

// tick runs one discovery/health-check pass. Failures are logged; the
// next tick retries.
func (s *Supervisor) tick(ctx context.Context) {
	topics, err := s.listTopics(ctx)
	if err != nil {
		log.Errorf("supervisor: unable to list topics: %v", err)
		return
	}

	datestr := Datestr(s.obsDate, s.clk.Now())
	selected := SelectTopics(topics, datestr)
	log.Infof("supervisor: topics on %s: %s", datestr, strings.Join(selected, ", "))

	s.mu.Lock()
	defer s.mu.Unlock()

	spawnCtx := s.runCtx
	if spawnCtx == nil {
		spawnCtx = ctx
	}

	for _, topic := range selected {
		if h, watched := s.topicsOnWatch[topic]; watched {
			if h.Alive() {
				log.Debugf("supervisor: %s appears normal", topic)
			} else {
				// reap; a later tick respawns with a new group id
				log.Infof("supervisor: %s died, removing", topic)
				delete(s.topicsOnWatch, topic)
				tlmWorkersAlive.Dec()
			}
			continue
		}

		groupID := GroupID(s.cfg.Kafka.Group, s.clk.Now())
		log.Infof("supervisor: starting worker for %s (group %s)", topic, groupID)
		h, err := s.spawn(spawnCtx, topic, groupID, datestr)
		if err != nil {
			log.Errorf("supervisor: unable to start worker for %s: %v", topic, err)
			continue
		}
		s.topicsOnWatch[topic] = h
		tlmWorkersAlive.Inc()
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, h := range s.topicsOnWatch {
		log.Infof("supervisor: stopping worker for %s", topic)
		h.Stop()
		delete(s.topicsOnWatch, topic)
		tlmWorkersAlive.Dec()
	}
}

// ReloadFilters restarts every worker so filter templates are reloaded
// from the store. Replacement workers come up on the discovery pass run
// here, under fresh group ids.
func (s *Supervisor) ReloadFilters(ctx context.Context) error {
	s.stopAll()
	s.tick(ctx)
	return nil
}

// Topics returns the topics currently on watch, for status reporting.
func (s *Supervisor) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topicsOnWatch))
	for t := range s.topicsOnWatch {
		topics = append(topics, t)
	}
	return topics
}

// brokerTopics lists topic names through the broker admin API.
func (s *Supervisor) brokerTopics(ctx context.Context) ([]string, error) {
	seeds := strings.Split(s.cfg.Kafka.Servers(s.test), ",")
	client, err := kgo.NewClient(kgo.SeedBrokers(seeds...))
	if err != nil {
		return nil, errors.Wrap(err, "unable to build admin client")
	}
	defer client.Close()

	details, err := kadm.NewClient(client).ListTopics(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "topic listing failed")
	}
	return details.Names(), nil
}

// workerHandle adapts a Worker to the supervisor.
type workerHandle struct {
	worker *Worker
	cancel context.CancelFunc
}

func (h *workerHandle) Alive() bool {
	return h.worker.Alive()
}

func (h *workerHandle) Stop() {
	h.cancel()
	<-h.worker.Done()
}

// spawnWorker builds and launches a real ingestion worker. The worker
// runs until its topic is exhausted or the supervisor stops it.
func (s *Supervisor) spawnWorker(ctx context.Context, topic, groupID, datestr string) (Handle, error) {
	w, err := NewWorker(ctx, WorkerConfig{
		Cfg:         s.cfg,
		Topic:       topic,
		GroupID:     groupID,
		Datestr:     datestr,
		SavePackets: s.savePackets,
		Test:        s.test,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	return &workerHandle{worker: w, cancel: cancel}, nil
}
