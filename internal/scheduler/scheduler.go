// Package scheduler periodically re-runs tests on a cron expression. The
// External Test Repository carries no scheduling metadata of its own, so
// schedules live in a small JSON sidecar file loaded on start.
package scheduler

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Entry binds a test id to a cron expression.
type Entry struct {
	TestID string `json:"test_id"`
	Cron   string `json:"cron"`
}

// Runner is the subset of the API Server the scheduler needs: starting a
// run of a test id, independent of any in-flight HTTP request.
type Runner interface {
	RunScheduled(testID string) error
}

// Service owns one cron.Cron instance and the entry-id bookkeeping needed
// to remove a schedule later.
type Service struct {
	log      *zap.Logger
	runner   Runner
	path     string
	cron     *cron.Cron
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	exprs    map[string]string
}

func New(log *zap.Logger, runner Runner, path string) *Service {
	return &Service{
		log:      log,
		runner:   runner,
		path:     path,
		cron:     cron.New(cron.WithSeconds()),
		entryIDs: make(map[string]cron.EntryID),
		exprs:    make(map[string]string),
	}
}

// Start loads entries from the sidecar file (if any) and starts the cron
// scheduler. A missing file is not an error: scheduling is opt-in.
func (s *Service) Start() error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			s.log.Warn("failed to schedule test", zap.String("test_id", e.TestID), zap.Error(err))
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("entries", len(entries)))
	return nil
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Add registers (or replaces) a schedule for one test id.
func (s *Service) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entryIDs[e.TestID]; ok {
		s.cron.Remove(old)
	}

	id, err := s.cron.AddFunc(e.Cron, func() { s.run(e.TestID) })
	if err != nil {
		return errors.Wrapf(err, "scheduling test %q", e.TestID)
	}
	s.entryIDs[e.TestID] = id
	s.exprs[e.TestID] = e.Cron
	return s.persistLocked()
}

func (s *Service) Remove(testID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entryIDs[testID]; ok {
		s.cron.Remove(id)
		delete(s.entryIDs, testID)
		delete(s.exprs, testID)
		_ = s.persistLocked()
	}
}

func (s *Service) run(testID string) {
	s.log.Info("running scheduled test", zap.String("test_id", testID))
	if err := s.runner.RunScheduled(testID); err != nil {
		s.log.Warn("scheduled run failed to start", zap.String("test_id", testID), zap.Error(err))
	}
}

func (s *Service) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading schedule file")
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decoding schedule file")
	}
	return entries, nil
}

// persistLocked writes the current test-id/cron pairs back to disk so a
// restart can reload them. Must be called with s.mu held.
func (s *Service) persistLocked() error {
	entries := make([]Entry, 0, len(s.exprs))
	for testID, expr := range s.exprs {
		entries = append(entries, Entry{TestID: testID, Cron: expr})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding schedule file")
	}
	return os.WriteFile(s.path, data, 0o644)
}
