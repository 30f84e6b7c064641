// Package store is the durable job log: an append-only JSONL event file plus
// an in-memory index rebuilt by replay on open. Every mutation is appended
// before the index is touched (log-then-apply). Durability is best-effort: a
// failed append is logged and the in-memory pipeline still advances, so a
// disk outage degrades crash recovery rather than halting dispatch.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenops/ftdispatch/internal/domain"
)

const (
	defaultCompactThreshold = 1000
	defaultCompactInterval  = 30 * time.Minute
)

// Options tunes compaction. Zero values pick the defaults above.
type Options struct {
	CompactThreshold int
	CompactInterval  time.Duration
}

// Store owns the job log and is the sole writer of persisted job state.
type Store struct {
	logger *slog.Logger
	path   string
	opts   Options

	mu        sync.Mutex
	file      *os.File
	jobs      map[string]*domain.Job
	events    int
	compactCh chan struct{}
}

// Patch is a partial job update. Nil fields are left untouched; a pointer to
// the zero value overwrites (so LastError can be cleared explicitly).
type Patch struct {
	Status      *string    `json:"status,omitempty"`
	Attempts    *int       `json:"attempts,omitempty"`
	BatchID     *string    `json:"batchId,omitempty"`
	TxHash      *string    `json:"txHash,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

type event struct {
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Job    *domain.Job `json:"job,omitempty"`
	JobID  string      `json:"jobId,omitempty"`
	Patch  *Patch      `json:"patch,omitempty"`
}

// Open loads (or creates) the job log at path and replays it into memory.
func Open(path string, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = defaultCompactThreshold
	}
	if opts.CompactInterval <= 0 {
		opts.CompactInterval = defaultCompactInterval
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		logger:    logger,
		path:      path,
		opts:      opts,
		jobs:      make(map[string]*domain.Job),
		compactCh: make(chan struct{}, 1),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	s.file = file
	return s, nil
}

// replay reads the log front-to-back and applies events in order,
// last-write-wins on field merge. Malformed lines and unknown fields are
// ignored so old logs stay readable across format additions.
func (s *Store) replay() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open job log for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines, applied := 0, 0
	for scanner.Scan() {
		lines++
		var ev event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if s.apply(&ev) {
			applied++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan job log: %w", err)
	}

	s.events = lines
	s.logger.Info("job log replayed",
		slog.String("path", s.path),
		slog.Int("events", lines),
		slog.Int("applied", applied),
		slog.Int("jobs", len(s.jobs)),
	)
	return nil
}

func (s *Store) apply(ev *event) bool {
	if ev.Type != "job" {
		return false
	}
	switch ev.Action {
	case "create":
		if ev.Job == nil || ev.Job.ID == "" {
			return false
		}
		job := *ev.Job
		s.jobs[job.ID] = &job
		return true
	case "update":
		if ev.JobID == "" || ev.Patch == nil {
			return false
		}
		job, ok := s.jobs[ev.JobID]
		if !ok {
			// An update without a preceding create can appear if the create
			// append was lost; keep what we can reconstruct.
			job = &domain.Job{ID: ev.JobID}
			s.jobs[ev.JobID] = job
		}
		mergePatch(job, ev.Patch)
		return true
	}
	return false
}

func mergePatch(job *domain.Job, p *Patch) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Attempts != nil {
		job.Attempts = *p.Attempts
	}
	if p.BatchID != nil {
		job.BatchID = *p.BatchID
	}
	if p.TxHash != nil {
		job.TxHash = *p.TxHash
	}
	if p.LastError != nil {
		job.LastError = *p.LastError
	}
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		job.SubmittedAt = &t
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		job.ExpiresAt = &t
	}
	if p.UpdatedAt != nil {
		job.UpdatedAt = *p.UpdatedAt
	}
}

// appendEvent writes one event line. Failures are logged, not returned: the
// in-memory state is authoritative for the running process.
func (s *Store) appendEvent(ev *event) {
	line, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode job event", slog.String("error", err.Error()))
		return
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.logger.Error("failed to append job event",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return
	}
	s.events++
	if s.events >= s.opts.CompactThreshold {
		select {
		case s.compactCh <- struct{}{}:
		default:
		}
	}
}

// CreateJob persists and indexes a new queued job.
func (s *Store) CreateJob(receiverID, amount, memo string) *domain.Job {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:         uuid.New().String(),
		Status:     domain.StatusQueued,
		ReceiverID: receiverID,
		Amount:     amount,
		Memo:       memo,
		Attempts:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEvent(&event{Type: "job", Action: "create", Job: job})
	s.jobs[job.ID] = job

	out := *job
	return &out
}

// UpdateJob appends an update event and merges it into the index.
func (s *Store) UpdateJob(id string, patch Patch) (*domain.Job, error) {
	now := time.Now().UTC()
	if patch.UpdatedAt == nil {
		patch.UpdatedAt = &now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	s.appendEvent(&event{Type: "job", Action: "update", JobID: id, Patch: &patch})
	mergePatch(job, &patch)

	out := *job
	return &out, nil
}

// GetJob returns a copy of the job, if present.
func (s *Store) GetJob(id string) (*domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	out := *job
	return &out, true
}

// ListAllJobs returns copies of every indexed job.
func (s *Store) ListAllJobs() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// ListJobsByTxHash returns every job bundled into the given transaction.
func (s *Store) ListJobsByTxHash(txHash string) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if job.TxHash == txHash {
			out = append(out, *job)
		}
	}
	return out
}

// CountByStatus aggregates job counts for the status surface.
func (s *Store) CountByStatus() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}

// Run drives deferred compaction until ctx is done. Compaction never runs on
// a mutator's call path; threshold crossings only nudge this loop.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.compactCh:
			s.compact()
		case <-ticker.C:
			s.compact()
		}
	}
}

// compact rewrites the log as one create event per job via
// write-to-temp-then-rename, keeping one rotated backup. The original log is
// renamed only after the replacement is fully written, so a failure mid-way
// leaves the old log intact. Compaction errors are swallowed and logged.
func (s *Store) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events == 0 {
		return
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		s.logger.Warn("compaction skipped: cannot create temp log", slog.String("error", err.Error()))
		return
	}

	w := bufio.NewWriter(f)
	ok := true
	for _, job := range s.jobs {
		line, err := json.Marshal(&event{Type: "job", Action: "create", Job: job})
		if err != nil {
			ok = false
			break
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			ok = false
			break
		}
	}
	if ok {
		ok = w.Flush() == nil && f.Sync() == nil
	}
	if err := f.Close(); err != nil {
		ok = false
	}
	if !ok {
		s.logger.Warn("compaction aborted: temp log write failed", slog.String("path", tmp))
		os.Remove(tmp)
		return
	}

	backup := s.path + ".old"
	os.Remove(backup)
	if err := s.file.Close(); err != nil {
		s.logger.Warn("compaction: closing live log failed", slog.String("error", err.Error()))
	}
	if err := os.Rename(s.path, backup); err != nil {
		s.logger.Warn("compaction aborted: backup rename failed", slog.String("error", err.Error()))
		s.reopenAppend()
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		// Restore the backup so no events are lost.
		s.logger.Error("compaction failed: swap rename failed", slog.String("error", err.Error()))
		if restoreErr := os.Rename(backup, s.path); restoreErr != nil {
			s.logger.Error("compaction: backup restore failed", slog.String("error", restoreErr.Error()))
		}
		s.reopenAppend()
		return
	}

	s.reopenAppend()
	s.events = len(s.jobs)
	s.logger.Info("job log compacted",
		slog.Int("jobs", len(s.jobs)),
		slog.String("path", s.path),
	)
}

func (s *Store) reopenAppend() {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("failed to reopen job log after compaction", slog.String("error", err.Error()))
		return
	}
	s.file = file
}

// Close releases the append handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
