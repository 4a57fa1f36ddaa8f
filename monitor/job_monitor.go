package monitor

import (
	"log"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a training job started by this process.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Minute
)

// JobStatus is the tracked state of one job.
type JobStatus struct {
	JobID       string     `json:"job_id"`
	BaseModelID string     `json:"base_model_id"`
	State       State      `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// JobMonitor tracks in-flight training jobs and forgets finished ones once
// they are older than the retention window.
type JobMonitor struct {
	mu        sync.RWMutex
	jobs      map[string]*JobStatus
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJobMonitor creates a new job monitor. Non-positive durations take the
// defaults.
func NewJobMonitor(retention, sweepInterval time.Duration) *JobMonitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &JobMonitor{
		jobs:      make(map[string]*JobStatus),
		retention: retention,
		interval:  sweepInterval,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start begins sweeping finished jobs in the background
func (m *JobMonitor) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
	log.Printf("Job monitor started - sweeping every %s, retention %s", m.interval, m.retention)
}

// Stop stops the job monitor gracefully. It is safe to call more than once.
func (m *JobMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		log.Println("Job monitor stopped")
	})
}

func (m *JobMonitor) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Printf("Job monitor dropped %d finished job(s)", n)
			}
		}
	}
}

// Sweep drops finished jobs older than the retention window and returns how
// many were dropped.
func (m *JobMonitor) Sweep() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, job := range m.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			dropped++
		}
	}
	return dropped
}

// Created registers a new job.
func (m *JobMonitor) Created(jobID, baseModelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = &JobStatus{
		JobID:       jobID,
		BaseModelID: baseModelID,
		State:       StateCreated,
		StartedAt:   m.now(),
	}
}

// Running marks a job as running.
func (m *JobMonitor) Running(jobID string) {
	m.transition(jobID, StateRunning, "")
}

// Completed marks a job as completed.
func (m *JobMonitor) Completed(jobID string) {
	m.transition(jobID, StateCompleted, "")
}

// Failed marks a job as failed with the reason in err.
func (m *JobMonitor) Failed(jobID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.transition(jobID, StateFailed, msg)
}

// transition moves a known, unfinished job to state. Finished jobs keep
// their outcome.
func (m *JobMonitor) transition(jobID string, state State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		log.Printf("Job monitor: ignoring %s transition for unknown job %s", state, jobID)
		return
	}
	if job.State.Terminal() {
		return
	}

	job.State = state
	job.Error = errMsg
	if state.Terminal() {
		finished := m.now()
		job.FinishedAt = &finished
	}
}

// Get returns a copy of the tracked state of jobID.
func (m *JobMonitor) Get(jobID string) (JobStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return *job, true
}

// Snapshot lists every tracked job, newest first.
func (m *JobMonitor) Snapshot() []JobStatus {
	m.mu.RLock()
	jobs := make([]JobStatus, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.After(jobs[j].StartedAt)
		}
		return jobs[i].JobID > jobs[j].JobID
	})
	return jobs
}
