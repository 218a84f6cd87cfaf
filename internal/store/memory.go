package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// Memory is an in-process Store with the same claim and write-once semantics
// as the Postgres implementation. It backs tests and single-node deployments
// that run without external storage.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	results   map[string]*models.JobResult
	takeovers map[string]models.TakeoverRequest
	resumes   map[string]models.ResumePoint
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]models.Job),
		results:   make(map[string]*models.JobResult),
		takeovers: make(map[string]models.TakeoverRequest),
		resumes:   make(map[string]models.ResumePoint),
	}
}

func (m *Memory) SaveJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, nil
}

func (m *Memory) ClaimNext(_ context.Context) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []models.Job
	for _, job := range m.jobs {
		if job.Status == models.JobPending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return models.Job{}, false, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	job := pending[0]
	job.Status = models.JobClaimed
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = job
	return job, true, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, status models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *Memory) FailJob(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = models.JobFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, job := range m.jobs {
		if (job.Status == models.JobClaimed || job.Status == models.JobRunning) &&
			job.UpdatedAt.Before(olderThan) {
			job.Status = models.JobPending
			job.UpdatedAt = time.Now()
			m.jobs[id] = job
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveResult(_ context.Context, result *models.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[result.JobID]; exists {
		return models.ErrResultExists
	}
	cp := *result
	m.results[result.JobID] = &cp
	return nil
}

func (m *Memory) GetResult(_ context.Context, jobID string) (*models.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[jobID]
	if !ok {
		return nil, models.ErrResultNotFound
	}
	cp := *result
	return &cp, nil
}

func (m *Memory) CreateTakeover(_ context.Context, req models.TakeoverRequest, rp models.ResumePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.takeovers[req.SessionID]; exists {
		return models.ErrTakeoverConflict
	}
	req.Status = models.TakeoverWaiting
	m.takeovers[req.SessionID] = req
	m.resumes[req.SessionID] = rp
	return nil
}

func (m *Memory) GetTakeover(_ context.Context, sessionID string) (models.TakeoverRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.takeovers[sessionID]
	if !ok {
		return models.TakeoverRequest{}, models.ErrSessionNotFound
	}
	return req, nil
}

func (m *Memory) GetResumePoint(_ context.Context, sessionID string) (models.ResumePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.resumes[sessionID]
	if !ok {
		return models.ResumePoint{}, models.ErrSessionNotFound
	}
	return rp, nil
}

func (m *Memory) AnswerTakeover(_ context.Context, sessionID, reply string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.takeovers[sessionID]
	if !ok || req.Status != models.TakeoverWaiting {
		return models.ErrSessionNotFound
	}
	req.Status = models.TakeoverAnswered
	req.Reply = reply
	req.UpdatedAt = time.Now()
	m.takeovers[sessionID] = req
	return nil
}

func (m *Memory) ExpireTakeover(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.takeovers[sessionID]
	if !ok || req.Status != models.TakeoverWaiting {
		return models.ErrSessionNotFound
	}
	req.Status = models.TakeoverTimedOut
	req.UpdatedAt = time.Now()
	m.takeovers[sessionID] = req
	return nil
}

func (m *Memory) DeleteTakeover(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.takeovers, sessionID)
	delete(m.resumes, sessionID)
	return nil
}

func (m *Memory) ExpireOlderThan(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, req := range m.takeovers {
		if req.Status == models.TakeoverWaiting && req.CreatedAt.Before(olderThan) {
			req.Status = models.TakeoverTimedOut
			req.UpdatedAt = time.Now()
			m.takeovers[id] = req
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListWaiting(_ context.Context) ([]models.TakeoverRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var waiting []models.TakeoverRequest
	for _, req := range m.takeovers {
		if req.Status == models.TakeoverWaiting {
			waiting = append(waiting, req)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	return waiting, nil
}
