package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/queue"
	"github.com/ucloud/orderwise-agent/internal/store"
)

// API is the producer-facing surface: enqueue jobs, fetch results, answer
// takeover requests.
type API struct {
	store store.Store
	queue queue.Queue
	// slots is the static registry this deployment runs with, used to
	// reject structurally unsatisfiable jobs before they are enqueued.
	slots []models.Slot
	log   zerolog.Logger
}

func New(st store.Store, q queue.Queue, slots []models.Slot, log zerolog.Logger) *API {
	return &API{store: st, queue: q, slots: slots, log: log.With().Str("component", "api").Logger()}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/jobs", a.EnqueueHandler)
	r.Get("/jobs/{id}", a.JobHandler)
	r.Get("/jobs/{id}/result", a.ResultHandler)
	r.Get("/takeovers", a.TakeoversHandler)
	r.Get("/sessions/{id}/takeover", a.TakeoverHandler)
	r.Post("/sessions/{id}/reply", a.ReplyHandler)
	return r
}

type enqueueRequest struct {
	Keyword      string                   `json:"keyword"`
	Participants []models.ParticipantSpec `json:"participants"`
}

func (a *API) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Participants) == 0 {
		http.Error(w, "job needs at least one participant", http.StatusBadRequest)
		return
	}

	// Reject jobs the slot registry can never satisfy; such a job must
	// never get past pending.
	demand := make(map[string]int)
	for _, spec := range req.Participants {
		demand[spec.Target]++
	}
	for target, need := range demand {
		have := 0
		for _, s := range a.slots {
			if s.Target == target {
				have++
			}
		}
		if have < need {
			a.log.Warn().Str("target", target).Int("need", need).Int("have", have).Msg("job rejected, no capacity")
			http.Error(w, models.ErrNoCapacity.Error()+" for target "+target, http.StatusConflict)
			return
		}
	}

	job := models.Job{
		ID:           uuid.New().String(),
		Keyword:      req.Keyword,
		Participants: req.Participants,
		Status:       models.JobPending,
		CreatedAt:    time.Now(),
	}

	if err := a.store.SaveJob(r.Context(), job); err != nil {
		http.Error(w, "failed to save job", http.StatusInternalServerError)
		return
	}
	if err := a.queue.Enqueue(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}

	a.log.Info().Str("job", job.ID).Int("participants", len(job.Participants)).Msg("job enqueued")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

func (a *API) JobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(job)
}

// ResultHandler returns the final record once written; until then it reports
// the job's current status with 202 so pollers never hang.
func (a *API) ResultHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := a.store.GetResult(r.Context(), id)
	if err == nil {
		json.NewEncoder(w).Encode(result)
		return
	}
	if !errors.Is(err, models.ErrResultNotFound) {
		http.Error(w, "failed to load result", http.StatusInternalServerError)
		return
	}

	job, err := a.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"job_id": job.ID, "status": job.Status})
}

// TakeoversHandler lists every request still waiting for an operator, oldest
// first. Operator frontends poll this.
func (a *API) TakeoversHandler(w http.ResponseWriter, r *http.Request) {
	waiting, err := a.store.ListWaiting(r.Context())
	if err != nil {
		http.Error(w, "failed to list takeover requests", http.StatusInternalServerError)
		return
	}
	if waiting == nil {
		waiting = []models.TakeoverRequest{}
	}
	json.NewEncoder(w).Encode(waiting)
}

func (a *API) TakeoverHandler(w http.ResponseWriter, r *http.Request) {
	req, err := a.store.GetTakeover(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrSessionNotFound) {
		http.Error(w, "no takeover request for session", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load takeover request", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(req)
}

type replyRequest struct {
	Reply string `json:"reply"`
}

// ReplyHandler answers a waiting takeover request. Async sessions pick the
// reply up on their next poll; sync callers follow up through the resume
// endpoint of whatever surface started the job.
func (a *API) ReplyHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reply == "" {
		http.Error(w, "reply text required", http.StatusBadRequest)
		return
	}

	err := a.store.AnswerTakeover(r.Context(), id, req.Reply)
	if errors.Is(err, models.ErrSessionNotFound) {
		http.Error(w, "no waiting takeover request for session", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to answer takeover", http.StatusInternalServerError)
		return
	}

	a.log.Info().Str("session", id).Msg("takeover answered")
	json.NewEncoder(w).Encode(map[string]string{"session_id": id, "status": "answered"})
}
