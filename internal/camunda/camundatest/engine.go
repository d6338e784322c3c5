// Package camundatest provides an in-memory engine that serves the
// external-task REST endpoints used by this worker. It keeps a record of every
// report call so tests can assert on what the worker sent.
package camundatest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/camunda"
	"github.com/seantiz/forge/internal/model"
)

// pollTick bounds how long a waiting fetch sleeps before re-checking for
// tasks whose retry timeout elapsed.
const pollTick = 20 * time.Millisecond

// Task states.
const (
	StateAvailable = "available"
	StateCompleted = "completed"
	StateIncident  = "incident"
	StateBPMNError = "bpmn_error"
)

// Call kinds recorded by the engine.
const (
	CallComplete   = "complete"
	CallFailure    = "failure"
	CallBPMNError  = "bpmnError"
	CallUnlock     = "unlock"
	CallExtendLock = "extendLock"
)

// Call is one report the worker made against a task.
type Call struct {
	Kind         string
	TaskID       string
	WorkerID     string
	Variables    model.Variables
	ErrorMessage string
	ErrorDetails string
	Retries      int
	RetryTimeout time.Duration
	ErrorCode    string
	NewDuration  time.Duration
	At           time.Time
}

// Task is the engine-side state of an external task.
type Task struct {
	ID                string
	ProcessInstanceID string
	Topic             string
	BusinessKey       string
	Priority          int64
	Variables         model.Variables
	Retries           *int
	State             string
	LockedBy          string
	LockExpiresAt     time.Time
	RetryAt           time.Time
	ErrorMessage      string
	ErrorDetails      string
	FetchCount        int
}

// NewTask describes a task to enqueue.
type NewTask struct {
	Topic             string          `json:"topic"`
	ProcessInstanceID string          `json:"process_instance_id"`
	BusinessKey       string          `json:"business_key"`
	Priority          int64           `json:"priority"`
	Variables         model.Variables `json:"variables"`
}

// Engine is an in-memory external-task engine. Its zero value is not usable;
// construct it with New.
type Engine struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	calls   []Call
	changed chan struct{}

	fetches     int
	failFetches int
	failReports int

	router *chi.Mux
}

// New creates an empty engine.
func New() *Engine {
	e := &Engine{
		tasks:   make(map[string]*Task),
		changed: make(chan struct{}),
		router:  chi.NewRouter(),
	}
	e.routes()
	return e
}

func (e *Engine) routes() {
	e.router.Post("/external-task/fetchAndLock", e.handleFetchAndLock)
	e.router.Post("/external-task/{id}/complete", e.handleComplete)
	e.router.Post("/external-task/{id}/failure", e.handleFailure)
	e.router.Post("/external-task/{id}/bpmnError", e.handleBPMNError)
	e.router.Post("/external-task/{id}/unlock", e.handleUnlock)
	e.router.Post("/external-task/{id}/extendLock", e.handleExtendLock)

	e.router.Post("/stub/tasks", e.handleCreateTask)
	e.router.Get("/stub/tasks", e.handleListTasks)
	e.router.Get("/stub/calls", e.handleListCalls)
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.router.ServeHTTP(w, r)
}

// AddTask enqueues an available task and returns its id.
func (e *Engine) AddTask(nt NewTask) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := model.NewID()
	if nt.ProcessInstanceID == "" {
		nt.ProcessInstanceID = model.NewID()
	}
	vars := make(model.Variables, len(nt.Variables))
	for k, v := range nt.Variables {
		vars[k] = v
	}
	e.tasks[id] = &Task{
		ID:                id,
		ProcessInstanceID: nt.ProcessInstanceID,
		Topic:             nt.Topic,
		BusinessKey:       nt.BusinessKey,
		Priority:          nt.Priority,
		Variables:         vars,
		State:             StateAvailable,
	}
	e.order = append(e.order, id)
	e.notifyLocked()
	return id
}

// FailFetches makes the next n fetch-and-lock calls return HTTP 500.
func (e *Engine) FailFetches(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failFetches = n
}

// FailReports makes the next n report calls return HTTP 500.
func (e *Engine) FailReports(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failReports = n
}

// Task returns a copy of the task state.
func (e *Engine) Task(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Calls returns every report call received so far.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsFor returns the report calls received for one task.
func (e *Engine) CallsFor(taskID string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Call
	for _, c := range e.calls {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

// Fetches returns the number of fetch-and-lock requests served.
func (e *Engine) Fetches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetches
}

func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

type fetchTopic struct {
	TopicName    string   `json:"topicName"`
	LockDuration int64    `json:"lockDuration"`
	Variables    []string `json:"variables"`
}

type fetchRequest struct {
	WorkerID             string       `json:"workerId"`
	MaxTasks             int          `json:"maxTasks"`
	UsePriority          bool         `json:"usePriority"`
	AsyncResponseTimeout int64        `json:"asyncResponseTimeout"`
	Topics               []fetchTopic `json:"topics"`
}

type lockedTask struct {
	ID                 string                        `json:"id"`
	ProcessInstanceID  string                        `json:"processInstanceId"`
	TopicName          string                        `json:"topicName"`
	BusinessKey        string                        `json:"businessKey,omitempty"`
	WorkerID           string                        `json:"workerId"`
	Retries            *int                          `json:"retries"`
	Priority           int64                         `json:"priority"`
	LockExpirationTime string                        `json:"lockExpirationTime"`
	Variables          map[string]camunda.TypedValue `json:"variables"`
}

func (e *Engine) handleFetchAndLock(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "invalid JSON body")
		return
	}
	if req.WorkerID == "" || req.MaxTasks <= 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "workerId and maxTasks are required")
		return
	}

	e.mu.Lock()
	e.fetches++
	if e.failFetches > 0 {
		e.failFetches--
		e.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "ProcessEngineException", "injected fetch failure")
		return
	}
	e.mu.Unlock()

	deadline := time.Now().Add(time.Duration(req.AsyncResponseTimeout) * time.Millisecond)
	for {
		e.mu.Lock()
		locked := e.lockAvailableLocked(req)
		changed := e.changed
		e.mu.Unlock()

		remaining := time.Until(deadline)
		if len(locked) > 0 || remaining <= 0 {
			writeJSON(w, http.StatusOK, locked)
			return
		}

		wait := min(remaining, pollTick)
		select {
		case <-changed:
		case <-time.After(wait):
		case <-r.Context().Done():
			return
		}
	}
}

func (e *Engine) lockAvailableLocked(req fetchRequest) []lockedTask {
	now := time.Now()
	topics := make(map[string]fetchTopic, len(req.Topics))
	for _, t := range req.Topics {
		topics[t.TopicName] = t
	}

	candidates := make([]*Task, 0)
	for _, id := range e.order {
		t := e.tasks[id]
		if t.State != StateAvailable || now.Before(t.RetryAt) {
			continue
		}
		if t.LockedBy != "" && now.Before(t.LockExpiresAt) {
			continue
		}
		if _, ok := topics[t.Topic]; !ok {
			continue
		}
		candidates = append(candidates, t)
	}
	if req.UsePriority {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority > candidates[j].Priority
		})
	}

	out := make([]lockedTask, 0, req.MaxTasks)
	for _, t := range candidates {
		if len(out) == req.MaxTasks {
			break
		}
		topic := topics[t.Topic]
		t.LockedBy = req.WorkerID
		t.LockExpiresAt = now.Add(time.Duration(topic.LockDuration) * time.Millisecond)
		t.FetchCount++

		vars, err := camunda.EncodeVariables(filterVariables(t.Variables, topic.Variables))
		if err != nil {
			continue
		}
		out = append(out, lockedTask{
			ID:                 t.ID,
			ProcessInstanceID:  t.ProcessInstanceID,
			TopicName:          t.Topic,
			BusinessKey:        t.BusinessKey,
			WorkerID:           req.WorkerID,
			Retries:            t.Retries,
			Priority:           t.Priority,
			LockExpirationTime: t.LockExpiresAt.Format(camunda.DateLayout),
			Variables:          vars,
		})
	}
	return out
}

func filterVariables(vars model.Variables, names []string) model.Variables {
	if names == nil {
		return vars
	}
	out := make(model.Variables, len(names))
	for _, n := range names {
		if v, ok := vars[n]; ok {
			out[n] = v
		}
	}
	return out
}

// lockedTaskFor validates that workerID holds the lock on the task in the
// request path. It writes the error response and returns nil otherwise.
func (e *Engine) lockedTaskFor(w http.ResponseWriter, id, workerID string) *Task {
	if e.failReports > 0 {
		e.failReports--
		writeError(w, http.StatusInternalServerError, "ProcessEngineException", "injected report failure")
		return nil
	}
	t, ok := e.tasks[id]
	if !ok || t.State != StateAvailable {
		writeError(w, http.StatusNotFound, "RestException", "external task "+id+" not found")
		return nil
	}
	if t.LockedBy != workerID || time.Now().After(t.LockExpiresAt) {
		writeError(w, http.StatusBadRequest, "BadUserRequestException",
			"external task "+id+" is not locked by worker "+workerID)
		return nil
	}
	return t
}

type completeRequest struct {
	WorkerID  string                        `json:"workerId"`
	Variables map[string]camunda.TypedValue `json:"variables"`
}

func (e *Engine) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "invalid JSON body")
		return
	}
	vars, err := camunda.DecodeVariables(req.Variables)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.lockedTaskFor(w, id, req.WorkerID)
	if t == nil {
		return
	}
	for k, v := range vars {
		t.Variables[k] = v
	}
	t.State = StateCompleted
	t.LockedBy = ""
	e.calls = append(e.calls, Call{Kind: CallComplete, TaskID: id, WorkerID: req.WorkerID, Variables: vars, At: time.Now()})
	e.notifyLocked()
	w.WriteHeader(http.StatusNoContent)
}

type failureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

func (e *Engine) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.lockedTaskFor(w, id, req.WorkerID)
	if t == nil {
		return
	}
	retries := req.Retries
	t.Retries = &retries
	t.ErrorMessage = req.ErrorMessage
	t.ErrorDetails = req.ErrorDetails
	t.LockedBy = ""
	retryTimeout := time.Duration(req.RetryTimeout) * time.Millisecond
	if retries <= 0 {
		t.State = StateIncident
	} else {
		t.RetryAt = time.Now().Add(retryTimeout)
	}
	e.calls = append(e.calls, Call{
		Kind:         CallFailure,
		TaskID:       id,
		WorkerID:     req.WorkerID,
		ErrorMessage: req.ErrorMessage,
		ErrorDetails: req.ErrorDetails,
		Retries:      req.Retries,
		RetryTimeout: retryTimeout,
		At:           time.Now(),
	})
	e.notifyLocked()
	w.WriteHeader(http.StatusNoContent)
}

type bpmnErrorRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *Engine) handleBPMNError(w http.ResponseWriter, r *http.Request) {
	var req bpmnErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.lockedTaskFor(w, id, req.WorkerID)
	if t == nil {
		return
	}
	t.State = StateBPMNError
	t.LockedBy = ""
	e.calls = append(e.calls, Call{
		Kind:         CallBPMNError,
		TaskID:       id,
		WorkerID:     req.WorkerID,
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
		At:           time.Now(),
	})
	e.notifyLocked()
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "RestException", "external task "+id+" not found")
		return
	}
	t.LockedBy = ""
	t.LockExpiresAt = time.Time{}
	e.calls = append(e.calls, Call{Kind: CallUnlock, TaskID: id, At: time.Now()})
	e.notifyLocked()
	w.WriteHeader(http.StatusNoContent)
}

type extendLockRequest struct {
	WorkerID    string `json:"workerId"`
	NewDuration int64  `json:"newDuration"`
}

func (e *Engine) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req extendLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.lockedTaskFor(w, id, req.WorkerID)
	if t == nil {
		return
	}
	d := time.Duration(req.NewDuration) * time.Millisecond
	t.LockExpiresAt = time.Now().Add(d)
	e.calls = append(e.calls, Call{Kind: CallExtendLock, TaskID: id, WorkerID: req.WorkerID, NewDuration: d, At: time.Now()})
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var nt NewTask
	if err := json.NewDecoder(r.Body).Decode(&nt); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "invalid JSON body")
		return
	}
	if nt.Topic == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequestException", "topic is required")
		return
	}
	id := e.AddTask(nt)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type taskView struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	State        string          `json:"state"`
	LockedBy     string          `json:"locked_by,omitempty"`
	Retries      *int            `json:"retries,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FetchCount   int             `json:"fetch_count"`
	Variables    model.Variables `json:"variables,omitempty"`
}

func (e *Engine) handleListTasks(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	views := make([]taskView, 0, len(e.order))
	for _, id := range e.order {
		t := e.tasks[id]
		views = append(views, taskView{
			ID:           t.ID,
			Topic:        t.Topic,
			State:        t.State,
			LockedBy:     t.LockedBy,
			Retries:      t.Retries,
			ErrorMessage: t.ErrorMessage,
			FetchCount:   t.FetchCount,
			Variables:    t.Variables,
		})
	}
	e.mu.Unlock()

	writeJSON(w, http.StatusOK, views)
}

func (e *Engine) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := e.Calls()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(calls) {
		calls = calls[len(calls)-limit:]
	}
	writeJSON(w, http.StatusOK, calls)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, map[string]string{"type": typ, "message": message})
}
