package camunda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seantiz/forge/internal/model"
)

const (
	// requestTimeout bounds every call except fetch-and-lock.
	requestTimeout = 30 * time.Second

	// longPollSlack is added to the async response timeout so the engine, not
	// the client, ends an idle long poll.
	longPollSlack = 10 * time.Second

	maxErrorBody = 64 << 10
)

// Config holds the engine connection settings.
type Config struct {
	// BaseURL is the REST root, e.g. http://localhost:8080/engine-rest.
	BaseURL  string
	WorkerID string
	Username string
	Password string

	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// Client talks to the external-task API of one engine as one worker.
type Client struct {
	baseURL  string
	workerID string
	username string
	password string
	http     *http.Client
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("engine url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		workerID: cfg.WorkerID,
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
	}, nil
}

// WorkerID returns the id this client locks tasks under.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Topic is one entry of a fetch-and-lock request.
type Topic struct {
	Name         string
	LockDuration time.Duration
	// Variables restricts the fetched variables. Nil fetches all.
	Variables []string
}

// FetchRequest describes one fetch-and-lock round trip.
type FetchRequest struct {
	Topics               []Topic
	MaxTasks             int
	AsyncResponseTimeout time.Duration
	UsePriority          bool
}

// LockedTask is an external task locked for this worker.
type LockedTask struct {
	ID                string
	ProcessInstanceID string
	TopicName         string
	BusinessKey       string
	WorkerID          string
	Retries           *int
	Priority          int64
	Variables         model.Variables

	// DecodeErr is set when the task's variables could not be decoded.
	// The task is still locked and must be settled by the caller.
	DecodeErr error
}

// Failure carries the fields of a failure report.
type Failure struct {
	Message      string
	Detail       string
	Retries      int
	RetryTimeout time.Duration
}

type fetchTopicDTO struct {
	TopicName    string   `json:"topicName"`
	LockDuration int64    `json:"lockDuration"`
	Variables    []string `json:"variables,omitempty"`
}

type fetchRequestDTO struct {
	WorkerID             string          `json:"workerId"`
	MaxTasks             int             `json:"maxTasks"`
	UsePriority          bool            `json:"usePriority"`
	AsyncResponseTimeout int64           `json:"asyncResponseTimeout,omitempty"`
	Topics               []fetchTopicDTO `json:"topics"`
}

type lockedTaskDTO struct {
	ID                string                `json:"id"`
	ProcessInstanceID string                `json:"processInstanceId"`
	TopicName         string                `json:"topicName"`
	BusinessKey       string                `json:"businessKey"`
	WorkerID          string                `json:"workerId"`
	Retries           *int                  `json:"retries"`
	Priority          int64                 `json:"priority"`
	Variables         map[string]TypedValue `json:"variables"`
}

type completeDTO struct {
	WorkerID  string                `json:"workerId"`
	Variables map[string]TypedValue `json:"variables,omitempty"`
}

type failureDTO struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

type bpmnErrorDTO struct {
	WorkerID     string `json:"workerId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type extendLockDTO struct {
	WorkerID    string `json:"workerId"`
	NewDuration int64  `json:"newDuration"`
}

type errorDTO struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FetchAndLock locks up to MaxTasks tasks across all requested topics. The
// call blocks server-side for up to AsyncResponseTimeout when no work is
// available and then returns an empty slice.
func (c *Client) FetchAndLock(ctx context.Context, req FetchRequest) ([]LockedTask, error) {
	body := fetchRequestDTO{
		WorkerID:             c.workerID,
		MaxTasks:             req.MaxTasks,
		UsePriority:          req.UsePriority,
		AsyncResponseTimeout: req.AsyncResponseTimeout.Milliseconds(),
		Topics:               make([]fetchTopicDTO, 0, len(req.Topics)),
	}
	for _, t := range req.Topics {
		body.Topics = append(body.Topics, fetchTopicDTO{
			TopicName:    t.Name,
			LockDuration: t.LockDuration.Milliseconds(),
			Variables:    t.Variables,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, req.AsyncResponseTimeout+longPollSlack)
	defer cancel()

	var dtos []lockedTaskDTO
	if err := c.post(ctx, "/external-task/fetchAndLock", body, &dtos); err != nil {
		return nil, err
	}

	tasks := make([]LockedTask, 0, len(dtos))
	for _, d := range dtos {
		vars, err := DecodeVariables(d.Variables)
		tasks = append(tasks, LockedTask{
			ID:                d.ID,
			ProcessInstanceID: d.ProcessInstanceID,
			TopicName:         d.TopicName,
			BusinessKey:       d.BusinessKey,
			WorkerID:          d.WorkerID,
			Retries:           d.Retries,
			Priority:          d.Priority,
			Variables:         vars,
			DecodeErr:         err,
		})
	}
	return tasks, nil
}

// Complete finishes a task and hands output variables to the process.
func (c *Client) Complete(ctx context.Context, taskID string, vars model.Variables) error {
	encoded, err := EncodeVariables(vars)
	if err != nil {
		return err
	}
	return c.call(ctx, taskID, "complete", completeDTO{WorkerID: c.workerID, Variables: encoded})
}

// HandleFailure reports a technical failure. Zero retries make the engine
// raise an incident.
func (c *Client) HandleFailure(ctx context.Context, taskID string, f Failure) error {
	return c.call(ctx, taskID, "failure", failureDTO{
		WorkerID:     c.workerID,
		ErrorMessage: f.Message,
		ErrorDetails: f.Detail,
		Retries:      f.Retries,
		RetryTimeout: f.RetryTimeout.Milliseconds(),
	})
}

// HandleBpmnError reports a business error that the process model catches.
func (c *Client) HandleBpmnError(ctx context.Context, taskID, code, message string) error {
	return c.call(ctx, taskID, "bpmnError", bpmnErrorDTO{
		WorkerID:     c.workerID,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// Unlock releases the lock so another worker can fetch the task at once.
func (c *Client) Unlock(ctx context.Context, taskID string) error {
	return c.call(ctx, taskID, "unlock", nil)
}

// ExtendLock sets the lock to expire d from now.
func (c *Client) ExtendLock(ctx context.Context, taskID string, d time.Duration) error {
	return c.call(ctx, taskID, "extendLock", extendLockDTO{
		WorkerID:    c.workerID,
		NewDuration: d.Milliseconds(),
	})
}

func (c *Client) call(ctx context.Context, taskID, action string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.post(ctx, "/external-task/"+url.PathEscape(taskID)+"/"+action, body, nil)
}

// post sends body as JSON and decodes a 2xx response into out when out is
// non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w: %w", path, ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readEngineError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w: %w", path, ErrTransport, err)
	}
	return nil
}

func readEngineError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	engErr := &EngineError{Status: resp.StatusCode}
	var dto errorDTO
	if err := json.Unmarshal(data, &dto); err == nil && (dto.Message != "" || dto.Type != "") {
		engErr.Type = dto.Type
		engErr.Message = dto.Message
	} else {
		engErr.Message = strings.TrimSpace(string(data))
	}
	if engErr.Message == "" {
		engErr.Message = http.StatusText(resp.StatusCode)
	}
	return engErr
}
