// Package probe implements the penetration-test handler: an HTTP GET against
// a URL taken from the task, with the response body stored as output.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/seantiz/forge/internal/model"
)

const (
	// VarURL names the optional input variable holding the target URL.
	VarURL = "testUrl"
	// VarResult names the output variable holding the response body.
	VarResult = "testResult"

	failureMessage = "Penetration Test Failed"
	maxBodyBytes   = 1 << 20
)

// Handler probes a URL and records what it answered.
type Handler struct {
	client     *http.Client
	defaultURL string
	logger     *slog.Logger
}

// New creates a probe handler. A nil client uses http.DefaultClient.
func New(client *http.Client, defaultURL string, logger *slog.Logger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{client: client, defaultURL: defaultURL, logger: logger}
}

// Handle fetches the configured URL. A non-200 answer raises an incident.
func (h *Handler) Handle(ctx context.Context, lease model.Lease) (model.Outcome, error) {
	target, ok := lease.Variables.String(VarURL)
	if !ok || target == "" {
		target = h.defaultURL
	}

	h.logger.InfoContext(ctx, "starting penetration test",
		"task_id", lease.TaskID,
		"process_instance_id", lease.ProcessInstanceID,
		"url", target,
	)

	result, err := h.probe(ctx, target)
	if err != nil {
		h.logger.WarnContext(ctx, "penetration test failed",
			"task_id", lease.TaskID,
			"url", target,
			"error", err,
		)
		return model.Fail(failureMessage, err.Error()), nil
	}

	h.logger.InfoContext(ctx, "penetration test completed",
		"task_id", lease.TaskID,
		"url", target,
		"result_bytes", len(result),
	)
	return model.Complete(model.Variables{
		VarResult: result,
		VarURL:    target,
	}), nil
}

func (h *Handler) probe(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP request failed with response code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	// The result is stored as one line.
	return strings.NewReplacer("\r", "", "\n", "").Replace(string(body)), nil
}
