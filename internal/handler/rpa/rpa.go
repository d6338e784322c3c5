// Package rpa implements a handler that runs a robot package through an
// external robot executable (UiRobot by default).
package rpa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// VarOutput names the output variable holding the robot's console output.
const VarOutput = "robotOutput"

const (
	failureMessage = "RPA Robot Failed"
	maxOutputBytes = 64 << 10
	waitDelay      = 5 * time.Second
)

// Handler runs `<executable> execute --file <package> [--input <json>]`.
type Handler struct {
	executable string
	pkg        string
	logger     *slog.Logger
}

// New creates a robot handler for one package.
func New(executable, pkg string, logger *slog.Logger) *Handler {
	return &Handler{executable: executable, pkg: pkg, logger: logger}
}

// Handle runs the robot package and completes with its output.
func (h *Handler) Handle(ctx context.Context, lease model.Lease) (model.Outcome, error) {
	if h.pkg == "" {
		return model.Fail(failureMessage, "no robot package configured"), nil
	}

	args := []string{"execute", "--file", h.pkg}
	if len(lease.Variables) > 0 {
		input, err := json.Marshal(lease.Variables)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("encode robot input: %w", err)
		}
		args = append(args, "--input", string(input))
	}

	h.logger.InfoContext(ctx, "starting robot",
		"task_id", lease.TaskID,
		"process_instance_id", lease.ProcessInstanceID,
		"package", h.pkg,
	)

	out := &limitedBuffer{max: maxOutputBytes}
	cmd := exec.CommandContext(ctx, h.executable, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		var exitErr *exec.ExitError
		detail := err.Error()
		if errors.As(err, &exitErr) {
			detail = fmt.Sprintf("robot exited with code %d", exitErr.ExitCode())
		}
		if output != "" {
			detail += "\n" + output
		}
		h.logger.WarnContext(ctx, "robot failed",
			"task_id", lease.TaskID,
			"package", h.pkg,
			"error", err,
		)
		return model.Fail(failureMessage, detail), nil
	}

	h.logger.InfoContext(ctx, "robot finished",
		"task_id", lease.TaskID,
		"package", h.pkg,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return model.Complete(model.Variables{VarOutput: output}), nil
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
