// Package sendmail implements a handler that sends one mail per task. A
// dedup.Keeper claim keyed by the engine task id keeps a re-leased task from
// mailing twice.
package sendmail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/dedup"
	"github.com/seantiz/forge/internal/model"
)

// Input and output variable names.
const (
	VarTo      = "to"
	VarSubject = "subject"
	VarBody    = "body"
	VarSent    = "mailSent"
)

const (
	// DefaultClaimTTL bounds how long a sent mail suppresses a repeat.
	DefaultClaimTTL = 24 * time.Hour

	failureMessage = "Send Mail Failed"
)

// Message is a plain-text mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Handler sends the mail described by the task variables.
type Handler struct {
	sender Sender
	from   string
	keeper dedup.Keeper
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a send-mail handler. A zero ttl uses DefaultClaimTTL.
func New(sender Sender, from string, keeper dedup.Keeper, ttl time.Duration, logger *slog.Logger) *Handler {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &Handler{
		sender: sender,
		from:   from,
		keeper: keeper,
		ttl:    ttl,
		logger: logger,
	}
}

// Handle sends the mail described by the lease variables at most once per task.
func (h *Handler) Handle(ctx context.Context, lease model.Lease) (model.Outcome, error) {
	msg, err := h.message(lease.Variables)
	if err != nil {
		return model.Fail(failureMessage, err.Error()), nil
	}

	key := "send-mail:" + lease.TaskID
	claimed, err := h.keeper.Claim(ctx, key, h.ttl)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("claim mail for task %s: %w", lease.TaskID, err)
	}
	if !claimed {
		h.logger.InfoContext(ctx, "mail already sent for task, skipping",
			"task_id", lease.TaskID,
			"process_instance_id", lease.ProcessInstanceID,
		)
		return model.Complete(model.Variables{VarSent: true}), nil
	}

	if err := h.sender.Send(ctx, msg); err != nil {
		if relErr := h.keeper.Release(context.WithoutCancel(ctx), key); relErr != nil {
			h.logger.Warn("failed to release mail claim", "task_id", lease.TaskID, "error", relErr)
		}
		h.logger.WarnContext(ctx, "sending mail failed",
			"task_id", lease.TaskID,
			"to", strings.Join(msg.To, ","),
			"error", err,
		)
		return model.Fail(failureMessage, err.Error()), nil
	}

	h.logger.InfoContext(ctx, "mail sent",
		"task_id", lease.TaskID,
		"process_instance_id", lease.ProcessInstanceID,
		"to", strings.Join(msg.To, ","),
	)
	return model.Complete(model.Variables{VarSent: true}), nil
}

func (h *Handler) message(vars model.Variables) (Message, error) {
	raw, _ := vars.String(VarTo)
	var to []string
	for _, addr := range strings.Split(raw, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return Message{}, fmt.Errorf("variable %q is not set", VarTo)
	}

	subject, _ := vars.String(VarSubject)
	body, _ := vars.String(VarBody)
	return Message{From: h.from, To: to, Subject: subject, Body: body}, nil
}
