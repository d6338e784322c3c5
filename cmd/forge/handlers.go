package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/dedup"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/handler/printvars"
	"github.com/seantiz/forge/internal/handler/probe"
	"github.com/seantiz/forge/internal/handler/rpa"
	"github.com/seantiz/forge/internal/handler/sendmail"
)

// handlerDeps holds what the built-in handlers are constructed from.
type handlerDeps struct {
	cfg    config.Config
	logger *slog.Logger

	probeClient *http.Client
	mail        sendmail.Sender
	keeper      dedup.Keeper
	closers     []func() error
}

func newHandlerDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (*handlerDeps, error) {
	deps := &handlerDeps{
		cfg:         cfg,
		logger:      logger,
		probeClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		keeper:      dedup.NewMemory(),
	}

	if cfg.RedisURL != "" {
		r, err := dedup.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		deps.keeper = r
		deps.closers = append(deps.closers, r.Close)
	}

	sender, err := sendmail.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPassword)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.mail = sender

	return deps, nil
}

// Close releases connections held by the dependencies.
func (d *handlerDeps) Close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.logger.Warn("close handler dependency", "error", err)
		}
	}
}

func (d *handlerDeps) build(kind string) (handler.Handler, error) {
	switch kind {
	case config.KindPrintVariables:
		return printvars.New(d.logger), nil
	case config.KindHTTPProbe:
		return probe.New(d.probeClient, d.cfg.ProbeDefaultURL, d.logger), nil
	case config.KindSendMail:
		return sendmail.New(d.mail, d.cfg.SMTPFrom, d.keeper, sendmail.DefaultClaimTTL, d.logger), nil
	case config.KindRPA:
		return rpa.New(d.cfg.RPAExecutable, d.cfg.RPAPackage, d.logger), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", kind)
	}
}

// buildRegistry registers one subscription per spec. A bad spec yields a
// *handler.ConfigurationError.
func buildRegistry(specs []config.SubscriptionSpec, deps *handlerDeps) (*handler.Registry, error) {
	reg := handler.NewRegistry()
	for _, spec := range specs {
		h, err := deps.build(spec.Handler)
		if err != nil {
			return nil, &handler.ConfigurationError{Topic: spec.Topic, Err: err}
		}
		err = reg.Register(handler.Subscription{
			Topic:        spec.Topic,
			LockDuration: spec.LockDuration,
			Handler:      h,
			Variables:    spec.Variables,
			Timeout:      spec.Timeout,
			AutoExtend:   spec.AutoExtend,
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
