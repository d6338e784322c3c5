package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Handler kinds a subscription can name.
const (
	KindPrintVariables = "print-variables"
	KindSendMail       = "send-mail"
	KindHTTPProbe      = "http-probe"
	KindRPA            = "rpa"
)

var knownKinds = map[string]bool{
	KindPrintVariables: true,
	KindSendMail:       true,
	KindHTTPProbe:      true,
	KindRPA:            true,
}

// SubscriptionSpec is one entry of the subscriptions file.
type SubscriptionSpec struct {
	Topic        string        `yaml:"topic"`
	Handler      string        `yaml:"handler"`
	LockDuration time.Duration `yaml:"lock_duration,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	Variables    []string      `yaml:"variables,omitempty"`
	AutoExtend   bool          `yaml:"auto_extend,omitempty"`
}

type subscriptionsFile struct {
	Subscriptions []SubscriptionSpec `yaml:"subscriptions"`
}

// DefaultSubscriptions returns the topics served when no subscriptions file
// is configured.
func DefaultSubscriptions(cfg Config) []SubscriptionSpec {
	specs := []SubscriptionSpec{
		{Topic: "print-variables", Handler: KindPrintVariables},
		{Topic: "send-mail", Handler: KindSendMail},
		{Topic: "penetration-test", Handler: KindHTTPProbe},
		{Topic: "RPA-Zielgruppe", Handler: KindRPA},
	}
	for i := range specs {
		applyDefaults(&specs[i], cfg)
	}
	return specs
}

// LoadSubscriptions reads cfg.SubscriptionsFile, or returns the defaults
// when it is unset. Lock duration and timeout fall back to the global
// settings.
func LoadSubscriptions(cfg Config) ([]SubscriptionSpec, error) {
	if cfg.SubscriptionsFile == "" {
		return DefaultSubscriptions(cfg), nil
	}

	data, err := os.ReadFile(cfg.SubscriptionsFile)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	return ParseSubscriptions(data, cfg)
}

// ParseSubscriptions decodes a subscriptions document. Unknown fields,
// unknown handler kinds and duplicate topics are errors.
func ParseSubscriptions(data []byte, cfg Config) ([]SubscriptionSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file subscriptionsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse subscriptions: %w", err)
	}
	if len(file.Subscriptions) == 0 {
		return nil, errors.New("parse subscriptions: no subscriptions defined")
	}

	seen := make(map[string]bool, len(file.Subscriptions))
	for i := range file.Subscriptions {
		spec := &file.Subscriptions[i]
		switch {
		case spec.Topic == "":
			return nil, fmt.Errorf("subscription %d: topic is required", i)
		case seen[spec.Topic]:
			return nil, fmt.Errorf("subscription %q: duplicate topic", spec.Topic)
		case !knownKinds[spec.Handler]:
			return nil, fmt.Errorf("subscription %q: unknown handler %q", spec.Topic, spec.Handler)
		case spec.LockDuration < 0 || spec.Timeout < 0:
			return nil, fmt.Errorf("subscription %q: durations must not be negative", spec.Topic)
		}
		seen[spec.Topic] = true
		applyDefaults(spec, cfg)
	}
	return file.Subscriptions, nil
}

func applyDefaults(spec *SubscriptionSpec, cfg Config) {
	if spec.LockDuration == 0 {
		spec.LockDuration = cfg.LockDuration
	}
	if spec.Timeout == 0 {
		spec.Timeout = cfg.HandlerTimeout
	}
}
