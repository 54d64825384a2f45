package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures by how the run reacts to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient failures are retried with backoff and surface only after exhaustion.
	KindTransient
	// KindFatalConfig stops the run: missing parameters or document ids.
	KindFatalConfig
	// KindFatalAuth is a 403/404 on an authoritative fetch; never retried.
	KindFatalAuth
	// KindBestEffort failures are logged and skipped.
	KindBestEffort
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatalConfig:
		return "fatal-config"
	case KindFatalAuth:
		return "fatal-auth"
	case KindBestEffort:
		return "best-effort"
	}
	return "unknown"
}

type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// ConfigError reports missing or invalid run input.
type ConfigError struct {
	Op      string
	Missing []string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("%s: invalid configuration", e.Op)
	}
	return fmt.Sprintf("%s: missing %s", e.Op, strings.Join(e.Missing, ", "))
}

func (e *ConfigError) Kind() Kind { return KindFatalConfig }
