package cloud

import (
	"fmt"
	"time"
)

// ConfigError reports invalid caller input: duplicate nicknames, an empty
// batch, an unsupported region, or an incomplete descriptor. It is always
// raised before any provider call is made.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a non-transient failure from a provider control-plane
// call, carrying the operation that failed.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError reports that the wait budget elapsed during a named
// provisioning stage.
type TimeoutError struct {
	Stage string
	Wait  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s wait limit of %v exceeded", e.Stage, e.Wait)
}

// ConnectError reports an SSH handshake failure against one machine.
type ConnectError struct {
	Nickname string
	Addr     string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to ssh to machine %s at %s: %v", e.Nickname, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SetupError reports a failed user setup procedure on one machine.
type SetupError struct {
	Nickname string
	Err      error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup procedure for machine %s failed: %v", e.Nickname, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
