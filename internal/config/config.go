// Package config defines the configuration accepted from the driver
// (CLI flags or an optional config file) for the sender and receiver,
// plus field-level validation in the style of the teacher example this
// module was grown from.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Protocol constants (spec.md §3, §6).
const (
	ProtocolMaxPayload = 1463
	BatchSize          = 10

	DefaultHandshakeTimeout   = 2 * time.Second
	DefaultInterFragTimeout   = 1 * time.Second
	DefaultKeepAliveInterval  = 25 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultReadBuffer         = 4 << 20
	DefaultWriteBuffer        = 4 << 20
)

// ValidationError reports an invalid configuration field, mirroring
// the teacher's per-field validation error shape.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
}

// SenderConfig is the (endpoint, payload, fragment_size, mode)
// configuration the menu driver hands to the sender (spec.md §1, §6).
type SenderConfig struct {
	Host         string
	Port         int
	FragmentSize int // 0 = auto
	Payload      []byte
	Filename     string // empty => message mode, non-empty => file mode
	InjectAlter  bool   // ALTERED error-injection toggle, per-session (spec.md §4.5, §9)
	InjectMiss   bool   // MISSING error-injection toggle, per-session
	Retries      int
}

// ReceiverConfig is the (bind_port) configuration handed to the
// receiver; bind address is always 0.0.0.0 per spec.md §6.
type ReceiverConfig struct {
	Port int
}

// ValidateHost checks that host is a usable IP literal or DNS name,
// following the teacher's ValidateHost.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return ValidationError{Field: "host", Message: "must not be empty"}
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if isValidHostname(host) {
		return nil
	}
	return ValidationError{Field: "host", Message: "not a valid IP or hostname"}
}

// ValidatePort checks a port is within the 1-65535 range (spec.md §6).
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return ValidationError{Field: "port", Message: "must be between 1 and 65535"}
	}
	return nil
}

// ValidateFragmentSize checks 0 (auto) or 1..1463 (spec.md §6).
func ValidateFragmentSize(size int) error {
	if size < 0 || size > ProtocolMaxPayload {
		return ValidationError{Field: "fragment_size", Message: fmt.Sprintf("must be 0 (auto) or between 1 and %d", ProtocolMaxPayload)}
	}
	return nil
}

// ValidateSender aggregates all field validations for a SenderConfig.
func ValidateSender(cfg SenderConfig) []error {
	var errs []error
	if err := ValidateHost(cfg.Host); err != nil {
		errs = append(errs, err)
	}
	if err := ValidatePort(cfg.Port); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateFragmentSize(cfg.FragmentSize); err != nil {
		errs = append(errs, err)
	}
	if len(cfg.Payload) == 0 {
		errs = append(errs, ValidationError{Field: "payload", Message: "must not be empty"})
	}
	return errs
}

// ValidateReceiver aggregates all field validations for a ReceiverConfig.
func ValidateReceiver(cfg ReceiverConfig) []error {
	var errs []error
	if err := ValidatePort(cfg.Port); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if alnum {
				continue
			}
			if r == '-' && i != 0 && i != len(label)-1 {
				continue
			}
			return false
		}
	}
	return true
}

// FileDefaults is the optional subset of sender/receiver defaults a
// config file (YAML, TOML, JSON, env) may supply, loaded with viper —
// the config library used elsewhere in this corpus — layered under
// whatever the CLI flags explicitly set. Host, Port and FragmentSize
// feed the CLI flag values; Retries, HandshakeTimeout and
// KeepAliveInterval are loaded but not applied anywhere, and the sender
// and receiver always run on the fixed Default* timeouts above.
type FileDefaults struct {
	Host              string
	Port              int
	FragmentSize      int
	Retries           int
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
}

// LoadFileDefaults reads configPath (if non-empty and present) with
// viper and environment variables prefixed RUDP_, returning whatever
// defaults it finds. A missing file is not an error — callers fall
// back to the package defaults.
func LoadFileDefaults(configPath string) (FileDefaults, error) {
	v := viper.New()
	v.SetEnvPrefix("RUDP")
	v.AutomaticEnv()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 19000)
	v.SetDefault("fragment_size", 0)
	v.SetDefault("retries", 5)
	v.SetDefault("handshake_timeout", DefaultHandshakeTimeout)
	v.SetDefault("keep_alive_interval", DefaultKeepAliveInterval)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return FileDefaults{}, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	return FileDefaults{
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		FragmentSize:      v.GetInt("fragment_size"),
		Retries:           v.GetInt("retries"),
		HandshakeTimeout:  v.GetDuration("handshake_timeout"),
		KeepAliveInterval: v.GetDuration("keep_alive_interval"),
	}, nil
}
