package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers Dockhand-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration strings ("30s", "2m")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	// credential_hash: validates "sha256:<64 hex>" or Argon2id PHC strings
	if err := v.RegisterValidation("credential_hash", validateCredentialHash); err != nil {
		return fmt.Errorf("failed to register credential_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts anything time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateCredentialHash validates a stored credential hash.
// Valid forms: "sha256:<64 hex chars>" or an Argon2id PHC string
// ("$argon2id$...").
func validateCredentialHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	if strings.HasPrefix(h, "sha256:") {
		return isHex64(strings.TrimPrefix(h, "sha256:"))
	}
	return strings.HasPrefix(h, "$argon2id$")
}

// isHex64 reports whether s is exactly 64 hexadecimal characters, the
// length of a SHA-256 digest.
func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	// Create validator with required struct enabled
	v := validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: heartbeat window sanity
	if err := c.validateHeartbeatWindow(); err != nil {
		return err
	}

	// Cross-field validation: TLS cert/key pairing
	if err := c.validateTLSPair(); err != nil {
		return err
	}

	// Cross-field validation: seeded token id uniqueness
	if err := c.validateTokenIDs(); err != nil {
		return err
	}

	return nil
}

// validateHeartbeatWindow ensures the timeout spans at least one full
// heartbeat interval. A shorter window would tear down healthy
// connections between pings.
func (c *Config) validateHeartbeatWindow() error {
	interval := ParseDuration(c.Tunnel.HeartbeatInterval, 0)
	timeout := ParseDuration(c.Tunnel.HeartbeatTimeout, 0)
	if interval <= 0 || timeout <= 0 {
		// Unset fields take defaults, which satisfy the window.
		return nil
	}
	if timeout <= interval {
		return fmt.Errorf("tunnel: heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Tunnel.HeartbeatTimeout, c.Tunnel.HeartbeatInterval)
	}
	return nil
}

// validateTLSPair ensures tls_cert and tls_key are configured together.
func (c *Config) validateTLSPair() error {
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	return nil
}

// validateTokenIDs rejects duplicate seeded token ids, which would make
// revocation ambiguous.
func (c *Config) validateTokenIDs() error {
	seen := make(map[string]struct{}, len(c.Tokens))
	for i, tok := range c.Tokens {
		if _, dup := seen[tok.ID]; dup {
			return fmt.Errorf("tokens[%d]: duplicate token id: %s", i, tok.ID)
		}
		seen[tok.ID] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a Go duration such as \"30s\" or \"2m\"", field)
	case "credential_hash":
		return fmt.Sprintf("%s must be 'sha256:<64 hex>' or an argon2id PHC string", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
