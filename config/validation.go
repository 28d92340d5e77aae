package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and the rules
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Lock.PollInterval > cfg.Lock.Timeout {
		return fmt.Errorf("lock: poll_interval %s exceeds timeout %s", cfg.Lock.PollInterval, cfg.Lock.Timeout)
	}

	b := cfg.Backends
	enabled := map[string]bool{
		"local": !b.Local.Disabled,
		"mem":   !b.Memory.Disabled,
		"s3":    !b.S3.Disabled,
		"sftp":  !b.SFTP.Disabled && b.SFTP.Options["host"] != nil,
		"http":  !b.HTTP.Disabled,
	}
	if target := cfg.Localize.DefaultTarget; !enabled[target] {
		return fmt.Errorf("localize: default_target %q is not an enabled backend", target)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
