package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Content.Type == "s3" {
		s3Cfg, err := cfg.S3Config()
		if err != nil {
			return err
		}
		if s3Cfg.Bucket == "" || s3Cfg.Region == "" {
			return fmt.Errorf("content.s3: bucket and region are required")
		}
	}
	if cfg.Content.MaxUpload > cfg.Server.MaxBodySize {
		return fmt.Errorf("content.max_upload (%d) exceeds server.max_body_size (%d)",
			cfg.Content.MaxUpload, cfg.Server.MaxBodySize)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
