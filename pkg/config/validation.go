package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration. Log levels are normalized to uppercase
// before struct validation so that env-provided lowercase values pass.
func Validate(cfg *Config) error {
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	switch cfg.Profile {
	case ProfileProduction, ProfileDevelopment, ProfileTesting, ProfileLocal:
	default:
		return fmt.Errorf("unknown profile: %q", cfg.Profile)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			field := errs[0]
			return fmt.Errorf("invalid value for %s: %q (%s)",
				strings.ToLower(field.Namespace()), field.Value(), field.Tag())
		}
		return err
	}

	if err := cfg.Cache.Validate(); err != nil {
		return err
	}

	if cfg.SecretKey == "CHANGE_ME" && cfg.Profile == ProfileProduction {
		return fmt.Errorf("secret_key still has the placeholder value; run 'mokuro-online secret' to generate one")
	}

	return nil
}
