package config

import (
	"errors"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMissingAPIURL is the configuration error raised before any remote call
// when the collection service base URL is not configured.
var ErrMissingAPIURL = errors.New("missing API URL in payment processor configuration")

// ProcessorDetails are the credentials of the direct-debit collection service.
type ProcessorDetails struct {
	APIURL      string `validate:"required,url"`
	Username    string `validate:"required"`
	Password    string `validate:"required"`
	ServiceUser string `validate:"required"`
}

var processorValidator = validator.New()

// GetProcessorDetails reads DD_API_URL, DD_API_USER, DD_API_PASSWORD and DD_SERVICE_USER.
// The test (sandbox) variants are DD_TEST_API_URL etc.
func GetProcessorDetails(test bool) ProcessorDetails {
	prefix := "DD_"
	if test {
		prefix = "DD_TEST_"
	}
	return ProcessorDetails{
		APIURL:      strings.TrimSpace(os.Getenv(prefix + "API_URL")),
		Username:    strings.TrimSpace(os.Getenv(prefix + "API_USER")),
		Password:    os.Getenv(prefix + "API_PASSWORD"),
		ServiceUser: strings.TrimSpace(os.Getenv(prefix + "SERVICE_USER")),
	}
}

// Validate returns ErrMissingAPIURL when the base URL is absent so callers can
// tell the fatal configuration case apart from other field errors.
func (p ProcessorDetails) Validate() error {
	if strings.TrimSpace(p.APIURL) == "" {
		return ErrMissingAPIURL
	}
	return processorValidator.Struct(p)
}
