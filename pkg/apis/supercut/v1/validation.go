package supercutv1

import (
	"fmt"

	"github.com/kralicky/supercut/pkg/scripts"
)

// ValidationError reports a missing or malformed request field. Its message
// is returned to the client as-is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func Invalid(message string) error {
	return &ValidationError{Message: message}
}

func validateFiles(files []string) error {
	if len(files) == 0 {
		return Invalid("No files provided")
	}
	for _, f := range files {
		if f == "" {
			return Invalid("File names must not be empty")
		}
	}
	return nil
}

func (r *TranscribeRequest) Validate() error {
	if err := validateFiles(r.Files); err != nil {
		return err
	}
	if r.MaxAttempts < 0 {
		return Invalid("maxAttempts must be >= 1")
	}
	if b := r.Backoff; b != nil {
		if b.InitialDelay < 0 || (b.Multiplier != 0 && b.Multiplier < 1) {
			return Invalid("backoff must have a non-negative initialDelay and a multiplier >= 1")
		}
	}
	if r.Timeout < 0 {
		return Invalid("timeout must not be negative")
	}
	return nil
}

// Validate checks the request and returns its normalized search type.
func (r *SearchRequest) Validate() (scripts.SearchType, error) {
	if err := validateFiles(r.Files); err != nil {
		return "", err
	}
	if r.Query == "" {
		return "", Invalid("No search query provided")
	}
	st, err := scripts.ParseSearchType(r.SearchType)
	if err != nil {
		return "", Invalid(fmt.Sprintf("Invalid search type %q", r.SearchType))
	}
	return st, nil
}

func (r *NgramsRequest) Validate() error {
	if err := validateFiles(r.Files); err != nil {
		return err
	}
	if r.N < 1 {
		return Invalid("n must be >= 1")
	}
	return nil
}

func (r *ExportRequest) Validate() (scripts.SearchType, error) {
	st, err := r.SearchRequest.Validate()
	if err != nil {
		return "", err
	}
	if r.Padding < 0 {
		return "", Invalid("padding must not be negative")
	}
	return st, nil
}
