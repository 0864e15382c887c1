package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/soilsnap/edge/internal/types"
)

// Limits applied to operations accepted for queueing.
const (
	MaxURLLength  = 2048
	MaxMetaLength = 256
	MaxBodyBytes  = 1 << 20
	MaxTagLength  = 128
)

// QueueableMethods lists the HTTP methods a queued operation may use.
var QueueableMethods = []string{"POST", "PUT", "PATCH", "DELETE"}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateURL returns an error unless value is root-relative or an absolute
// http(s) URL.
func ValidateURL(field, value string) *ValidationError {
	if strings.HasPrefix(value, "/") && !strings.HasPrefix(value, "//") {
		if _, err := url.ParseRequestURI(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a valid path"}
		}
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{
			Field:   field,
			Message: "must be a root-relative path or an absolute http(s) URL",
		}
	}
	return nil
}

// ValidateJSON returns an error if a non-empty value is not valid JSON or
// exceeds max bytes.
func ValidateJSON(field string, value json.RawMessage, max int) *ValidationError {
	if len(value) == 0 {
		return nil
	}
	if len(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", max),
		}
	}
	if !json.Valid(value) {
		return &ValidationError{Field: field, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateOperation checks an operation before it is sent or queued.
func ValidateOperation(op types.Operation) []ValidationError {
	var c Collector

	if op.Method != "" {
		c.Add(ValidateEnum("method", op.EffectiveMethod(), QueueableMethods))
	}
	if err := ValidateRequired("url", op.URL); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateMaxLength("url", op.URL, MaxURLLength))
		c.Add(ValidateURL("url", op.URL))
	}
	c.Add(ValidateJSON("body", op.Body, MaxBodyBytes))
	c.Add(ValidateMaxLength("meta", op.Meta, MaxMetaLength))
	c.Add(ValidateNoNullBytes("meta", op.Meta))

	return c.Errors()
}

// ValidateSyncTag checks a background-sync tag.
func ValidateSyncTag(tag string) []ValidationError {
	var c Collector
	if err := ValidateRequired("tag", tag); err != nil {
		c.Add(err)
		return c.Errors()
	}
	c.Add(ValidateMaxLength("tag", tag, MaxTagLength))
	c.Add(ValidateUTF8("tag", tag))
	c.Add(ValidateNoNullBytes("tag", tag))
	return c.Errors()
}
