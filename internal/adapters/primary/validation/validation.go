package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

const (
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 1 << 20
	// MaxIdentifierLen bounds ticket and identity ids.
	MaxIdentifierLen = 128
)

const msgRequired = "This field is required"

// Validator collects field errors. Each rule is a no-op on an empty value
// except Required, so rules chain without repeating presence checks.
type Validator struct {
	errors *apperrors.ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{errors: apperrors.NewValidationErrors()}
}

// HasErrors reports whether any rule failed.
func (v *Validator) HasErrors() bool { return v.errors.HasErrors() }

// Errors returns the collected field errors.
func (v *Validator) Errors() *apperrors.ValidationErrors { return v.errors }

// Err returns the collected errors, or nil when there are none
func (v *Validator) Err() error {
	if v.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) check(field string, ok bool, format string, args ...any) *Validator {
	if !ok {
		v.errors.Add(field, fmt.Sprintf(format, args...))
	}
	return v
}

// Required rejects blank values.
func (v *Validator) Required(field, value string) *Validator {
	return v.check(field, strings.TrimSpace(value) != "", msgRequired)
}

// MaxLength limits value to max characters.
func (v *Validator) MaxLength(field, value string, max int) *Validator {
	return v.check(field, utf8.RuneCountInString(value) <= max, "Must be at most %d characters", max)
}

// OneOf restricts value to allowed.
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	return v.check(field, value == "" || slices.Contains(allowed, value),
		"Must be one of: %s", strings.Join(allowed, ", "))
}

// Identifier accepts a required opaque id of printable non-space characters.
func (v *Validator) Identifier(field, value string) *Validator {
	if value == "" {
		return v.check(field, false, msgRequired)
	}
	return v.check(field, len(value) <= MaxIdentifierLen && !strings.ContainsFunc(value, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	}), "Must be at most %d printable characters without spaces", MaxIdentifierLen)
}

// URL accepts a site-relative path or an absolute http(s) URL.
func (v *Validator) URL(field, value string) *Validator {
	return v.check(field, value == "" || safeLink(value), "Must be an http(s) URL or an absolute path")
}

func safeLink(value string) bool {
	if strings.HasPrefix(value, "/") {
		return !strings.HasPrefix(value, "//") && !strings.HasPrefix(value, `/\`)
	}
	u, err := url.Parse(value)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Custom records message against field unless valid.
func (v *Validator) Custom(field string, valid bool, message string) *Validator {
	return v.check(field, valid, "%s", message)
}

// Validatable is implemented by request bodies that check themselves
type Validatable interface {
	Validate(v *Validator)
}

// DecodeAndValidate reads exactly one JSON object from the body, rejecting
// unknown fields and trailing data, then runs its Validate method.
func DecodeAndValidate[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request) (*T, error) {
	var req T

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, apperrors.NewBadRequestError(apperrors.ErrBadRequest, "Request body must hold a single JSON object")
	}

	v := NewValidator()
	PT(&req).Validate(v)
	if err := v.Err(); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.NewPayloadTooLargeError(err, tooLarge.Limit)
	}
	return apperrors.NewBadRequestError(err, "Invalid request body")
}
