package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/shopspring/decimal"
)

const (
	// MaxCategoryLength bounds the earnings bucket name.
	MaxCategoryLength = 64
	// MaxLedgerKeyLength bounds the per-user record key.
	MaxLedgerKeyLength = 128
)

// ledgerKeyPattern keeps keys safe for URL paths and NATS subjects.
var ledgerKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
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

// Err joins accumulated errors into one error wrapping types.ErrInvalidMutation,
// or returns nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	parts := make([]string, len(c.errors))
	for i, e := range c.errors {
		parts[i] = e.Error()
	}
	return fmt.Errorf("%w: %s", types.ErrInvalidMutation, strings.Join(parts, "; "))
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

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
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

// ValidatePositive returns an error unless value > 0.
func ValidatePositive(field string, value decimal.Decimal) *ValidationError {
	if !value.IsPositive() {
		return &ValidationError{
			Field:   field,
			Message: "must be greater than zero",
		}
	}
	return nil
}

// ValidateNonNegative returns an error if value < 0.
func ValidateNonNegative(field string, value decimal.Decimal) *ValidationError {
	if value.IsNegative() {
		return &ValidationError{
			Field:   field,
			Message: "must not be negative",
		}
	}
	return nil
}

// ValidateLedgerKey returns an error unless the key is a non-empty
// [A-Za-z0-9_-] token within MaxLedgerKeyLength.
func ValidateLedgerKey(field, value string) *ValidationError {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(value) > MaxLedgerKeyLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxLedgerKeyLength),
		}
	}
	if !ledgerKeyPattern.MatchString(value) {
		return &ValidationError{
			Field:   field,
			Message: "may contain only letters, digits, '-' and '_'",
		}
	}
	return nil
}

// CheckLedgerKey returns an error wrapping types.ErrInvalidLedgerKey if key
// is malformed.
func CheckLedgerKey(key string) error {
	if v := ValidateLedgerKey("key", key); v != nil {
		return fmt.Errorf("%w: %s", types.ErrInvalidLedgerKey, v.Error())
	}
	return nil
}

// ValidateMutation checks every field of a mutation before it is enqueued.
func ValidateMutation(m types.Mutation) *Collector {
	c := &Collector{}
	c.Add(ValidateULID("id", m.ID))
	c.Add(ValidateEnum("kind", string(m.Kind), types.MutationKinds))
	c.Add(ValidatePositive("amount", m.Amount))
	c.Add(ValidateRequired("category", m.Category))
	c.Add(ValidateMaxLength("category", m.Category, MaxCategoryLength))
	c.Add(ValidateNoNullBytes("category", m.Category))
	c.Add(ValidateRequired("origin", m.Origin))
	if m.CreatedAt.IsZero() {
		c.Add(&ValidationError{Field: "created_at", Message: "is required"})
	}
	if m.BaseVersion < 0 {
		c.Add(&ValidationError{Field: "base_version", Message: "must not be negative"})
	}
	return c
}

// ValidateSnapshot checks a snapshot submitted for a conditional write.
func ValidateSnapshot(s types.LedgerSnapshot) *Collector {
	c := &Collector{}
	c.Add(ValidateNonNegative("snapshot.balance", s.Balance))
	for category, amount := range s.Earnings {
		c.Add(ValidateMaxLength("snapshot.earnings", category, MaxCategoryLength))
		c.Add(ValidateNonNegative("snapshot.earnings."+category, amount))
	}
	return c
}
