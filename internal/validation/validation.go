// Package validation provides request validation helpers for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	tokenRegex      = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,10}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidToken checks for a 2-11 character upper-case token symbol (e.g. USDC).
func IsValidToken(symbol string) bool {
	return tokenRegex.MatchString(symbol)
}

// SanitizeString trims whitespace and removes null bytes.
func SanitizeString(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err converts the collection into a coded validation error, or nil when
// empty. The code is "invalid_<field>" of the first failure.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperrors.Validation("invalid_"+e[0].Field, e.Error())
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidToken checks the token symbol format.
func ValidToken(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidToken(value) {
			return &ValidationError{Field: field, Message: "must be a 2-11 character upper-case symbol"}
		}
		return nil
	}
}

// MaxLength checks that value has at most max characters.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Min checks an integer lower bound.
func Min(field string, value, min int) func() *ValidationError {
	return func() *ValidationError {
		if value < min {
			return &ValidationError{Field: field, Message: "is below the minimum"}
		}
		return nil
	}
}

// ValidAmount checks for a strictly positive token amount with at most 6
// decimals. Empty values pass; use Required for required fields.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := money.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ContractParamMiddleware rejects empty or oversized :contractId params early.
func ContractParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("contractId")
		if id != "" && utf8.RuneCountInString(id) > 128 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_contract_id",
				"message": "contract id exceeds maximum length",
			})
			return
		}
		c.Next()
	}
}
