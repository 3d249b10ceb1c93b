// Package validation checks request shapes for the battle API before they
// reach the reducer. Protocol rules stay in the reducer.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// MaxRequestSize bounds request bodies. Intents are tiny.
const MaxRequestSize = 64 << 10

// MaxStringLength bounds free-text fields (descriptions, proofs, dispute
// reasons and evidence) in characters. The max= tags on envelopeFields use
// the same value and unit.
const MaxStringLength = 2000

var sessionIDPattern = regexp.MustCompile(`^bs_[a-f0-9]{24}$`)

// IsValidSessionID reports whether id has the shape the session service mints.
func IsValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors lists every rejected field of a request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	for tag, fn := range map[string]validator.Func{
		"usdc": func(fl validator.FieldLevel) bool {
			_, err := usdc.ParsePositive(fl.Field().String())
			return err == nil
		},
		"role": func(fl validator.FieldLevel) bool {
			_, err := protocol.ParseRole(fl.Field().String())
			return err == nil
		},
		"text": func(fl validator.FieldLevel) bool {
			return utf8.ValidString(fl.Field().String())
		},
		"duration": func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		},
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	return v
}

// messages renders each validation tag for API clients.
var messages = map[string]string{
	"required": "is required",
	"max":      "exceeds maximum length",
	"usdc":     "must be a positive amount with at most 6 decimals",
	"role":     "must be requester, provider or system",
	"duration": "must be a duration such as 24h or 90m",
	"text":     "must be valid UTF-8 text",
	"min":      "is below the minimum",
	"lte":      "is above the maximum",
}

// Struct validates v by its validate tags and reports fields by JSON name.
func Struct(v any) ValidationErrors {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return ValidationErrors{{Field: "body", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fields))
	for _, fe := range fields {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		out = append(out, ValidationError{Field: fe.Field(), Message: msg})
	}
	return out
}

// envelopeFields mirrors battle.Envelope with the checks that apply to any
// intent type.
type envelopeFields struct {
	Type           string `json:"type" validate:"required"`
	Actor          string `json:"actor" validate:"omitempty,role"`
	Amount         string `json:"amount" validate:"omitempty,usdc"`
	Description    string `json:"description" validate:"max=2000,text"`
	Deadline       string `json:"deadline" validate:"omitempty,duration"`
	DisputeWindow  string `json:"disputeWindow" validate:"omitempty,duration"`
	Duration       string `json:"duration" validate:"omitempty,duration"`
	MaxRounds      int    `json:"maxRounds" validate:"omitempty,min=1,lte=5"`
	ProofReference string `json:"proofReference" validate:"max=2000,text"`
	Reason         string `json:"reason" validate:"max=2000,text"`
	Evidence       string `json:"evidence" validate:"max=2000,text"`
}

// Envelope checks the field shapes of an intent envelope.
func Envelope(e battle.Envelope) ValidationErrors {
	return Struct(envelopeFields{
		Type:           strings.TrimSpace(string(e.Type)),
		Actor:          e.Actor,
		Amount:         string(e.Amount),
		Description:    e.Description,
		Deadline:       strings.TrimSpace(e.Deadline),
		DisputeWindow:  strings.TrimSpace(e.DisputeWindow),
		Duration:       strings.TrimSpace(e.Duration),
		MaxRounds:      e.MaxRounds,
		ProofReference: e.ProofReference,
		Reason:         e.Reason,
		Evidence:       e.Evidence,
	})
}

// SanitizeString trims s, drops NUL bytes and cuts it to maxLen characters.
// The cut never splits a multi-byte character.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// Clean sanitizes the free-text fields of an envelope. Text that passed
// Envelope is never shortened, only trimmed.
func Clean(e battle.Envelope) battle.Envelope {
	for _, f := range []*string{&e.Description, &e.ProofReference, &e.Reason, &e.Evidence} {
		*f = SanitizeString(*f, MaxStringLength)
	}
	return e
}

// RequestSizeMiddleware caps request bodies at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SessionParamMiddleware answers 400 for a malformed :id before the store
// is consulted.
func SessionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id must look like bs_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
