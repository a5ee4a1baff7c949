// Package validate applies the per-field rules an endpoint declares to the
// merged parameter map before any SQL is rendered.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flapi/flapi/engine/config"
)

// FieldError is one rejected field with a human-readable reason.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	msgRequired     = "Field is required"
	msgNotInteger   = "Value is not a valid integer"
	msgIntBelowMin  = "Integer value is less than the minimum allowed"
	msgIntAboveMax  = "Integer value is greater than the maximum allowed"
	msgTooShort     = "String value is shorter than the minimum length"
	msgRegexFail    = "String value does not match the required pattern"
	msgEnumFail     = "Value is not one of the allowed values"
	msgNotDate      = "Value is not a valid ISO date"
	msgDateBelowMin = "Date is before the minimum allowed"
	msgDateAboveMax = "Date is after the maximum allowed"
	msgNotTime      = "Value is not a valid ISO time"
	msgTimeBelowMin = "Time is before the minimum allowed"
	msgTimeAboveMax = "Time is after the maximum allowed"
	msgSQLInjection = "Value contains characters that are not allowed"
)

// Request validates params against the declared request fields and returns
// every failure; an empty slice means the request is valid.
func Request(fields []config.RequestFieldConfig, params map[string]string) []FieldError {
	var errs []FieldError
	for i := range fields {
		field := &fields[i]
		value, present := params[field.FieldName]
		if !present || value == "" {
			if field.Required && !present {
				errs = append(errs, FieldError{field.FieldName, msgRequired})
			}
			if !present {
				continue
			}
		}
		for j := range field.Validators {
			v := &field.Validators[j]
			if msg := applyValidator(v, value); msg != "" {
				errs = append(errs, FieldError{field.FieldName, msg})
			}
			if v.SQLInjectionGuard() && containsSQLInjection(value) {
				errs = append(errs, FieldError{field.FieldName, msgSQLInjection})
			}
		}
		// The injection guard applies even when the field declares no
		// typed validators.
		if len(field.Validators) == 0 && containsSQLInjection(value) {
			errs = append(errs, FieldError{field.FieldName, msgSQLInjection})
		}
	}
	return errs
}

func applyValidator(v *config.ValidatorConfig, value string) string {
	switch strings.ToLower(v.Type) {
	case "int":
		return validateInt(v, value)
	case "string":
		return validateString(v, value)
	case "enum":
		return validateEnum(v, value)
	case "date":
		return validateDate(v, value)
	case "time":
		return validateTime(v, value)
	}
	return ""
}

func validateInt(v *config.ValidatorConfig, value string) string {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return msgNotInteger
	}
	if v.Min != nil && n < *v.Min {
		return msgIntBelowMin
	}
	if v.Max != nil && n > *v.Max {
		return msgIntAboveMax
	}
	return ""
}

func validateString(v *config.ValidatorConfig, value string) string {
	if len(value) < v.MinLength {
		return msgTooShort
	}
	if v.Regex != "" {
		re, err := regexp.Compile("^(?:" + v.Regex + ")$")
		if err != nil {
			return fmt.Sprintf("invalid validation pattern: %v", err)
		}
		if !re.MatchString(value) {
			return msgRegexFail
		}
	}
	return ""
}

func validateEnum(v *config.ValidatorConfig, value string) string {
	for _, allowed := range v.AllowedValues {
		if value == allowed {
			return ""
		}
	}
	return msgEnumFail
}

const (
	isoDateLayout = "2006-01-02"
	isoTimeLayout = "15:04:05"
)

func validateDate(v *config.ValidatorConfig, value string) string {
	d, err := time.Parse(isoDateLayout, value)
	if err != nil {
		return msgNotDate
	}
	if v.MinDate != "" {
		if minimum, err := time.Parse(isoDateLayout, v.MinDate); err == nil && d.Before(minimum) {
			return msgDateBelowMin
		}
	}
	if v.MaxDate != "" {
		if maximum, err := time.Parse(isoDateLayout, v.MaxDate); err == nil && d.After(maximum) {
			return msgDateAboveMax
		}
	}
	return ""
}

func validateTime(v *config.ValidatorConfig, value string) string {
	t, err := time.Parse(isoTimeLayout, value)
	if err != nil {
		return msgNotTime
	}
	if v.MinTime != "" {
		if minimum, err := time.Parse(isoTimeLayout, v.MinTime); err == nil && t.Before(minimum) {
			return msgTimeBelowMin
		}
	}
	if v.MaxTime != "" {
		if maximum, err := time.Parse(isoTimeLayout, v.MaxTime); err == nil && t.After(maximum) {
			return msgTimeAboveMax
		}
	}
	return ""
}

// containsSQLInjection rejects values carrying unescaped quote characters,
// statement separators or comment markers. Escaped quotes ('' and "") are
// tolerated because templates re-quote them safely.
func containsSQLInjection(value string) bool {
	if strings.Contains(value, ";") ||
		strings.Contains(value, "--") ||
		strings.Contains(value, "/*") ||
		strings.Contains(value, "*/") {
		return true
	}
	if hasUnescapedQuote(value, '\'') || hasUnescapedQuote(value, '"') {
		return true
	}
	return false
}

func hasUnescapedQuote(s string, q byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++ // escaped pair
			continue
		}
		return true
	}
	return false
}
