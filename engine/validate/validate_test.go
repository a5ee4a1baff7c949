package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi/flapi/engine/config"
)

func intPtr(n int64) *int64 { return &n }

func boolPtr(b bool) *bool { return &b }

func TestRequest(t *testing.T) {
	t.Run("Should report a missing required field", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "id", Required: true},
		}
		errs := Request(fields, map[string]string{})
		require.Len(t, errs, 1)
		assert.Equal(t, "id", errs[0].Field)
		assert.Equal(t, "Field is required", errs[0].Message)
	})

	t.Run("Should accept a valid integer inside bounds", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "limit", Validators: []config.ValidatorConfig{
				{Type: "int", Min: intPtr(1), Max: intPtr(100)},
			}},
		}
		errs := Request(fields, map[string]string{"limit": "50"})
		assert.Empty(t, errs)
	})

	t.Run("Should reject an integer below the minimum with the exact message", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "limit", Validators: []config.ValidatorConfig{
				{Type: "int", Min: intPtr(10)},
			}},
		}
		errs := Request(fields, map[string]string{"limit": "3"})
		require.Len(t, errs, 1)
		assert.Equal(t, "Integer value is less than the minimum allowed", errs[0].Message)
	})

	t.Run("Should reject a non-numeric integer value", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "limit", Validators: []config.ValidatorConfig{{Type: "int"}}},
		}
		errs := Request(fields, map[string]string{"limit": "abc"})
		require.Len(t, errs, 1)
		assert.Equal(t, "Value is not a valid integer", errs[0].Message)
	})

	t.Run("Should match string regex against the whole value", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "code", Validators: []config.ValidatorConfig{
				{Type: "string", Regex: "[A-Z]{3}"},
			}},
		}
		assert.Empty(t, Request(fields, map[string]string{"code": "ABC"}))
		errs := Request(fields, map[string]string{"code": "ABCD"})
		require.Len(t, errs, 1)
		assert.Equal(t, "String value does not match the required pattern", errs[0].Message)
	})

	t.Run("Should compare enum values case-sensitively", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "status", Validators: []config.ValidatorConfig{
				{Type: "enum", AllowedValues: []string{"active", "inactive"}},
			}},
		}
		assert.Empty(t, Request(fields, map[string]string{"status": "active"}))
		errs := Request(fields, map[string]string{"status": "Active"})
		require.Len(t, errs, 1)
		assert.Equal(t, "Value is not one of the allowed values", errs[0].Message)
	})

	t.Run("Should enforce date bounds", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "from", Validators: []config.ValidatorConfig{
				{Type: "date", MinDate: "2020-01-01", MaxDate: "2020-12-31"},
			}},
		}
		assert.Empty(t, Request(fields, map[string]string{"from": "2020-06-15"}))
		errs := Request(fields, map[string]string{"from": "2019-12-31"})
		require.Len(t, errs, 1)
		assert.Equal(t, "Date is before the minimum allowed", errs[0].Message)
	})

	t.Run("Should enforce time bounds", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "at", Validators: []config.ValidatorConfig{
				{Type: "time", MinTime: "09:00:00", MaxTime: "17:00:00"},
			}},
		}
		assert.Empty(t, Request(fields, map[string]string{"at": "12:30:00"}))
		errs := Request(fields, map[string]string{"at": "18:00:00"})
		require.Len(t, errs, 1)
		assert.Equal(t, "Time is after the maximum allowed", errs[0].Message)
	})

	t.Run("Should collect every failure instead of stopping at the first", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "a", Required: true},
			{FieldName: "b", Validators: []config.ValidatorConfig{{Type: "int"}}},
		}
		errs := Request(fields, map[string]string{"b": "oops"})
		assert.Len(t, errs, 2)
	})
}

func TestSQLInjectionGuard(t *testing.T) {
	t.Run("Should reject statement separators and comment markers", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "q", Validators: []config.ValidatorConfig{{Type: "string"}}},
		}
		for _, value := range []string{"1; DROP TABLE users", "x--", "a/*b*/c"} {
			errs := Request(fields, map[string]string{"q": value})
			require.Len(t, errs, 1, "value %q", value)
			assert.Equal(t, "Value contains characters that are not allowed", errs[0].Message)
		}
	})

	t.Run("Should reject unescaped quotes but tolerate doubled ones", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "q", Validators: []config.ValidatorConfig{{Type: "string"}}},
		}
		assert.NotEmpty(t, Request(fields, map[string]string{"q": "O'Brien"}))
		assert.Empty(t, Request(fields, map[string]string{"q": "O''Brien"}))
	})

	t.Run("Should apply the guard when the field has no typed validators", func(t *testing.T) {
		fields := []config.RequestFieldConfig{{FieldName: "q"}}
		errs := Request(fields, map[string]string{"q": "x; y"})
		require.Len(t, errs, 1)
	})

	t.Run("Should honor an explicit opt-out", func(t *testing.T) {
		fields := []config.RequestFieldConfig{
			{FieldName: "q", Validators: []config.ValidatorConfig{
				{Type: "string", PreventSQLInjection: boolPtr(false)},
			}},
		}
		assert.Empty(t, Request(fields, map[string]string{"q": "a;b"}))
	})
}
