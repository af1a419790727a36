package chaos

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
)

// Field-name keywords used to classify tool-call arguments.
var (
	dateFieldNames    = []string{"date", "time", "datetime", "timestamp", "departure", "arrival", "checkin", "checkout"}
	numericFieldNames = []string{"price", "amount", "cost", "quantity", "count", "number", "id", "age", "seats"}
	stringFieldNames  = []string{"name", "description", "message", "text", "content", "origin", "destination", "city"}
)

var sqlInjectionPayloads = []string{
	"' OR '1'='1",
	"'; DROP TABLE users; --",
	"' UNION SELECT * FROM users --",
	"1' OR '1'='1",
	"admin'--",
	"' OR 1=1--",
	"1' UNION SELECT NULL--",
}

// bufferOverflowSizes are padding payload sizes in bytes.
var bufferOverflowSizes = map[string]int{
	"small":   1_000,
	"medium":  10_000,
	"large":   100_000,
	"huge":    1_000_000,
	"massive": 10_000_000,
}

var invalidDateFormats = []string{
	"2025/13/40",
	"yesterday",
	"tomorrow",
	"2025-13-01",
	"2025-02-30",
	"2025-00-01",
	"2025-01-00",
	"13/40/2025",
	"2025-1-1",
	"25-12-2025",
}

const (
	xssPayload   = "<script>alert('XSS')</script>"
	maxInt32     = 1<<31 - 1
	garbageValue = "💥 CHAOS 💥"
)

var isoDatePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// schemaFuzzer classifies argument fields by name and runtime type and
// produces type-targeted bad values: faults that surface as logic errors
// downstream, not transport errors.
type schemaFuzzer struct{}

// detectFieldType buckets a field into date, numeric, string or unknown.
// Name keywords win over the value's runtime type.
func (schemaFuzzer) detectFieldType(name string, value any) string {
	lower := strings.ToLower(name)
	for _, kw := range dateFieldNames {
		if strings.Contains(lower, kw) {
			return "date"
		}
	}
	for _, kw := range numericFieldNames {
		if strings.Contains(lower, kw) {
			return "numeric"
		}
	}
	for _, kw := range stringFieldNames {
		if strings.Contains(lower, kw) {
			return "string"
		}
	}
	switch v := value.(type) {
	case float64, int, int64:
		return "numeric"
	case string:
		if isoDatePrefix.MatchString(v) {
			return "date"
		}
		return "string"
	}
	return "unknown"
}

func (schemaFuzzer) fuzzDate(value any, mode string) any {
	switch mode {
	case "invalid_format":
		return pick(invalidDateFormats)
	case "sql_injection":
		return pick(sqlInjectionPayloads)
	case "relative_date":
		return pick([]string{"yesterday", "tomorrow", "today", "next week"})
	default:
		return pick([]any{pick(invalidDateFormats), pick(sqlInjectionPayloads), "yesterday"})
	}
}

func (schemaFuzzer) fuzzNumeric(value any, mode string) any {
	switch mode {
	case "type_mismatch":
		return numericString(value) + "abc"
	case "negative":
		if n, ok := asFloat(value); ok && n > 0 {
			return -n
		}
		return -999999
	case "max_int":
		return maxInt32
	case "zero":
		return 0
	case "null":
		return nil
	default:
		return pick([]any{numericString(value) + "abc", -999999, maxInt32, 0, nil})
	}
}

func (schemaFuzzer) fuzzString(value any, mode string) any {
	switch mode {
	case "buffer_overflow":
		size := pick([]string{"medium", "large", "huge", "massive"})
		return strings.Repeat("A", bufferOverflowSizes[size])
	case "empty":
		return ""
	case "sql_injection":
		return pick(sqlInjectionPayloads)
	case "xss":
		return xssPayload
	default:
		return pick([]any{
			strings.Repeat("A", bufferOverflowSizes["large"]),
			"",
			pick(sqlInjectionPayloads),
		})
	}
}

// fuzzField mutates a field per its detected type. Unknown types fall
// back on the value's runtime type, or null when nothing fits.
func (f schemaFuzzer) fuzzField(value any, fieldType, mode string) any {
	switch fieldType {
	case "date":
		return f.fuzzDate(value, mode)
	case "numeric":
		return f.fuzzNumeric(value, mode)
	case "string":
		return f.fuzzString(value, mode)
	}
	switch value.(type) {
	case string:
		return f.fuzzString(value, mode)
	case float64, int, int64:
		return f.fuzzNumeric(value, mode)
	}
	return nil
}

func pick[T any](options []T) T {
	return options[rand.IntN(len(options))]
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// numericString renders a number the way it appeared in the document,
// without a trailing ".0" for whole floats.
func numericString(value any) string {
	if f, ok := value.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(value)
}
