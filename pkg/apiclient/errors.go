package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MaxMessagesPerField caps how many validation messages of one field reach the user
const MaxMessagesPerField = 5

// ErrDecode is wrapped when a successful response cannot be decoded into the route's data type
var ErrDecode = errors.New("decode response")

// HTTPError is the error of a result whose response carried a non-2xx status
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Body       Body
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Payload returns the parsed JSON error body, or nil
func (e *HTTPError) Payload() any {
	if e.Body.Kind != BodyJSON {
		return nil
	}
	var v any
	if err := json.Unmarshal(e.Body.JSON, &v); err != nil {
		return nil
	}
	return v
}

// Detail returns the backend's "detail" message when present
func (e *HTTPError) Detail() string {
	if m, ok := e.Payload().(map[string]any); ok {
		if d, ok := m["detail"].(string); ok {
			return d
		}
	}
	return ""
}

// FieldErrors flattens a field-keyed validation payload into messages per field.
// Nested objects are keyed with dotted paths.
func (e *HTTPError) FieldErrors() map[string][]string {
	m, ok := e.Payload().(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string)
	collectFieldErrors("", m, out)
	delete(out, "detail")
	if len(out) == 0 {
		return nil
	}
	return out
}

func collectFieldErrors(prefix string, m map[string]any, out map[string][]string) {
	for key, value := range m {
		field := key
		if prefix != "" {
			field = prefix + "." + key
		}
		switch v := value.(type) {
		case string:
			out[field] = append(out[field], v)
		case []any:
			for _, item := range v {
				switch it := item.(type) {
				case string:
					out[field] = append(out[field], it)
				case map[string]any:
					if msg, ok := it["msg"].(string); ok {
						out[field] = append(out[field], msg)
						continue
					}
					collectFieldErrors(field, it, out)
				}
			}
		case map[string]any:
			collectFieldErrors(field, v, out)
		}
	}
}

// IsCanceled reports whether err came from cancelling the request context
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// FormatError turns any result error into one user facing line
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err.Error()
	}

	if fields := httpErr.FieldErrors(); len(fields) > 0 {
		return formatFieldErrors(fields)
	}
	if d := httpErr.Detail(); d != "" {
		return d
	}
	if httpErr.Body.Kind == BodyText && strings.TrimSpace(httpErr.Body.Text) != "" && len(httpErr.Body.Text) < 200 {
		return strings.TrimSpace(httpErr.Body.Text)
	}
	switch httpErr.StatusCode {
	case http.StatusUnauthorized:
		return "Session expired, please sign in again"
	case http.StatusForbidden:
		return "You do not have permission to perform this action"
	case http.StatusNotFound:
		return "The requested resource was not found"
	}
	return fmt.Sprintf("Request failed with status %d", httpErr.StatusCode)
}

func formatFieldErrors(fields map[string][]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		msgs := fields[name]
		extra := 0
		if len(msgs) > MaxMessagesPerField {
			extra = len(msgs) - MaxMessagesPerField
			msgs = msgs[:MaxMessagesPerField]
		}
		line := PrettifyField(name) + ": " + strings.Join(msgs, ", ")
		if extra > 0 {
			line += fmt.Sprintf(" (+%d more)", extra)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "; ")
}

// PrettifyField turns "dosage_instruction" into "Dosage instruction"
func PrettifyField(name string) string {
	if name == "non_field_errors" || name == "__all__" {
		return "Error"
	}
	name = strings.NewReplacer("_", " ", ".", " ").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
