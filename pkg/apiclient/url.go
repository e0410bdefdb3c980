package apiclient

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"
)

// Param is a single query parameter. A nil Value is omitted; slices and arrays
// expand into repeated keys.
type Param struct {
	Key   string
	Value any
}

// Query is an ordered list of query parameters
type Query []Param

// Q is shorthand for a query parameter
func Q(key string, value any) Param {
	return Param{Key: key, Value: value}
}

// Set replaces the first parameter with the same key, or appends it
func (q Query) Set(key string, value any) Query {
	out := make(Query, len(q))
	copy(out, q)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Param{Key: key, Value: value})
}

// Get returns the value stored for key
func (q Query) Get(key string) (any, bool) {
	for _, p := range q {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Merge overlays other onto q: existing keys keep their position, new keys are appended
func (q Query) Merge(other Query) Query {
	out := q
	for _, p := range other {
		out = out.Set(p.Key, p.Value)
	}
	return out
}

// Encode renders the query string without the leading '?'
func (q Query) Encode() string {
	var b strings.Builder
	for _, p := range q {
		for _, v := range queryValues(p.Value) {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(p.Key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// MakeURL resolves a path template: every {key} is replaced by the path-escaped
// value of pathParams[key], then the query string is appended.
func MakeURL(path string, query Query, pathParams map[string]any) string {
	for key, value := range pathParams {
		path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(stringify(value)))
	}
	if qs := query.Encode(); qs != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + qs
	}
	return path
}
