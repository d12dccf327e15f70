package model

import (
	"net/url"
	"strings"
)

// QueryParam is one key/value pair of a query string.
type QueryParam struct {
	Key   string
	Value string
}

// Query is an ordered query string. Unlike url.Values it keeps the order in
// which pairs were received and every occurrence of a repeated key.
type Query []QueryParam

// ParseQuery splits a raw query string into ordered pairs. Parsing is lenient:
// a pair whose escapes cannot be decoded is kept verbatim rather than dropped.
func ParseQuery(raw string) Query {
	var q Query
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		q = append(q, QueryParam{Key: unescape(key), Value: unescape(value)})
	}
	return q
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Without returns the pairs whose key is not key.
func (q Query) Without(key string) Query {
	out := make(Query, 0, len(q))
	for _, p := range q {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}

// Encode serializes the pairs in order using form encoding.
func (q Query) Encode() string {
	var b strings.Builder
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
