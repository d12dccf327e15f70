package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"ncr-proxy-go/internal/model"
)

// encodeRequestBody re-serializes an inbound body as JSON text.
// JSON bodies are validated and compacted, form bodies become an object and
// anything else (including a missing content type) is sent as a JSON string.
func encodeRequestBody(contentType string, body []byte) ([]byte, error) {
	mt := mediaType(contentType)
	switch {
	case isJSONMediaType(mt):
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return buf.Bytes(), nil
	case mt == "application/x-www-form-urlencoded":
		return formToJSON(model.ParseQuery(string(body)))
	default:
		return json.Marshal(string(body))
	}
}

// formToJSON renders form pairs as an object in first-seen key order.
// A key that occurs more than once maps to an array of its values.
func formToJSON(q model.Query) ([]byte, error) {
	var keys []string
	values := make(map[string][]string)
	for _, p := range q {
		if _, seen := values[p.Key]; !seen {
			keys = append(keys, p.Key)
		}
		values[p.Key] = append(values[p.Key], p.Value)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var v any = values[k]
		if len(values[k]) == 1 {
			v = values[k][0]
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeResponseBody reads the backend body and selects the payload variant
// from the declared content type. A body declared as JSON that does not parse
// is an error; there is no fallback to text.
func decodeResponseBody(method string, resp *model.BackendResponse) (model.Payload, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	// HEAD responses never carry a body, so there is nothing to parse. This
	// holds even when the backend declares JSON: an empty body is relayed as
	// such instead of failing the JSON parse and returning a 500.
	if method == http.MethodHead {
		return model.TextPayload{ContentType: contentType}, nil
	}

	if strings.Contains(strings.ToLower(contentType), "application/json") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("parse JSON response: %w", err)
		}
		return model.JSONPayload{Raw: buf.Bytes()}, nil
	}

	return model.TextPayload{Text: string(raw), ContentType: contentType}, nil
}

// mediaType returns the lower-cased media type without parameters.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}

func isJSONMediaType(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// isFalsyJSON reports whether raw is a single JSON null, false, zero or "".
// Invalid JSON is not falsy; encodeRequestBody reports it.
func isFalsyJSON(raw []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return false
	}
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == ""
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	}
	return false
}
