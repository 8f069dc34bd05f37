package approvals

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime"
	"net/url"
	"sort"
	"strings"
)

// CanonicalJSON re-serializes a decoded JSON value with sorted object keys
// and compact separators so semantically equal payloads hash identically.
func CanonicalJSON(value any) []byte {
	var b strings.Builder
	writeCanonical(&b, value)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			raw = []byte("null")
		}
		b.Write(raw)
	}
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashJSONPayload hashes an already-decoded JSON object canonically. A nil
// payload hashes like an empty body.
func HashJSONPayload(payload map[string]any) string {
	if payload == nil {
		return hashBytes(nil)
	}
	return hashBytes(CanonicalJSON(mapToAny(payload)))
}

// mapToAny round-trips through encoding/json so nested typed values
// (store.JSONMap, json.Number) normalize to the plain decoded shapes.
func mapToAny(payload map[string]any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// HashRequestBody hashes a raw request body. JSON bodies that parse are
// canonicalized first; everything else hashes byte-for-byte. An absent body
// hashes as the empty string.
func HashRequestBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return hashBytes(nil)
	}
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	if strings.EqualFold(strings.TrimSpace(mediaType), "application/json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			return hashBytes(CanonicalJSON(decoded))
		}
	}
	return hashBytes(body)
}

// CanonicalRequestPath joins path and query into the canonical bound form:
// query parameters are re-encoded in sorted order so equivalent requests
// compare equal. An empty query leaves the bare path.
func CanonicalRequestPath(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

// CanonicalBoundPath canonicalizes a path that may already embed a query.
func CanonicalBoundPath(path string) string {
	if idx := strings.Index(path, "?"); idx >= 0 {
		return CanonicalRequestPath(path[:idx], path[idx+1:])
	}
	return path
}
