// Package correlation pulls upstream request identifiers out of response
// headers and error bodies so failures can be matched to the site's edge logs.
package correlation

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
)

// IDs are the identifiers one upstream response carried.
type IDs struct {
	RayID     string `json:"ray_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	traceparentPattern = regexp.MustCompile(`(?i)^\s*[0-9a-f]{2}-([0-9a-f]{32})-[0-9a-f]{16}-[0-9a-f]{2}\s*$`)
	b3SinglePattern    = regexp.MustCompile(`(?i)^\s*([0-9a-f]{16,32})-[0-9a-f]{16}(?:-[01d](?:-[0-9a-f]{16})?)?\s*$`)
	rayPattern         = regexp.MustCompile(`(?i)^\s*([0-9a-f]{16})(?:-[a-z]{3})?\s*$`)

	bodyRequestID = regexp.MustCompile(`(?i)\b(?:request[_-]?id)\b["']?\s*(?:=|:)\s*["']?([a-z0-9][a-z0-9._:/\-]{5,127})`)
	bodyRayID     = regexp.MustCompile(`(?i)\bray\s*id\b[^0-9a-f]{0,20}([0-9a-f]{16})\b`)
	bodyTraceID   = regexp.MustCompile(`(?i)\b(?:trace[_-]?id)\b["']?\s*(?:=|:)\s*["']?([0-9a-f]{16,64})`)
)

// FromHeaders reads cf-ray, request id and W3C/B3 trace headers.
func FromHeaders(h http.Header) IDs {
	var ids IDs
	if h == nil {
		return ids
	}
	if m := rayPattern.FindStringSubmatch(h.Get("Cf-Ray")); len(m) == 2 {
		ids.RayID = normalize(m[1])
	}
	for _, name := range []string{"X-Request-Id", "Request-Id", "X-Amzn-Requestid"} {
		if v := normalize(h.Get(name)); v != "" {
			ids.RequestID = v
			break
		}
	}
	if m := traceparentPattern.FindStringSubmatch(h.Get("Traceparent")); len(m) == 2 {
		ids.TraceID = normalize(m[1])
	} else if v := normalize(h.Get("X-Trace-Id")); v != "" {
		ids.TraceID = v
	} else if m := b3SinglePattern.FindStringSubmatch(h.Get("B3")); len(m) == 2 {
		ids.TraceID = normalize(m[1])
	}
	return ids
}

// FromBody scans an error page or JSON error body. Challenge pages print the
// ray id in their footer.
func FromBody(body []byte) IDs {
	var ids IDs
	if len(body) == 0 {
		return ids
	}
	if len(body) > 64<<10 {
		body = body[len(body)-64<<10:]
	}
	text := string(body)
	if m := bodyRayID.FindStringSubmatch(text); len(m) == 2 {
		ids.RayID = normalize(m[1])
	}
	if m := bodyRequestID.FindStringSubmatch(text); len(m) == 2 {
		ids.RequestID = normalize(m[1])
	}
	if m := bodyTraceID.FindStringSubmatch(text); len(m) == 2 {
		ids.TraceID = normalize(m[1])
	}
	return ids
}

// Merge fills empty fields of ids from other.
func (ids IDs) Merge(other IDs) IDs {
	if ids.RayID == "" {
		ids.RayID = other.RayID
	}
	if ids.RequestID == "" {
		ids.RequestID = other.RequestID
	}
	if ids.TraceID == "" {
		ids.TraceID = other.TraceID
	}
	return ids
}

// Empty reports whether no identifier was found.
func (ids IDs) Empty() bool {
	return ids.RayID == "" && ids.RequestID == "" && ids.TraceID == ""
}

// Primary is the single most useful id: ray first, since the edge logs it.
func (ids IDs) Primary() string {
	switch {
	case ids.RayID != "":
		return ids.RayID
	case ids.RequestID != "":
		return ids.RequestID
	default:
		return ids.TraceID
	}
}

// Map returns the non-empty ids keyed by field name.
func (ids IDs) Map() map[string]string {
	out := make(map[string]string, 3)
	if ids.RayID != "" {
		out["ray_id"] = ids.RayID
	}
	if ids.RequestID != "" {
		out["request_id"] = ids.RequestID
	}
	if ids.TraceID != "" {
		out["trace_id"] = ids.TraceID
	}
	return out
}

func (ids IDs) String() string {
	m := ids.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}

func normalize(value string) string {
	v := strings.TrimSpace(strings.ToLower(value))
	v = strings.Trim(v, "\"'`")
	return strings.TrimRight(v, ".,;:)]}")
}
