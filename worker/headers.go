package worker

import "sort"

// Response header safety limits. Exceeding entries and bytes are dropped
// silently so a misbehaving handler cannot exhaust parent memory.
const (
	// MaxHeaderCount is the maximum number of response header entries.
	MaxHeaderCount = 100
	// MaxHeaderValueBytes is the maximum size of a single header value.
	MaxHeaderValueBytes = 8 * 1024
	// MaxHeaderTotalBytes is the maximum combined size of all header
	// names and values.
	MaxHeaderTotalBytes = 64 * 1024
)

// defaultContentType is applied when a response carries no content-type.
const defaultContentType = "text/plain; charset=utf-8"

// sanitizeHeaders enforces the header caps on a response header set.
// order preserves the handler's insertion order so truncation is
// deterministic; without one, keys are visited in sorted order. Entries past
// any cap are dropped, oversized values are truncated to MaxHeaderValueBytes.
func sanitizeHeaders(headers map[string]string, order []string) map[string]string {
	if order == nil {
		order = make([]string, 0, len(headers))
		for k := range headers {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	out := make(map[string]string, len(headers))
	count := 0
	total := 0
	for _, name := range order {
		value, ok := headers[name]
		if !ok {
			continue
		}
		if count >= MaxHeaderCount {
			break
		}
		if len(value) > MaxHeaderValueBytes {
			value = value[:MaxHeaderValueBytes]
		}
		size := len(name) + len(value)
		if total+size > MaxHeaderTotalBytes {
			break
		}
		out[name] = value
		count++
		total += size
	}

	if _, ok := out["content-type"]; !ok {
		out["content-type"] = defaultContentType
	}
	return out
}
