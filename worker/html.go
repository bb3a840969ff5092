package worker

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Env prefixes exposed to HTML documents via window.__env__.
var clientEnvPrefixes = []string{"PUBLIC_", "VITE_"}

// BaseHeader is the request header carrying an optional base-href to inject
// into HTML documents.
const BaseHeader = "x-base"

// injectHTML rewrites an HTML document: a <base href> derived from the
// request's x-base header goes into <head>, followed by a
// window.__env__ script built from the prefix-filtered environment.
// Both values are escaped; </script> inside the env JSON is rewritten so the
// document cannot break out of the injected script block.
func injectHTML(body []byte, baseHref string, env map[string]string) []byte {
	doc := string(body)

	var inject strings.Builder
	if baseHref != "" {
		fmt.Fprintf(&inject, `<base href="%s">`, html.EscapeString(baseHref))
	}
	if script := clientEnvScript(env); script != "" {
		inject.WriteString(script)
	}
	if inject.Len() == 0 {
		return body
	}

	idx := strings.Index(strings.ToLower(doc), "<head>")
	if idx < 0 {
		// No <head>: prepend so the injection still lands before content.
		return []byte(inject.String() + doc)
	}
	insertAt := idx + len("<head>")
	return []byte(doc[:insertAt] + inject.String() + doc[insertAt:])
}

// clientEnvScript builds the window.__env__ script block from the
// prefix-filtered env. Returns empty when nothing matches.
func clientEnvScript(env map[string]string) string {
	filtered := make(map[string]string)
	for k, v := range env {
		for _, prefix := range clientEnvPrefixes {
			if strings.HasPrefix(k, prefix) {
				filtered[k] = v
				break
			}
		}
	}
	if len(filtered) == 0 {
		return ""
	}

	// json.Marshal keeps its default HTML escaping, so angle brackets
	// arrive as \uXXXX sequences and a value carrying a literal </script>
	// cannot terminate the block early.
	data, err := json.Marshal(filtered)
	if err != nil {
		return ""
	}
	return "<script>window.__env__=" + string(data) + "</script>"
}

// isHTMLResponse reports whether a response carries an HTML document.
func isHTMLResponse(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			return strings.Contains(strings.ToLower(v), "text/html")
		}
	}
	return false
}
