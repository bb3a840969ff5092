package worker

import (
	"strings"
	"testing"
)

func TestInjectHTML_BaseHref(t *testing.T) {
	doc := []byte("<html><head><title>t</title></head><body></body></html>")
	out := string(injectHTML(doc, "/apps/shop/", nil))

	want := `<base href="/apps/shop/">`
	if !strings.Contains(out, want) {
		t.Errorf("output missing %q:\n%s", want, out)
	}
	if !strings.HasPrefix(out, "<html><head><base href=") {
		t.Errorf("injection should land right after <head>:\n%s", out)
	}
}

func TestInjectHTML_BaseHrefEscaped(t *testing.T) {
	doc := []byte("<html><head></head></html>")
	out := string(injectHTML(doc, `/x/"><script>alert(1)</script>`, nil))

	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Error("base href must be HTML-escaped")
	}
}

func TestInjectHTML_EnvScript(t *testing.T) {
	env := map[string]string{
		"PUBLIC_API_URL": "https://api.example.com",
		"VITE_FLAG":      "on",
		"SECRET_KEY":     "do-not-leak",
		"HOME":           "/root",
	}
	doc := []byte("<html><head></head></html>")
	out := string(injectHTML(doc, "", env))

	if !strings.Contains(out, "window.__env__=") {
		t.Fatalf("output missing env script:\n%s", out)
	}
	if !strings.Contains(out, "PUBLIC_API_URL") {
		t.Error("PUBLIC_-prefixed vars should be exposed")
	}
	if !strings.Contains(out, "VITE_FLAG") {
		t.Error("VITE_-prefixed vars should be exposed")
	}
	if strings.Contains(out, "SECRET_KEY") || strings.Contains(out, "do-not-leak") {
		t.Error("unprefixed vars must not leak into the document")
	}
	if strings.Contains(out, "HOME") {
		t.Error("unprefixed vars must not leak into the document")
	}
}

func TestInjectHTML_ScriptBreakoutNeutralized(t *testing.T) {
	env := map[string]string{"PUBLIC_EVIL": "</script><script>alert(1)</script>"}
	out := string(injectHTML([]byte("<html><head></head></html>"), "", env))

	idx := strings.Index(out, "window.__env__=")
	if idx < 0 {
		t.Fatal("env script missing")
	}
	payload := out[idx:]
	closeIdx := strings.Index(payload, "</script>")
	if closeIdx < 0 {
		t.Fatal("script block never closes")
	}
	// The value survives only in JSON-escaped form: no literal tag may
	// appear inside the block.
	inner := payload[len("window.__env__="):closeIdx]
	if strings.Contains(inner, "<script") || strings.Contains(inner, "</script") {
		t.Errorf("literal script tag inside env JSON:\n%s", inner)
	}
	if !strings.Contains(inner, "\\u003c") {
		t.Error("angle brackets in env values should be unicode-escaped")
	}
}

func TestInjectHTML_NoHeadPrepends(t *testing.T) {
	out := string(injectHTML([]byte("<p>bare fragment</p>"), "/base/", nil))
	if !strings.HasPrefix(out, `<base href="/base/">`) {
		t.Errorf("injection should be prepended when no <head> exists:\n%s", out)
	}
	if !strings.HasSuffix(out, "<p>bare fragment</p>") {
		t.Errorf("document content should be preserved:\n%s", out)
	}
}

func TestInjectHTML_NothingToInject(t *testing.T) {
	doc := []byte("<html><head></head></html>")
	out := injectHTML(doc, "", map[string]string{"PLAIN": "x"})
	if string(out) != string(doc) {
		t.Errorf("document should pass through unchanged, got:\n%s", out)
	}
}

func TestIsHTMLResponse(t *testing.T) {
	if !isHTMLResponse(map[string]string{"content-type": "text/html; charset=utf-8"}) {
		t.Error("text/html should be detected")
	}
	if !isHTMLResponse(map[string]string{"Content-Type": "TEXT/HTML"}) {
		t.Error("detection should be case-insensitive")
	}
	if isHTMLResponse(map[string]string{"content-type": "application/json"}) {
		t.Error("json is not an HTML response")
	}
	if isHTMLResponse(nil) {
		t.Error("missing content-type is not an HTML response")
	}
}
