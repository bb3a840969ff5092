package worker

import (
	"fmt"
	"strings"
	"testing"
)

func TestSanitizeHeaders_DefaultContentType(t *testing.T) {
	out := sanitizeHeaders(map[string]string{"x-custom": "1"}, nil)
	if out["content-type"] != defaultContentType {
		t.Errorf("content-type = %q, want %q", out["content-type"], defaultContentType)
	}
	if out["x-custom"] != "1" {
		t.Errorf("x-custom = %q, want %q", out["x-custom"], "1")
	}
}

func TestSanitizeHeaders_KeepsExplicitContentType(t *testing.T) {
	out := sanitizeHeaders(map[string]string{"content-type": "application/json"}, nil)
	if out["content-type"] != "application/json" {
		t.Errorf("content-type = %q, want application/json", out["content-type"])
	}
}

func TestSanitizeHeaders_EntryCountCap(t *testing.T) {
	headers := make(map[string]string, MaxHeaderCount+20)
	order := make([]string, 0, MaxHeaderCount+20)
	for i := 0; i < MaxHeaderCount+20; i++ {
		name := fmt.Sprintf("x-header-%04d", i)
		headers[name] = "v"
		order = append(order, name)
	}

	out := sanitizeHeaders(headers, order)

	// content-type is injected on top of the kept entries.
	if len(out) != MaxHeaderCount+1 {
		t.Errorf("kept %d headers, want %d", len(out), MaxHeaderCount+1)
	}
	if _, ok := out["x-header-0000"]; !ok {
		t.Error("first header in insertion order should survive")
	}
	if _, ok := out[fmt.Sprintf("x-header-%04d", MaxHeaderCount)]; ok {
		t.Error("headers past the entry cap should be dropped")
	}
}

func TestSanitizeHeaders_ValueTruncated(t *testing.T) {
	big := strings.Repeat("a", MaxHeaderValueBytes+100)
	out := sanitizeHeaders(map[string]string{"x-big": big}, nil)

	if len(out["x-big"]) != MaxHeaderValueBytes {
		t.Errorf("value length = %d, want truncated to %d", len(out["x-big"]), MaxHeaderValueBytes)
	}
}

func TestSanitizeHeaders_TotalBytesCap(t *testing.T) {
	// Each entry is just under the per-value cap; the total cap trips first.
	value := strings.Repeat("b", MaxHeaderValueBytes)
	headers := make(map[string]string)
	order := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("x-%02d", i)
		headers[name] = value
		order = append(order, name)
	}

	out := sanitizeHeaders(headers, order)

	total := 0
	for k, v := range out {
		if k == "content-type" {
			continue
		}
		total += len(k) + len(v)
	}
	if total > MaxHeaderTotalBytes {
		t.Errorf("total header bytes = %d, want <= %d", total, MaxHeaderTotalBytes)
	}
	if _, ok := out["x-00"]; !ok {
		t.Error("earliest entries should survive the total cap")
	}
	if _, ok := out["x-19"]; ok {
		t.Error("entries past the total cap should be dropped")
	}
}

func TestSanitizeHeaders_DeterministicWithoutOrder(t *testing.T) {
	headers := map[string]string{"b": "2", "a": "1", "c": "3"}

	first := sanitizeHeaders(headers, nil)
	for i := 0; i < 10; i++ {
		again := sanitizeHeaders(headers, nil)
		if len(again) != len(first) {
			t.Fatalf("run %d kept %d headers, want %d", i, len(again), len(first))
		}
		for k, v := range first {
			if again[k] != v {
				t.Fatalf("run %d: %s = %q, want %q", i, k, again[k], v)
			}
		}
	}
}
