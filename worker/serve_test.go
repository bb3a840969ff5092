package worker

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pithecene-io/buntime/config"
	"github.com/pithecene-io/buntime/ipc"
	"github.com/pithecene-io/buntime/log"
)

// runServe feeds the frames to ServeApp over in-memory pipes and returns the
// frames the child wrote back.
func runServe(t *testing.T, app *App, opts Options, frames ...*ipc.Envelope) []*ipc.Envelope {
	t.Helper()

	var stdin bytes.Buffer
	encoder := ipc.NewFrameEncoder(&stdin)
	for _, f := range frames {
		if err := encoder.WriteEnvelope(f); err != nil {
			t.Fatalf("encode input frame: %v", err)
		}
	}

	var stdout bytes.Buffer
	opts.Stdin = &stdin
	opts.Stdout = &stdout
	if opts.Logger == nil {
		opts.Logger = log.NewLoggerWithWriter(io.Discard)
	}

	if err := ServeApp(app, opts); err != nil {
		t.Fatalf("ServeApp failed: %v", err)
	}

	var out []*ipc.Envelope
	decoder := ipc.NewFrameDecoder(&stdout)
	for {
		envelope, err := decoder.ReadEnvelope()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode output frame %d: %v", len(out), err)
		}
		out = append(out, envelope)
	}
}

func echoApp() *App {
	return &App{
		Shape: ShapeHandlerOnly,
		Handler: func(req *ipc.Request) (*ipc.Response, error) {
			return &ipc.Response{
				Status:  200,
				Headers: map[string]string{},
				Body:    req.Body,
			}, nil
		},
	}
}

func TestServeApp_EmitsReadyFirst(t *testing.T) {
	out := runServe(t, echoApp(), Options{DisableHTMLInjection: true})

	if len(out) == 0 {
		t.Fatal("no frames written")
	}
	if out[0].Type != ipc.FrameTypeReady {
		t.Errorf("first frame = %q, want READY", out[0].Type)
	}
}

func TestServeApp_RequestResponseCorrelation(t *testing.T) {
	out := runServe(t, echoApp(), Options{DisableHTMLInjection: true},
		&ipc.Envelope{
			Type:  ipc.FrameTypeRequest,
			ReqID: "req-42",
			Req:   &ipc.Request{Method: "POST", URL: "/echo", Body: []byte("payload")},
		},
	)

	if len(out) != 2 {
		t.Fatalf("got %d frames, want READY + RESPONSE", len(out))
	}
	res := out[1]
	if res.Type != ipc.FrameTypeResponse {
		t.Fatalf("frame type = %q, want RESPONSE", res.Type)
	}
	if res.ReqID != "req-42" {
		t.Errorf("ReqID = %q, want req-42", res.ReqID)
	}
	if string(res.Res.Body) != "payload" {
		t.Errorf("body = %q, want payload", res.Res.Body)
	}
	if res.Res.Headers["content-type"] != defaultContentType {
		t.Errorf("content-type = %q, want default injected", res.Res.Headers["content-type"])
	}
}

func TestServeApp_HandlerErrorBecomesErrorFrame(t *testing.T) {
	app := &App{
		Handler: func(req *ipc.Request) (*ipc.Response, error) {
			return nil, errors.New("database offline")
		},
	}

	out := runServe(t, app, Options{DisableHTMLInjection: true},
		&ipc.Envelope{Type: ipc.FrameTypeRequest, ReqID: "req-1", Req: &ipc.Request{Method: "GET", URL: "/"}},
	)

	if len(out) != 2 {
		t.Fatalf("got %d frames, want READY + ERROR", len(out))
	}
	if out[1].Type != ipc.FrameTypeError {
		t.Fatalf("frame type = %q, want ERROR", out[1].Type)
	}
	if out[1].ReqID != "req-1" {
		t.Errorf("ReqID = %q, want req-1", out[1].ReqID)
	}
	if out[1].Error != "database offline" {
		t.Errorf("Error = %q, want handler message", out[1].Error)
	}
}

func TestServeApp_HandlerPanicBecomesErrorFrame(t *testing.T) {
	app := &App{
		Handler: func(req *ipc.Request) (*ipc.Response, error) {
			panic("nil map write")
		},
	}

	out := runServe(t, app, Options{DisableHTMLInjection: true},
		&ipc.Envelope{Type: ipc.FrameTypeRequest, ReqID: "req-p", Req: &ipc.Request{Method: "GET", URL: "/"}},
		&ipc.Envelope{Type: ipc.FrameTypeRequest, ReqID: "req-after", Req: &ipc.Request{Method: "GET", URL: "/"}},
	)

	if len(out) != 3 {
		t.Fatalf("got %d frames, want READY + ERROR + ERROR (child survives the panic)", len(out))
	}
	errFrame := out[1]
	if errFrame.Type != ipc.FrameTypeError {
		t.Fatalf("frame type = %q, want ERROR", errFrame.Type)
	}
	if !strings.Contains(errFrame.Error, "nil map write") {
		t.Errorf("Error = %q, want panic message included", errFrame.Error)
	}
	if errFrame.Stack == nil || *errFrame.Stack == "" {
		t.Error("panic frames should carry a stack trace")
	}
	// The loop keeps serving after a panic.
	if out[2].ReqID != "req-after" {
		t.Errorf("second reply ReqID = %q, want req-after", out[2].ReqID)
	}
}

func TestServeApp_TerminateRunsHookAndExits(t *testing.T) {
	terminated := false
	idled := false
	app := echoApp()
	app.OnTerminate = func() { terminated = true }
	app.OnIdle = func() { idled = true }

	out := runServe(t, app, Options{DisableHTMLInjection: true},
		&ipc.Envelope{Type: ipc.FrameTypeIdle},
		&ipc.Envelope{Type: ipc.FrameTypeTerminate},
		// Never reached: the loop exits on TERMINATE.
		&ipc.Envelope{Type: ipc.FrameTypeRequest, ReqID: "late", Req: &ipc.Request{Method: "GET", URL: "/"}},
	)

	if !idled {
		t.Error("IDLE frame should invoke the idle hook")
	}
	if !terminated {
		t.Error("TERMINATE frame should invoke the terminate hook")
	}
	for _, f := range out[1:] {
		if f.ReqID == "late" {
			t.Error("requests after TERMINATE must not be served")
		}
	}
}

func TestServeApp_HTMLInjection(t *testing.T) {
	t.Setenv("PUBLIC_APP_NAME", "shop")

	app := &App{
		Handler: func(req *ipc.Request) (*ipc.Response, error) {
			return &ipc.Response{
				Status:  200,
				Headers: map[string]string{"content-type": "text/html; charset=utf-8"},
				Body:    []byte("<html><head></head><body>hi</body></html>"),
			}, nil
		},
	}

	out := runServe(t, app, Options{},
		&ipc.Envelope{
			Type:  ipc.FrameTypeRequest,
			ReqID: "req-html",
			Req: &ipc.Request{
				Method:  "GET",
				URL:     "/",
				Headers: map[string]string{BaseHeader: "/shop/"},
			},
		},
	)

	if len(out) != 2 {
		t.Fatalf("got %d frames, want READY + RESPONSE", len(out))
	}
	body := string(out[1].Res.Body)
	if !strings.Contains(body, `<base href="/shop/">`) {
		t.Errorf("body missing base href:\n%s", body)
	}
	if !strings.Contains(body, "PUBLIC_APP_NAME") {
		t.Errorf("body missing injected env:\n%s", body)
	}
}

func TestServeApp_NilHandlerRejected(t *testing.T) {
	if err := ServeApp(nil, Options{}); err == nil {
		t.Error("nil app should be rejected")
	}
	if err := ServeApp(&App{}, Options{}); err == nil {
		t.Error("app without handler should be rejected")
	}
}

func TestRunFromEnv_ContainmentBeforeInstall(t *testing.T) {
	appDir := t.TempDir()
	// A go.mod that cannot parse: if the installer ran first it would fail
	// with an install error instead of the containment error.
	if err := os.WriteFile(filepath.Join(appDir, "go.mod"), []byte("not a module file"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	cfg := &config.WorkerConfig{
		AutoInstall:   true,
		Entrypoint:    "../outside.yaml",
		TimeoutMs:     1000,
		TTLMs:         60000,
		IdleTimeoutMs: 30000,
	}
	raw, err := config.MarshalWorkerConfig(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	t.Setenv("APP_DIR", appDir)
	t.Setenv("ENTRYPOINT", filepath.Join(appDir, "../outside.yaml"))
	t.Setenv("WORKER_CONFIG", raw)
	t.Setenv("WORKER_ID", "w-test")

	err = RunFromEnv()
	if err == nil {
		t.Fatal("escaping entrypoint should fail")
	}
	if !strings.Contains(err.Error(), "escapes app directory") {
		t.Errorf("err = %v, want containment failure before any install attempt", err)
	}
}
