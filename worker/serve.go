package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/pithecene-io/buntime/config"
	"github.com/pithecene-io/buntime/ipc"
	"github.com/pithecene-io/buntime/log"
)

// Options configures the child serve loop. Stdin/Stdout default to the
// process stdio; tests inject pipes.
type Options struct {
	AppDir     string
	Entrypoint string
	WorkerID   string
	Config     *config.WorkerConfig

	Stdin  io.Reader
	Stdout io.Writer
	Logger *log.Logger

	// DisableHTMLInjection turns off base-href and env injection for HTML
	// responses.
	DisableHTMLInjection bool
}

// RunFromEnv is the stock child entrypoint: it reads APP_DIR, ENTRYPOINT,
// WORKER_CONFIG and WORKER_ID from the environment, resolves the app shape
// and serves until TERMINATE or EOF.
func RunFromEnv() error {
	opts, err := optionsFromEnv()
	if err != nil {
		return err
	}

	// Containment is checked before anything touches the app directory.
	app, err := ResolveApp(opts.AppDir, opts.Entrypoint)
	if err != nil {
		return err
	}

	if opts.Config.AutoInstall {
		if err := runInstaller(opts.AppDir); err != nil {
			return err
		}
	}
	return ServeApp(app, opts)
}

// Serve is the library entrypoint for executable apps: the app binary links
// this package, builds its handler and calls Serve. Environment delivery and
// the frame loop are identical to the stock child.
func Serve(handler Handler) error {
	if handler == nil {
		return errNoHandler
	}
	opts, err := optionsFromEnv()
	if err != nil {
		return err
	}
	return ServeApp(&App{Shape: ShapeHandlerOnly, Handler: handler}, opts)
}

// optionsFromEnv builds Options from the spawn environment.
func optionsFromEnv() (Options, error) {
	appDir := os.Getenv("APP_DIR")
	if appDir == "" {
		return Options{}, errors.New("APP_DIR is not set")
	}
	entrypoint := os.Getenv("ENTRYPOINT")
	if entrypoint == "" {
		return Options{}, errors.New("ENTRYPOINT is not set")
	}
	rawConfig := os.Getenv("WORKER_CONFIG")
	if rawConfig == "" {
		return Options{}, errors.New("WORKER_CONFIG is not set")
	}
	cfg, err := config.UnmarshalWorkerConfig(rawConfig)
	if err != nil {
		return Options{}, err
	}

	return Options{
		AppDir:     appDir,
		Entrypoint: entrypoint,
		WorkerID:   os.Getenv("WORKER_ID"),
		Config:     cfg,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Logger:     log.NewLogger().WithApp(appDir).WithWorker(os.Getenv("WORKER_ID")),
	}, nil
}

// runInstaller downloads app dependencies before the entrypoint is served.
// Module downloads execute no scripts. A non-zero exit is fatal for the
// worker.
func runInstaller(appDir string) error {
	if _, err := os.Stat(filepath.Join(appDir, "go.mod")); err != nil {
		// Nothing to install.
		return nil
	}

	cmd := exec.Command("go", "mod", "download")
	cmd.Dir = appDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dependency install failed: %w", err)
	}
	return nil
}

// ServeApp runs the request loop: READY, then one frame at a time until
// TERMINATE or stream end. Handler failures produce ERROR frames; the child
// never crashes on a handler error.
func ServeApp(app *App, opts Options) error {
	if app == nil || app.Handler == nil {
		return errNoHandler
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	encoder := ipc.NewFrameEncoder(stdout)
	decoder := ipc.NewFrameDecoder(stdin)

	if err := encoder.WriteEnvelope(&ipc.Envelope{Type: ipc.FrameTypeReady}); err != nil {
		return fmt.Errorf("emit ready: %w", err)
	}

	for {
		envelope, err := decoder.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ipc.IsFatalFrameError(err) {
				return fmt.Errorf("request channel: %w", err)
			}
			logger.Warn("undecodable frame", map[string]any{"error": err.Error()})
			continue
		}

		switch envelope.Type {
		case ipc.FrameTypeRequest:
			reply := handleRequest(app, envelope, opts)
			if err := encoder.WriteEnvelope(reply); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}

		case ipc.FrameTypeIdle:
			if app.OnIdle != nil {
				app.OnIdle()
			}

		case ipc.FrameTypeTerminate:
			if app.OnTerminate != nil {
				app.OnTerminate()
			}
			return nil

		default:
			logger.Warn("unexpected frame type", map[string]any{
				"type": string(envelope.Type),
			})
		}
	}
}

// handleRequest invokes the app handler for one REQUEST frame, converting
// panics and errors into ERROR frames and applying the response safety
// passes.
func handleRequest(app *App, envelope *ipc.Envelope, opts Options) (reply *ipc.Envelope) {
	reqID := envelope.ReqID

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			reply = &ipc.Envelope{
				Type:  ipc.FrameTypeError,
				ReqID: reqID,
				Error: fmt.Sprintf("handler panic: %v", r),
				Stack: &stack,
			}
		}
	}()

	if envelope.Req == nil {
		return &ipc.Envelope{
			Type:  ipc.FrameTypeError,
			ReqID: reqID,
			Error: "request frame has no payload",
		}
	}

	res, err := app.Handler(envelope.Req)
	if err != nil {
		return &ipc.Envelope{
			Type:  ipc.FrameTypeError,
			ReqID: reqID,
			Error: err.Error(),
		}
	}
	if res == nil {
		return &ipc.Envelope{
			Type:  ipc.FrameTypeError,
			ReqID: reqID,
			Error: "handler returned no response",
		}
	}

	res.Headers = sanitizeHeaders(res.Headers, nil)

	if !opts.DisableHTMLInjection && isHTMLResponse(res.Headers) {
		baseHref := requestHeader(envelope.Req.Headers, BaseHeader)
		res.Body = injectHTML(res.Body, baseHref, processEnv())
	}

	return &ipc.Envelope{Type: ipc.FrameTypeResponse, ReqID: reqID, Res: res}
}

// requestHeader does a case-insensitive single-header lookup.
func requestHeader(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// processEnv returns the child environment as a map.
func processEnv() map[string]string {
	environ := os.Environ()
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		k, v, _ := strings.Cut(entry, "=")
		env[k] = v
	}
	return env
}
