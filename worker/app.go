// Package worker implements the child side of the runtime: it resolves an
// app entrypoint into a request handler and answers framed requests on
// stdio.
//
// Three app shapes exist. Entrypoints ending in .html enter static mode and
// serve files under the entrypoint's directory. Entrypoints ending in
// .yaml/.yml/.json are declarative route tables. Executable entrypoints link
// this package and call Serve with their own handler.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/buntime/ipc"
)

// AppShape identifies how an entrypoint is served.
type AppShape int

const (
	// ShapeHandlerOnly is a caller-supplied request handler.
	ShapeHandlerOnly AppShape = iota
	// ShapeRouteTable is a declarative path-to-response table.
	ShapeRouteTable
	// ShapeStatic serves files under the entrypoint's directory.
	ShapeStatic
)

// Handler answers one request. Implementations run on the child's single
// cooperative request loop and must not retain req or the returned response.
type Handler func(req *ipc.Request) (*ipc.Response, error)

// App is a resolved application: a handler plus optional lifecycle hooks.
type App struct {
	Shape   AppShape
	Handler Handler

	// OnIdle is invoked when the parent signals the idle transition.
	OnIdle func()
	// OnTerminate is invoked before the child exits on TERMINATE.
	OnTerminate func()
}

// routeTable is the on-disk schema for declarative apps.
type routeTable struct {
	Routes map[string]routeEntry `yaml:"routes" json:"routes"`
}

// routeEntry is one route: either a response definition or a method map.
// A method map uses lowercase HTTP method names as keys.
type routeEntry struct {
	// Response definition fields.
	Status  int               `yaml:"status" json:"status"`
	Body    string            `yaml:"body" json:"body"`
	File    string            `yaml:"file" json:"file"`
	Headers map[string]string `yaml:"headers" json:"headers"`

	// Method map. Mutually exclusive with the fields above.
	Methods map[string]routeEntry `yaml:"methods" json:"methods"`
}

// ResolveApp loads the app for an entrypoint inside appDir.
// The entrypoint must resolve inside the app directory; escape is fatal.
func ResolveApp(appDir, entrypoint string) (*App, error) {
	absDir, err := filepath.Abs(appDir)
	if err != nil {
		return nil, fmt.Errorf("resolve app dir: %w", err)
	}
	absEntry, err := filepath.Abs(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("resolve entrypoint: %w", err)
	}
	if !strings.HasPrefix(absEntry, absDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("entrypoint %s escapes app directory %s", absEntry, absDir)
	}

	switch strings.ToLower(filepath.Ext(absEntry)) {
	case ".html":
		return staticApp(filepath.Dir(absEntry), filepath.Base(absEntry))
	case ".yaml", ".yml", ".json":
		return routeTableApp(absEntry)
	default:
		return nil, fmt.Errorf("entrypoint %s is not a servable shape", absEntry)
	}
}

// staticApp serves files under root by URL path. Requests for "/" and paths
// without a matching file fall back to the index document (SPA behavior).
func staticApp(root, index string) (*App, error) {
	if _, err := os.Stat(filepath.Join(root, index)); err != nil {
		return nil, fmt.Errorf("static entrypoint: %w", err)
	}

	handler := func(req *ipc.Request) (*ipc.Response, error) {
		reqPath := urlPath(req.URL)
		name := strings.TrimPrefix(reqPath, "/")
		if name == "" {
			name = index
		}

		full := filepath.Join(root, filepath.FromSlash(name))
		// Containment check against traversal in the URL itself.
		if !strings.HasPrefix(full, root+string(filepath.Separator)) && full != root {
			return notFound(), nil
		}

		data, err := os.ReadFile(full)
		if err != nil {
			// SPA fallback: unknown paths get the index document.
			data, err = os.ReadFile(filepath.Join(root, index))
			if err != nil {
				return notFound(), nil
			}
			full = filepath.Join(root, index)
		}

		contentType := mime.TypeByExtension(filepath.Ext(full))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return &ipc.Response{
			Status:  http.StatusOK,
			Headers: map[string]string{"content-type": contentType},
			Body:    data,
		}, nil
	}

	return &App{Shape: ShapeStatic, Handler: handler}, nil
}

// routeTableApp loads a declarative route table and wraps it in a minimal
// matcher. A "*" route acts as catch-all; without one, unmatched paths 404.
func routeTableApp(path string) (*App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	var table routeTable
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &table)
	} else {
		err = yaml.Unmarshal(data, &table)
	}
	if err != nil {
		return nil, fmt.Errorf("route table %s: %w", path, err)
	}
	if len(table.Routes) == 0 {
		return nil, fmt.Errorf("route table %s has no routes", path)
	}

	baseDir := filepath.Dir(path)

	handler := func(req *ipc.Request) (*ipc.Response, error) {
		reqPath := urlPath(req.URL)

		entry, ok := table.Routes[reqPath]
		if !ok {
			entry, ok = table.Routes["*"]
		}
		if !ok {
			return notFound(), nil
		}

		if len(entry.Methods) > 0 {
			methodEntry, ok := entry.Methods[strings.ToLower(req.Method)]
			if !ok {
				return &ipc.Response{
					Status:  http.StatusMethodNotAllowed,
					Headers: map[string]string{},
					Body:    []byte("method not allowed"),
				}, nil
			}
			entry = methodEntry
		}

		return renderRoute(baseDir, entry)
	}

	return &App{Shape: ShapeRouteTable, Handler: handler}, nil
}

// renderRoute materializes a route entry into a response.
func renderRoute(baseDir string, entry routeEntry) (*ipc.Response, error) {
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}

	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[strings.ToLower(k)] = v
	}

	var body []byte
	switch {
	case entry.File != "":
		full := filepath.Join(baseDir, filepath.FromSlash(entry.File))
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("route file %s: %w", entry.File, err)
		}
		body = data
		if _, ok := headers["content-type"]; !ok {
			if ct := mime.TypeByExtension(filepath.Ext(full)); ct != "" {
				headers["content-type"] = ct
			}
		}
	default:
		body = []byte(entry.Body)
	}

	return &ipc.Response{Status: status, Headers: headers, Body: body}, nil
}

// urlPath extracts the path component from a request URL.
func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	if idx := strings.IndexAny(rawURL, "?#"); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

func notFound() *ipc.Response {
	return &ipc.Response{
		Status:  http.StatusNotFound,
		Headers: map[string]string{},
		Body:    []byte("not found"),
	}
}

// errNoHandler reports an app that resolved to nothing servable.
var errNoHandler = errors.New("app exports no handler or route table")
