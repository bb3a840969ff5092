// Package main provides the stock worker child entrypoint.
//
// The parent spawns buntime-worker for static and route-table entrypoints;
// APP_DIR, ENTRYPOINT, WORKER_CONFIG and WORKER_ID arrive via the
// environment. Frames travel on stdin/stdout; stderr is free for logs.
package main

import (
	"fmt"
	"os"

	"github.com/pithecene-io/buntime/worker"
)

func main() {
	if err := worker.RunFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "buntime-worker: %v\n", err)
		os.Exit(1)
	}
}
