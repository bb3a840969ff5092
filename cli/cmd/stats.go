package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/buntime/iox"
	"github.com/pithecene-io/buntime/metrics"
)

// StatsCommand returns the stats command. It fetches the metrics snapshot
// from a running server and renders it.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show pool statistics from a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Server base URL",
				Value: "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: table or json",
				Value: "table",
			},
		},
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	snap, err := fetchSnapshot(c.String("addr"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("fetch stats: %v", err), 1)
	}

	switch c.String("format") {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "table":
		renderTable(snap)
		return nil
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q (table or json)", c.String("format")), 1)
	}
}

func fetchSnapshot(base string) (*metrics.Snapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Get(strings.TrimRight(base, "/") + "/_api/metrics")
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(res.Body)

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", res.StatusCode)
	}

	var snap metrics.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func renderTable(snap *metrics.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "active workers\t%d\n", snap.ActiveWorkers)
	fmt.Fprintf(w, "workers created\t%d\n", snap.WorkersCreated)
	fmt.Fprintf(w, "workers retired\t%d\n", snap.WorkersRetired)
	fmt.Fprintf(w, "workers failed\t%d\n", snap.WorkersFailed)
	fmt.Fprintf(w, "pool hits\t%d\n", snap.Hits)
	fmt.Fprintf(w, "pool misses\t%d\n", snap.Misses)
	fmt.Fprintf(w, "evictions\t%d\n", snap.Evictions)
	fmt.Fprintf(w, "total requests\t%d\n", snap.TotalRequests)
	fmt.Fprintf(w, "avg response time\t%.2f ms\n", snap.AvgResponseTimeMs)
	fmt.Fprintf(w, "requests/sec\t%.2f\n", snap.RequestsPerSecond)
	fmt.Fprintf(w, "uptime\t%s\n", (time.Duration(snap.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "memory\t%.2f MB\n", snap.MemoryUsageMB)
	_ = w.Flush()

	if len(snap.Historical) > 0 {
		fmt.Println("\nper-app history:")
		hw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(hw, "key\tworkers\trequests\terrors\tavg ms")

		keys := make([]string, 0, len(snap.Historical))
		for k := range snap.Historical {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			h := snap.Historical[k]
			avg := 0.0
			if h.RequestCount > 0 {
				avg = h.TotalResponseTimeMs / float64(h.RequestCount)
			}
			fmt.Fprintf(hw, "%s\t%d\t%d\t%d\t%.2f\n",
				shortKey(k), h.WorkerCount, h.RequestCount, h.ErrorCount, avg)
		}
		_ = hw.Flush()
	}
}

// shortKey abbreviates a pool key for table output.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
