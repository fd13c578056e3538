package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"opspilot/internal/logging"
	"opspilot/internal/refstore"
	"opspilot/internal/syncer"
)

var version = "dev"

func main() {
	logging.Init("syncctl", nil)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fatalf("syncctl: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	switch args[0] {
	case "-h", "--help", "help":
		writeUsage(out)
		return nil
	case "--version", "version":
		_, _ = fmt.Fprintln(out, version)
		return nil
	case "run":
		return runSync(args[1:], out)
	case "marker":
		return runMarker(args[1:], out)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func writeUsage(out io.Writer) {
	_, _ = fmt.Fprintln(out, "Usage:")
	_, _ = fmt.Fprintln(out, "  syncctl run [-addr URL] [-timeout DUR]     trigger a sync, print the run report")
	_, _ = fmt.Fprintln(out, "  syncctl marker [-dsn DSN]                  print the durable sync watermark")
}

var newStore = refstore.NewStore

func runMarker(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("marker", flag.ContinueOnError)
	dsn := fs.String("dsn", os.Getenv("POSTGRES_DSN"), "postgres DSN")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := newStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	marker, err := store.LoadMarker(ctx, "assets")
	if err != nil {
		return err
	}
	if marker.IsZero() {
		_, _ = fmt.Fprintln(out, "marker: unset (full sync pending)")
		return nil
	}
	_, _ = fmt.Fprintln(out, "marker: "+marker.String())
	return nil
}

func runSync(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "engined base URL")
	timeout := fs.Duration("timeout", 5*time.Minute, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &engineClient{BaseURL: *addr}
	report, err := client.TriggerSync(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "synced=%d deleted=%d skipped=%d failures=%d\n",
		report.Synced, report.Deleted, report.Skipped, len(report.Failures))
	for _, f := range report.Failures {
		_, _ = fmt.Fprintf(out, "failed %s %s@%s: %s\n", f.Kind, f.ID, f.Version, f.Reason)
	}
	if report.Partial() {
		return errors.New("sync completed with failures")
	}
	return nil
}

type engineClient struct {
	BaseURL string
	Client  *http.Client
}

func (c *engineClient) TriggerSync(ctx context.Context) (syncer.Report, error) {
	var report syncer.Report
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync", nil, &report)
	return report, err
}

func (c *engineClient) doJSON(ctx context.Context, method, path string, req any, out any) error {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	request, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Client.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBytes, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Message, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}
