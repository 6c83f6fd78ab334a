package querybench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type remoteFlags struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// remoteCommand talks to a running querybench-api server instead of the
// database and backend directly.
func (r *runner) remoteCommand() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Call a querybench-api server",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.baseURL, "base-url", "", "API base URL [$QUERYBENCH_API_URL] (default http://localhost:8080)")
	pf.StringVar(&flags.apiKey, "api-key", "", "API key for authenticated requests [$QUERYBENCH_API_KEY]")
	pf.DurationVar(&flags.timeout, "timeout", 0, "HTTP timeout (default 2m)")

	call := func(method, path string, body func(args []string) any) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			var payload any
			if body != nil {
				payload = body(args)
			}
			return r.remoteCall(cmd, flags, method, path, payload)
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "health", Short: "GET /v1/health", Args: cobra.NoArgs, RunE: call(http.MethodGet, "/v1/health", nil)},
		&cobra.Command{Use: "ready", Short: "GET /v1/ready", Args: cobra.NoArgs, RunE: call(http.MethodGet, "/v1/ready", nil)},
		&cobra.Command{Use: "schema", Short: "GET /v1/schema", Args: cobra.NoArgs, RunE: call(http.MethodGet, "/v1/schema", nil)},
		&cobra.Command{
			Use:   "guard SQL...",
			Short: "POST /v1/guard",
			Args:  cobra.MinimumNArgs(1),
			RunE: call(http.MethodPost, "/v1/guard", func(args []string) any {
				return map[string]string{"sql": strings.Join(args, " ")}
			}),
		},
		&cobra.Command{
			Use:   "ask QUESTION...",
			Short: "POST /v1/ask",
			Args:  cobra.MinimumNArgs(1),
			RunE: call(http.MethodPost, "/v1/ask", func(args []string) any {
				return map[string]string{"question": strings.Join(args, " ")}
			}),
		},
	)
	return cmd
}

func (r *runner) remoteCall(cmd *cobra.Command, flags remoteFlags, method, path string, payload any) error {
	baseURL := firstNonEmpty(flags.baseURL, r.lookup("QUERYBENCH_API_URL"), "http://localhost:8080")
	apiKey := firstNonEmpty(flags.apiKey, r.lookup("QUERYBENCH_API_KEY"))
	timeout := flags.timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	client := r.opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	code, responseBody, err := doRequest(cmd.Context(), client, method, endpoint, apiKey, payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if code >= 400 {
		return fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))
	}

	out := cmd.OutOrStdout()
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(out, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(out, string(responseBody))
	}
	return nil
}

func (r *runner) lookup(key string) string {
	value, _ := r.opts.Lookup(key)
	return value
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}
