package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverURL string
	apiKey    string
	timeout   string
	language  string
	rawJSON   bool

	benchCount       int
	benchConcurrency int
)

// result mirrors the fields of the server's run response the CLI reads.
type result struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  *int   `json:"exit_code"`
	TimedOut  bool   `json:"timed_out"`
	Truncated bool   `json:"truncated"`
	OOMKilled bool   `json:"oom_killed"`
	Duration  string `json:"duration"`
}

type apiError struct {
	Status  int
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

func main() {
	root := &cobra.Command{
		Use:           "coderunner",
		Short:         "CLI client for safe-code-runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CODERUNNER_URL", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODERUNNER_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Run code given as an argument or on stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "", "Wall time limit, e.g. 10s (server default if empty)")
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language id")
	execCmd.Flags().BoolVar(&rawJSON, "json", false, "Print the raw JSON result")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Run a source file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "", "Wall time limit, e.g. 10s (server default if empty)")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language id (detected from the extension if empty)")
	execFileCmd.Flags().BoolVar(&rawJSON, "json", false, "Print the raw JSON result")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		RunE:  runLanguages,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	benchCmd := &cobra.Command{
		Use:   "bench [file]",
		Short: "Submit a source file many times concurrently and summarize outcomes",
		Args:  cobra.ExactArgs(1),
		RunE:  runBench,
	}
	benchCmd.Flags().IntVarP(&benchCount, "count", "n", 20, "Number of submissions")
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", 8, "Submissions in flight at once")
	benchCmd.Flags().StringVarP(&language, "language", "l", "", "Language id (detected from the extension if empty)")
	root.AddCommand(benchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(cmd.Context(), code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	code, lang, err := readSource(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return executeCode(cmd.Context(), code, lang)
}

// readSource loads path and resolves its language, asking the server which
// language owns the file's extension when --language is not set.
func readSource(ctx context.Context, path string) (code, lang string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading file: %w", err)
	}
	if language != "" {
		return string(data), language, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	var langs []struct {
		ID        string `json:"id"`
		Extension string `json:"extension"`
	}
	if err := doJSON(ctx, http.MethodGet, "/languages", nil, &langs); err != nil {
		return "", "", err
	}
	for _, l := range langs {
		if l.Extension == ext {
			return string(data), l.ID, nil
		}
	}
	return "", "", fmt.Errorf("cannot detect language for extension %q, use --language", ext)
}

func requestBody(code, lang string) (map[string]any, error) {
	payload := map[string]any{
		"code":     code,
		"language": lang,
	}
	if timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return nil, fmt.Errorf("invalid --timeout: %w", err)
		}
		payload["timeout"] = timeout
	}
	return payload, nil
}

func submit(ctx context.Context, code, lang string) (*result, error) {
	payload, err := requestBody(code, lang)
	if err != nil {
		return nil, err
	}
	var res result
	if err := doJSON(ctx, http.MethodPost, "/run-code", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func executeCode(ctx context.Context, code, lang string) error {
	if rawJSON {
		payload, err := requestBody(code, lang)
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := doJSON(ctx, http.MethodPost, "/run-code", payload, &raw); err != nil {
			return err
		}
		return printJSON(raw)
	}

	res, err := submit(ctx, code, lang)
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)

	switch {
	case res.TimedOut:
		fmt.Fprintf(os.Stderr, "\n[%s: timed out after %s]\n", res.Stage, res.Duration)
		os.Exit(124)
	case res.Stage == "compile" && res.Status == "failed":
		fmt.Fprintln(os.Stderr, "\n[compilation failed]")
		os.Exit(1)
	case res.Truncated:
		fmt.Fprintln(os.Stderr, "\n[output truncated]")
	case res.OOMKilled:
		fmt.Fprintln(os.Stderr, "\n[memory limit exceeded]")
	}
	if res.ExitCode != nil && *res.ExitCode != 0 {
		os.Exit(*res.ExitCode)
	}
	return nil
}

func runLanguages(cmd *cobra.Command, _ []string) error {
	var langs []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Extension      string `json:"extension"`
		Compiled       bool   `json:"compiled"`
		CompileTimeout string `json:"compile_timeout"`
		RunTimeout     string `json:"run_timeout"`
		MemoryMB       int64  `json:"memory_mb"`
	}
	if err := doJSON(cmd.Context(), http.MethodGet, "/languages", nil, &langs); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEXT\tCOMPILE\tRUN\tMEMORY")
	for _, l := range langs {
		compile := "-"
		if l.Compiled {
			compile = l.CompileTimeout
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dMB\n", l.ID, l.Name, l.Extension, compile, l.RunTimeout, l.MemoryMB)
	}
	return tw.Flush()
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var raw json.RawMessage
	if err := doJSON(cmd.Context(), http.MethodGet, "/health", nil, &raw); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return printJSON(raw)
}

func runBench(cmd *cobra.Command, args []string) error {
	code, lang, err := readSource(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		outcomes  = make(map[string]int)
		latencies []time.Duration
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(benchConcurrency, 1))

	start := time.Now()
	for i := 0; i < benchCount; i++ {
		g.Go(func() error {
			t0 := time.Now()
			res, err := submit(ctx, code, lang)
			elapsed := time.Since(t0)

			var key string
			var ae *apiError
			switch {
			case err == nil:
				key = res.Status
			case errors.As(err, &ae):
				key = "http_" + ae.Code
			default:
				return err
			}

			mu.Lock()
			outcomes[key]++
			latencies = append(latencies, elapsed)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	total := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%d submissions of %s in %s (concurrency %d)\n", benchCount, lang, total.Round(time.Millisecond), benchConcurrency)
	for _, k := range keys {
		fmt.Printf("  %-24s %d\n", k, outcomes[k])
	}
	if n := len(latencies); n > 0 {
		fmt.Printf("latency p50=%s p95=%s max=%s\n",
			latencies[n/2].Round(time.Millisecond),
			latencies[n*95/100].Round(time.Millisecond),
			latencies[n-1].Round(time.Millisecond))
	}
	return nil
}

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// doJSON sends body as JSON and decodes a 2xx response into out. Other
// statuses come back as *apiError.
func doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(ae); err != nil {
			ae.Message = http.StatusText(resp.StatusCode)
		}
		return ae
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
