// Package fetch refreshes the external lookup tables the disclosure stage
// joins against: the practice register with list sizes, and the canonical
// test-code table.
package fetch

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// Client downloads and rebuilds the lookup tables.
type Client struct {
	settings   *workspace.Settings
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Client during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
}

// New creates a Client for the endpoints configured in s.
func New(s *workspace.Settings, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, fmt.Errorf("fetch: settings are required")
	}

	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		settings:   s,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		cfg.timeout = d
		return nil
	}
}

// getCSV downloads a CSV endpoint and returns its parsed rows, header
// included. Short rows are tolerated because some registries pad
// trailing columns inconsistently.
func (c *Client) getCSV(ctx context.Context, operation, url string) ([][]string, error) {
	if url == "" {
		return nil, fmt.Errorf("%s: no URL configured", operation)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", operation, err)
	}

	c.logger.InfoContext(ctx, "fetching lookup table", "operation", operation, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s returned %s", operation, url, resp.Status)
	}

	r := csv.NewReader(resp.Body)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", operation, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %s returned an empty document", operation, url)
	}
	return rows, nil
}

func columnIndex(header []string) map[string]int {
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	return col
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// practicesHeader is the column contract of practice_codes.csv.
var practicesHeader = []string{
	"ccg_id", "practice_id", "practice_name", "month", "total_list_size",
}

// gpSetting is the NHS organisation setting code for standard GP practices.
const gpSetting = "4"

// Practices rebuilds the practice lookup table: the organisation register
// filtered to standard GP practices, left-joined with monthly list sizes.
// Practices without list-size figures are kept with a blank size so
// proportions can still be computed downstream.
func (c *Client) Practices(ctx context.Context) (string, error) {
	orgs, err := c.getCSV(ctx, "fetch practices", c.settings.PracticesURL)
	if err != nil {
		return "", err
	}
	orgCol := columnIndex(orgs[0])
	for _, name := range []string{"code", "name", "setting", "ccg"} {
		if _, ok := orgCol[name]; !ok {
			return "", fmt.Errorf("fetch practices: register is missing column %q", name)
		}
	}

	stats, err := c.getCSV(ctx, "fetch practice stats", c.settings.PracticeStatsURL)
	if err != nil {
		return "", err
	}
	statCol := columnIndex(stats[0])
	for _, name := range []string{"row_id", "date", "total_list_size"} {
		if _, ok := statCol[name]; !ok {
			return "", fmt.Errorf("fetch practice stats: missing column %q", name)
		}
	}

	type monthSize struct{ month, size string }
	sizesByCode := make(map[string][]monthSize)
	for _, row := range stats[1:] {
		code := cell(row, statCol["row_id"])
		// List sizes arrive with ISO dates; months are keyed with
		// slashes everywhere else.
		month := strings.ReplaceAll(cell(row, statCol["date"]), "-", "/")
		sizesByCode[code] = append(sizesByCode[code], monthSize{
			month: month,
			size:  cell(row, statCol["total_list_size"]),
		})
	}

	out := [][]string{practicesHeader}
	for _, row := range orgs[1:] {
		if cell(row, orgCol["setting"]) != gpSetting {
			continue
		}
		code := cell(row, orgCol["code"])
		ccg := cell(row, orgCol["ccg"])
		name := cell(row, orgCol["name"])
		sizes := sizesByCode[code]
		if len(sizes) == 0 {
			out = append(out, []string{ccg, code, name, "", ""})
			continue
		}
		for _, ms := range sizes {
			out = append(out, []string{ccg, code, name, ms.month, ms.size})
		}
	}
	sort.Slice(out[1:], func(i, j int) bool {
		a, b := out[i+1], out[j+1]
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[3] < b[3]
	})

	path := c.settings.PracticesPath()
	if err := tabfile.WriteAtomic(path, out); err != nil {
		return "", fmt.Errorf("fetch practices: %w", err)
	}
	c.logger.InfoContext(ctx, "practice lookup rebuilt", "path", path, "rows", len(out)-1)
	return path, nil
}

// TestCodes rebuilds the canonical test-code table, keeping only codes
// marked for publication.
func (c *Client) TestCodes(ctx context.Context) (string, error) {
	rows, err := c.getCSV(ctx, "fetch test codes", c.settings.TestCodesURL)
	if err != nil {
		return "", err
	}
	col := columnIndex(rows[0])
	show, ok := col["show_in_app?"]
	if !ok {
		return "", fmt.Errorf("fetch test codes: missing column %q", "show_in_app?")
	}

	out := [][]string{rows[0]}
	for _, row := range rows[1:] {
		if cell(row, show) != "True" {
			continue
		}
		out = append(out, row)
	}

	path := c.settings.TestCodesPath()
	if err := tabfile.WriteAtomic(path, out); err != nil {
		return "", fmt.Errorf("fetch test codes: %w", err)
	}
	c.logger.InfoContext(ctx, "test code lookup rebuilt", "path", path, "rows", len(out)-1)
	return path, nil
}
