// Package sheets fetches the price list from a Google Sheets CSV export.
package sheets

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSizeBytes = 8 << 20

type Config struct {
	URL     string        `split_words:"true" required:"true"`
	Timeout time.Duration `split_words:"true" default:"30s"`
}

// Client downloads and parses the published CSV. It implements
// catalog.Loader.
type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	sheetURL := strings.TrimSpace(cfg.URL)
	if sheetURL == "" {
		return nil, errors.New("sheets url is required")
	}
	if _, err := url.ParseRequestURI(sheetURL); err != nil {
		return nil, fmt.Errorf("invalid sheets url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		url: sheetURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Fetch downloads the sheet and returns its raw rows. Any transport or
// parse failure is an unavailability signal for the catalog.
func (c *Client) Fetch(ctx context.Context) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sheets request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("sheets http status=%d", resp.StatusCode)
	}

	reader := csv.NewReader(io.LimitReader(resp.Body, maxResponseSizeBytes))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse sheet csv: %w", err)
	}
	return rows, nil
}
