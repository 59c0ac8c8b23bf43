// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package haproxy drives HAProxy's legacy stats endpoint: CSV status
// reads and enable/disable form posts, plus the cluster-wide action used
// by the deployment engine to drain and refill clusters.
package haproxy

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Row is one CSV stats line keyed by header column.
type Row map[string]string

// Client talks to one HAProxy stats endpoint.
type Client struct {
	url      string
	username string
	password string
	http     *http.Client
}

// New creates a client for the stats endpoint at statsURL, authenticated
// with HTTP basic auth.
func New(statsURL, username, password string) *Client {
	return &Client{
		url:      statsURL,
		username: username,
		password: password,
		http: &http.Client{
			Timeout: 10 * time.Second,
			// Action responses are 303 redirects; the Location header is
			// the success signal, never follow it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Stats fetches and parses the CSV statistics of every backend server.
func (c *Client) Stats(ctx context.Context) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+";csv", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read haproxy stats from %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("haproxy stats on %s returned %d", c.url, resp.StatusCode)
	}
	return parseStats(resp.Body)
}

// parseStats decodes HAProxy's CSV format. The header line starts with
// "# " before the first column name.
func parseStats(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse haproxy csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty haproxy csv")
	}
	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "# ")
	}
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(header))
		for i, value := range record {
			if i < len(header) {
				row[header[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ServerStatus returns the stats row for one backend server, or nil when
// HAProxy does not know the pair.
func (c *Client) ServerStatus(ctx context.Context, backend, server string) (Row, error) {
	rows, err := c.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row["pxname"] == backend && row["svname"] == server {
			return row, nil
		}
	}
	return nil, nil
}

// Enable puts the server back in rotation.
func (c *Client) Enable(ctx context.Context, backend, server string) error {
	return c.action(ctx, "enable", backend, server)
}

// Disable drains the server.
func (c *Client) Disable(ctx context.Context, backend, server string) error {
	return c.action(ctx, "disable", backend, server)
}

// action posts the stats form. HAProxy acknowledges with a 303 whose
// Location header contains DONE.
func (c *Client) action(ctx context.Context, action, backend, server string) error {
	form := url.Values{}
	form.Set("s", server)
	form.Set("action", action)
	form.Set("b", backend)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s/%s on %s: %w", action, backend, server, c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSeeOther {
		return fmt.Errorf("haproxy %s %s/%s on %s returned %d", action, backend, server, c.url, resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Location"), "DONE") {
		return fmt.Errorf("haproxy %s %s/%s on %s was not acknowledged (location %q)",
			action, backend, server, c.url, resp.Header.Get("Location"))
	}
	return nil
}
