package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/globaldothealth/fhirflat"
)

// DefaultSheetsURL is the Google Sheets endpoint that exports one tab as CSV.
const DefaultSheetsURL = "https://docs.google.com/spreadsheets/d"

// Remote fetches CSV documents over HTTP, retrying transient failures.
type Remote struct {
	// BaseURL is the spreadsheet export endpoint
	BaseURL string

	client *retryablehttp.Client
}

// NewRemote creates a Remote with three retries and a one minute timeout.
func NewRemote() *Remote {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	client.Logger = nil

	return &Remote{BaseURL: DefaultSheetsURL, client: client}
}

// WithRetryWait sets the bounds of the wait between retries.
func (r *Remote) WithRetryWait(min, max time.Duration) *Remote {
	r.client.RetryWaitMin = min
	r.client.RetryWaitMax = max
	return r
}

// SheetURL returns the CSV export URL of one tab of a spreadsheet.
func (r *Remote) SheetURL(sheetID, tab string) string {
	return fmt.Sprintf("%s/%s/gviz/tq?tqx=out:csv&sheet=%s", r.BaseURL, url.PathEscape(sheetID), url.QueryEscape(tab))
}

// Fetch downloads the document at rawURL. The caller closes the body.
func (r *Remote) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}
	return resp.Body, nil
}

// FetchSheet downloads one tab of a spreadsheet.
func (r *Remote) FetchSheet(ctx context.Context, sheetID, tab string) (io.ReadCloser, error) {
	return r.Fetch(ctx, r.SheetURL(sheetID, tab))
}

// ReadCSV downloads a CSV document and reads it as a Table.
func (r *Remote) ReadCSV(ctx context.Context, rawURL string) (*fhirflat.Table, error) {
	body, err := r.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return ReadCSV(body)
}
