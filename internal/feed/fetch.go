// Package feed fetches GTFS-Realtime feeds and decodes them into typed,
// identity-tagged samples.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// FetchError is a transient feed failure: transport error or non-200 status.
type FetchError struct {
	URL        string
	Status     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError wraps unparsable feed bytes.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode feed: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Fetcher downloads raw feed bytes. One Fetcher owns one HTTP client session.
type Fetcher struct {
	httpClient *http.Client
	apiKey     string
}

// NewFetcher wraps client. The API key, when set, is sent as the apikey query parameter.
func NewFetcher(client *http.Client, apiKey string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{httpClient: client, apiKey: apiKey}
}

// Fetch returns the raw body of rawURL. Any failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if f.apiKey != "" {
		q := u.Query()
		q.Set("apikey", f.apiKey)
		u.RawQuery = q.Encode()
	}
	display := redact(u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: display, Err: err}
	}
	req.Header.Set("Accept", "application/x-protobuf, application/octet-stream")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, API key included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, &FetchError{URL: display, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: display, Status: resp.Status, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: display, Err: err}
	}
	return body, nil
}

// Close releases idle connections held by the client session.
func (f *Fetcher) Close() {
	f.httpClient.CloseIdleConnections()
}

// redact drops the query string so the API key never reaches logs.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.Redacted()
}
