// Package flighttracker provides the "flight_tracker" plugin, which looks up
// live flight data from the aviationstack API.
//
// Each call performs exactly one GET request and returns the raw response
// body. Non-2xx responses are errors. There is no retry or backoff.
package flighttracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/mosscap/internal/plugin"
)

const (
	// Name is the plugin name used in tool names such as "flight_tracker-track_flight".
	Name = "flight_tracker"

	// DefaultBaseURL is the aviationstack API root.
	DefaultBaseURL = "http://api.aviationstack.com"

	defaultTimeout = 30 * time.Second

	// errorBodyLimit caps how much of an error response is quoted in the error.
	errorBodyLimit = 512
)

// Client calls the aviationstack flights endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("flighttracker: apiKey must not be empty")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// requestURL builds the flights URL. Query parameters are emitted in a fixed
// order: access_key, dep_iata, arr_iata, limit, flight_iata.
func (c *Client) requestURL(source, destination, flightNumber string, limit int64) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/v1/flights?access_key=")
	b.WriteString(url.QueryEscape(c.apiKey))
	b.WriteString("&dep_iata=")
	b.WriteString(url.QueryEscape(source))
	b.WriteString("&arr_iata=")
	b.WriteString(url.QueryEscape(destination))
	b.WriteString("&limit=")
	b.WriteString(strconv.FormatInt(limit, 10))
	b.WriteString("&flight_iata=")
	b.WriteString(url.QueryEscape(flightNumber))
	return b.String()
}

// TrackFlight fetches flights from source to destination matching
// flightNumber and returns the raw response body.
func (c *Client) TrackFlight(ctx context.Context, source, destination, flightNumber string, limit int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(source, destination, flightNumber, limit), nil)
	if err != nil {
		return "", fmt.Errorf("flighttracker: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the API key; keep it out of the error text.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", fmt.Errorf("flighttracker: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("flighttracker: read body: %w", err)
	}
	return string(body), nil
}

// StatusError reports a non-2xx response from the flights API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("flighttracker: unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Plugin exposes the client as the "flight_tracker" plugin.
func (c *Client) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name:        Name,
		Description: "Live flight status lookups.",
		Functions: []plugin.Function{
			{
				Name:        "track_flight",
				Description: "Tracks a flight by its departure airport, arrival airport and flight number.",
				Parameters: []plugin.Parameter{
					{Name: "source", Description: "IATA code of the departure airport, e.g. JFK", Type: plugin.TypeString, Required: true},
					{Name: "destination", Description: "IATA code of the arrival airport, e.g. LAX", Type: plugin.TypeString, Required: true},
					{Name: "flight_number", Description: "IATA flight number, e.g. AA100", Type: plugin.TypeString, Required: true},
					{Name: "limit", Description: "maximum number of results", Type: plugin.TypeInteger, Required: true},
				},
				Returns: "the raw JSON response of the flights API",
				Handler: func(ctx context.Context, args plugin.Arguments) (any, error) {
					return c.TrackFlight(ctx, args.String("source"), args.String("destination"), args.String("flight_number"), args.Int("limit"))
				},
			},
		},
	}
}
