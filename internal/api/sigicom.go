package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/noiseuploader/internal/logging"
	"github.com/tejusbharadwaj/noiseuploader/internal/models"
)

const (
	// TimestampLayout is the minute-precision format the search endpoint accepts.
	TimestampLayout = "2006-01-02 15:04"

	DefaultTimezone = "America/New_York"
	DefaultTimeout  = 30 * time.Second

	// basicAuthUser is the fixed user part of the vendor's basic auth scheme;
	// the real credentials travel in the password as "<userID>:<userToken>".
	basicAuthUser = "user"

	maxBodySize = 32 << 20
	maxErrBody  = 4096
)

// ClientConfig holds the vendor API connection settings.
type ClientConfig struct {
	BaseURL   string
	UserID    string
	UserToken string
	// Location is the zone the window is rendered in and announced to the API.
	// Nil means DefaultTimezone.
	Location *time.Location
	Timeout  time.Duration
	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64
}

type searchRequest struct {
	DatetimeFrom string    `json:"datetime_from"`
	DatetimeTo   string    `json:"datetime_to"`
	DataTypes    dataTypes `json:"data_types"`
	Aggregator   int       `json:"aggregator"`
	Timezone     string    `json:"timezone"`
}

type dataTypes struct {
	Transient bool `json:"transient"`
	Interval  bool `json:"interval"`
}

// SigicomClient searches and fetches interval measurements from the vendor API.
type SigicomClient struct {
	baseURL    string
	userID     string
	userToken  string
	location   *time.Location
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logrus.FieldLogger
}

func NewSigicomClient(cfg ClientConfig, logger logrus.FieldLogger) *SigicomClient {
	loc := cfg.Location
	if loc == nil {
		loc = defaultLocation()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &SigicomClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userID:     cfg.UserID,
		userToken:  cfg.UserToken,
		location:   loc,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// defaultLocation is DefaultTimezone, or UTC when no zone database is
// available. Binaries embed one through time/tzdata.
func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Search asks the vendor to prepare interval aggregates for deviceID over
// window and returns the path at which the result set can be fetched.
func (c *SigicomClient) Search(ctx context.Context, window models.TimeWindow, deviceID string) (models.SearchHandle, error) {
	searchURL := fmt.Sprintf("%s/api/v1/sensor/%s/search", c.baseURL, url.PathEscape(deviceID))
	if err := validateSearch(window, deviceID); err != nil {
		return "", &RetrievalError{Op: "search", URL: searchURL, Err: err}
	}

	payload := searchRequest{
		DatetimeFrom: window.Start.In(c.location).Format(TimestampLayout),
		DatetimeTo:   window.End.In(c.location).Format(TimestampLayout),
		DataTypes:    dataTypes{Transient: false, Interval: true},
		Aggregator:   1,
		Timezone:     c.location.String(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &RetrievalError{Op: "search", URL: searchURL, Err: fmt.Errorf("%w: %v", ErrRequest, err)}
	}

	logging.FromContext(ctx, c.logger).WithFields(logrus.Fields{
		"url":           searchURL,
		"datetime_from": payload.DatetimeFrom,
		"datetime_to":   payload.DatetimeTo,
	}).Debug("Requesting search url")

	respBody, err := c.do(ctx, "search", http.MethodPost, searchURL, body)
	if err != nil {
		return "", err
	}

	var resp models.SearchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &RetrievalError{Op: "search", URL: searchURL, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	if resp.DataURL == "" {
		return "", &RetrievalError{Op: "search", URL: searchURL, Err: ErrMissingDataURL}
	}

	return models.SearchHandle(resp.DataURL), nil
}

// Fetch resolves handle into the measurement payload. An empty body means the
// vendor has no data for the window and yields an empty payload, not an error.
func (c *SigicomClient) Fetch(ctx context.Context, handle models.SearchHandle) (*models.MeasurementPayload, error) {
	dataURL := c.baseURL + string(handle)
	if handle == "" {
		return nil, &RetrievalError{Op: "fetch", URL: dataURL, Err: ErrMissingDataURL}
	}

	logging.FromContext(ctx, c.logger).WithField("url", dataURL).Info("Requesting data from url")

	body, err := c.do(ctx, "fetch", http.MethodGet, dataURL, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return models.EmptyPayload(), nil
	}

	if !utf8.Valid(body) {
		return nil, &RetrievalError{Op: "fetch", URL: dataURL, Err: fmt.Errorf("%w: body is not valid UTF-8", ErrDecode)}
	}

	var payload models.MeasurementPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &RetrievalError{Op: "fetch", URL: dataURL, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	return &payload, nil
}

// do performs one authenticated request and returns the raw response body.
func (c *SigicomClient) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &RetrievalError{Op: op, URL: target, Err: fmt.Errorf("%w: %v", ErrRequest, err)}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &RetrievalError{Op: op, URL: target, Err: fmt.Errorf("%w: %v", ErrRequest, err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(basicAuthUser, c.userID+":"+c.userToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetrievalError{Op: op, URL: target, Err: fmt.Errorf("%w: %v", ErrRequest, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &RetrievalError{
			Op:         op,
			URL:        target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", ErrStatus, strings.TrimSpace(string(snippet))),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &RetrievalError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrRequest, err)}
	}
	return data, nil
}
