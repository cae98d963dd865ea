package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status values reported by the prediction API
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

type Prediction struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	URLs   struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
}

var ErrNoOutput = errors.New("prediction has no output")

// ErrForeignPollURL is returned for a poll URL outside the configured API, which
// would otherwise receive the API token
var ErrForeignPollURL = errors.New("poll url does not belong to the inference api")

// OutputURL returns the restored image. The model reports either a single
// URL or a list of URLs, in which case the first one is used.
func (p *Prediction) OutputURL() (string, error) {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return "", ErrNoOutput
	}

	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		if single == "" {
			return "", ErrNoOutput
		}
		return single, nil
	}

	var list []string
	if err := json.Unmarshal(p.Output, &list); err != nil {
		return "", fmt.Errorf("unexpected output format: %w", err)
	}
	for _, u := range list {
		if u != "" {
			return u, nil
		}
	}

	return "", ErrNoOutput
}

// ErrorMessage is the provider's failure reason, if any
func (p *Prediction) ErrorMessage() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}
	var msg string
	if err := json.Unmarshal(p.Error, &msg); err == nil {
		return msg
	}
	return string(p.Error)
}

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference api returned %d: %s", e.StatusCode, e.Detail)
}

type Config struct {
	BaseURL      string
	Token        string
	ModelVersion string
	FaceVersion  string
	Scale        int
	HTTPClient   *http.Client
}

type Client struct {
	baseURL      string
	token        string
	modelVersion string
	faceVersion  string
	scale        int
	http         *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.FaceVersion == "" {
		cfg.FaceVersion = "v1.4"
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 2
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		modelVersion: cfg.ModelVersion,
		faceVersion:  cfg.FaceVersion,
		scale:        cfg.Scale,
		http:         cfg.HTTPClient,
	}
}

type createRequest struct {
	Version string      `json:"version"`
	Input   createInput `json:"input"`
}

type createInput struct {
	Img     string `json:"img"`
	Version string `json:"version"`
	Scale   int    `json:"scale"`
}

// CreatePrediction starts a restoration of imageURL. The returned prediction's
// URLs.Get is the poll handle.
func (c *Client) CreatePrediction(ctx context.Context, imageURL string) (*Prediction, error) {
	body, err := json.Marshal(createRequest{
		Version: c.modelVersion,
		Input: createInput{
			Img:     imageURL,
			Version: c.faceVersion,
			Scale:   c.scale,
		},
	})
	if err != nil {
		return nil, err
	}

	var p Prediction
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/predictions", body, &p); err != nil {
		return nil, err
	}

	if p.URLs.Get == "" {
		return nil, errors.New("inference api response is missing the poll url")
	}

	return &p, nil
}

// GetPrediction fetches the current state of the prediction at pollURL
func (c *Client) GetPrediction(ctx context.Context, pollURL string) (*Prediction, error) {
	if !c.sameOrigin(pollURL) {
		return nil, fmt.Errorf("%w: %q", ErrForeignPollURL, pollURL)
	}

	var p Prediction
	if err := c.do(ctx, http.MethodGet, pollURL, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Ping checks that the API is reachable and the token is accepted
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/account", nil, nil)
}

func (c *Client) sameOrigin(raw string) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode inference api response: %w", err)
	}

	return nil
}

func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))

	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}

	return strings.TrimSpace(string(raw))
}
