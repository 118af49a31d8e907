package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/hyperlab-be/dimona/internal/dimona"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 5
	defaultBurst     = 1
	maxBodyBytes     = 1 << 20
)

// Config configures the declaration authority client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RateLimit caps outgoing requests per second. Zero uses a default.
	RateLimit float64
	Timeout   time.Duration
	// HTTPClient overrides the transport. When set, no OAuth2 token source
	// is installed.
	HTTPClient *http.Client
}

// Client talks to the declaration authority REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New constructs a client. Requests are authenticated with OAuth2 client
// credentials unless cfg.HTTPClient is provided.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("authority: base url required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("authority: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("authority: client credentials required")
		}
		oauth := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = oauth.Client(ctx)
		httpClient.Timeout = timeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(limit), defaultBurst),
	}, nil
}

type locationBody struct {
	Name        string `json:"name,omitempty"`
	Street      string `json:"street,omitempty"`
	HouseNumber string `json:"houseNumber,omitempty"`
	BoxNumber   string `json:"boxNumber,omitempty"`
	PostalCode  string `json:"postCode,omitempty"`
	Place       string `json:"municipality,omitempty"`
	Country     string `json:"country,omitempty"`
}

type declarationBody struct {
	EmployerID      string        `json:"employer"`
	WorkerID        string        `json:"worker"`
	Type            string        `json:"declarationType"`
	PeriodID        *string       `json:"periodId,omitempty"`
	JointCommission string        `json:"jointCommissionNumber,omitempty"`
	WorkerType      string        `json:"workerType,omitempty"`
	StartDate       string        `json:"startDate,omitempty"`
	EndDate         string        `json:"endDate,omitempty"`
	StartHour       *string       `json:"startHour,omitempty"`
	EndHour         *string       `json:"endHour,omitempty"`
	PlannedHours    *string       `json:"plannedHoursNumber,omitempty"`
	Location        *locationBody `json:"usingEmployer,omitempty"`
}

type statusBody struct {
	DeclarationStatus struct {
		Result string `json:"result"`
		Period struct {
			ID periodID `json:"id"`
		} `json:"period"`
		Anomalies dimona.Anomalies `json:"anomalies"`
	} `json:"declarationStatus"`
}

// periodID accepts the period id both as a JSON number and as a string.
type periodID string

func (p *periodID) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*p = periodID(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("period id: %w", err)
	}
	*p = periodID(number.String())
	return nil
}

// WorkerTypeCode returns the authority code of a worker type.
func WorkerTypeCode(t dimona.WorkerType) string {
	switch t {
	case dimona.WorkerTypeFlexi:
		return "FLX"
	case dimona.WorkerTypeStudent:
		return "STU"
	default:
		return "OTH"
	}
}

func encodeDeclaration(p dimona.DeclarationPayload) declarationBody {
	body := declarationBody{
		EmployerID: p.EmployerID,
		WorkerID:   p.WorkerID,
		Type:       strings.ToLower(string(p.Type)),
		PeriodID:   p.Reference,
	}
	if p.Type == dimona.DeclarationTypeCancel {
		return body
	}
	body.JointCommission = p.JointCommission
	body.WorkerType = WorkerTypeCode(p.WorkerType)
	if !p.StartDate.IsZero() {
		body.StartDate = p.StartDate.Format("2006-01-02")
	}
	if !p.EndDate.IsZero() {
		body.EndDate = p.EndDate.Format("2006-01-02")
	}
	body.StartHour = p.StartHour
	body.EndHour = p.EndHour
	body.PlannedHours = p.Hours
	if p.Location != (dimona.Location{}) {
		body.Location = &locationBody{
			Name:        p.Location.Name,
			Street:      p.Location.Street,
			HouseNumber: p.Location.HouseNumber,
			BoxNumber:   p.Location.BoxNumber,
			PostalCode:  p.Location.PostalCode,
			Place:       p.Location.Place,
			Country:     p.Location.Country,
		}
	}
	return body
}

// CreateDeclaration submits a declaration and returns the reference the
// authority assigned to it.
func (c *Client) CreateDeclaration(ctx context.Context, payload dimona.DeclarationPayload) (string, error) {
	buf, err := json.Marshal(encodeDeclaration(payload))
	if err != nil {
		return "", fmt.Errorf("authority: encode declaration: %w", err)
	}
	resp, body, err := c.do(ctx, http.MethodPost, c.endpoint("declarations"), buf)
	if err != nil {
		return "", err
	}
	if err := classify(resp.StatusCode, body, false); err != nil {
		return "", err
	}
	ref := referenceFromLocation(resp.Header.Get("Location"))
	if ref == "" {
		return "", &dimona.RequestError{StatusCode: resp.StatusCode, Body: []byte(`{"code":"","description":"response carried no declaration reference"}`)}
	}
	return ref, nil
}

// GetDeclaration fetches the processed result of a declaration.
func (c *Client) GetDeclaration(ctx context.Context, reference string) (dimona.AuthorityResult, error) {
	resp, body, err := c.do(ctx, http.MethodGet, c.endpoint("declarations", reference), nil)
	if err != nil {
		return dimona.AuthorityResult{}, err
	}
	if err := classify(resp.StatusCode, body, true); err != nil {
		return dimona.AuthorityResult{}, err
	}
	var status statusBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&status); err != nil {
		return dimona.AuthorityResult{}, &dimona.RequestError{StatusCode: resp.StatusCode, Body: body}
	}
	anomalies := status.DeclarationStatus.Anomalies
	if anomalies == nil {
		anomalies = dimona.Anomalies{}
	}
	return dimona.AuthorityResult{
		PeriodReference: string(status.DeclarationStatus.Period.ID),
		Result:          status.DeclarationStatus.Result,
		Anomalies:       anomalies,
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL.JoinPath(escaped...).String()
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("authority: rate limiter: %w", err)
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("authority: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: %v", dimona.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %v", dimona.ErrServiceUnavailable, err)
	}
	return resp, body, nil
}

// classify maps a response status onto the error taxonomy of the sync
// engine. A 404 on a lookup means the declaration has not been processed.
func classify(status int, body []byte, lookup bool) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case lookup && status == http.StatusNotFound:
		return dimona.ErrNotYetProcessed
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", dimona.ErrServiceUnavailable, status)
	default:
		return &dimona.RequestError{StatusCode: status, Body: body}
	}
}

func referenceFromLocation(location string) string {
	location = strings.TrimRight(strings.TrimSpace(location), "/")
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}
	ref := path.Base(location)
	if ref == "." || ref == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(ref); err == nil {
		return unescaped
	}
	return ref
}
