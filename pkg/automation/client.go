package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openfroyo/convergence/pkg/engine"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "converge/1"

	// maxErrorBody bounds how much of an error response is kept in messages.
	maxErrorBody = 4 << 10
)

// Client talks JSON over HTTP to the automation service. It implements
// engine.AutomationService.
//
// Requests are sent with the session's HTTP client so every leg uses its own
// token. The client itself holds no credentials.
type Client struct {
	endpoint  *url.URL
	location  string
	timeout   time.Duration
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLocation sets the region new accounts are created in.
func WithLocation(location string) ClientOption {
	return func(c *Client) {
		c.location = location
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for the service at endpoint.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, engine.NewInputError(fmt.Sprintf("invalid automation endpoint %q", endpoint), err)
	}

	c := &Client{
		endpoint:  u,
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccountName returns the account name used for a run.
func AccountName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "converge-" + short
}

// EnsureAccount creates the run's account, or returns the existing one.
func (c *Client) EnsureAccount(ctx context.Context, session *engine.Session, runID string) (string, error) {
	name := AccountName(runID)
	req := accountRequest{Name: name, Location: c.location, Tags: map[string]string{"run": runID}}

	var acct accountResponse
	if err := c.do(ctx, session, http.MethodPut, c.path("accounts", name), req, &acct); err != nil {
		return "", fmt.Errorf("failed to create automation account %s: %w", name, err)
	}
	if acct.ID == "" {
		return "", engine.NewPermanentError("automation account response has no id", nil).WithSubject(name)
	}
	return acct.ID, nil
}

// DeleteAccount deletes an account. A missing account is not an error.
func (c *Client) DeleteAccount(ctx context.Context, session *engine.Session, accountID string) error {
	err := c.do(ctx, session, http.MethodDelete, c.path("accounts", accountID), nil, nil)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete automation account %s: %w", accountID, err)
	}
	return nil
}

// PublishModule uploads a module reference to the account. The service fetches
// and extracts the package asynchronously.
func (c *Client) PublishModule(ctx context.Context, session *engine.Session, accountID string, module engine.RequiredModule) error {
	req := moduleRequest{Name: module.Name, Version: module.Version, ContentLink: module.Source}
	err := c.do(ctx, session, http.MethodPut, c.path("accounts", accountID, "modules", module.Name), req, nil)
	if err != nil {
		return engine.NewPublishError(fmt.Sprintf("failed to publish module %s", module), err).WithSubject(module.Name)
	}
	return nil
}

// ModuleExtracted reports whether the module has been extracted.
func (c *Client) ModuleExtracted(ctx context.Context, session *engine.Session, accountID string, module engine.RequiredModule) (bool, string, error) {
	var res moduleResponse
	if err := c.do(ctx, session, http.MethodGet, c.path("accounts", accountID, "modules", module.Name), nil, &res); err != nil {
		return false, "", err
	}

	switch res.ProvisioningState {
	case stateSucceeded:
		return true, res.ProvisioningState, nil
	case stateFailed, stateCancelled:
		return false, res.ProvisioningState, engine.NewPublishError(
			fmt.Sprintf("module %s extraction %s", module, strings.ToLower(res.ProvisioningState)),
			remoteError(res.Error)).WithSubject(module.Name)
	default:
		return false, res.ProvisioningState, nil
	}
}

// PublishConfiguration uploads the configuration source and starts a
// compilation job named after the configuration.
func (c *Client) PublishConfiguration(ctx context.Context, session *engine.Session, accountID string, cfg engine.Configuration) error {
	var source string
	if cfg.Source != "" {
		data, err := os.ReadFile(cfg.Source)
		if err != nil {
			return engine.NewPublishError(fmt.Sprintf("failed to read configuration %s", cfg.Name), err).WithSubject(cfg.Name)
		}
		source = string(data)
	}

	req := configurationRequest{Name: cfg.Name, Source: source, Environments: cfg.Environments}
	if err := c.do(ctx, session, http.MethodPut, c.path("accounts", accountID, "configurations", cfg.Name), req, nil); err != nil {
		return engine.NewPublishError(fmt.Sprintf("failed to publish configuration %s", cfg.Name), err).WithSubject(cfg.Name)
	}

	job := compilationRequest{Configuration: cfg.Name, Parameters: cfg.Parameters}
	if err := c.do(ctx, session, http.MethodPut, c.path("accounts", accountID, "compilations", cfg.Name), job, nil); err != nil {
		return engine.NewPublishError(fmt.Sprintf("failed to start compilation of %s", cfg.Name), err).WithSubject(cfg.Name)
	}
	return nil
}

// CompilationFinished reports whether the configuration's compilation job has
// completed.
func (c *Client) CompilationFinished(ctx context.Context, session *engine.Session, accountID string, cfg engine.Configuration) (bool, string, error) {
	var res compilationResponse
	if err := c.do(ctx, session, http.MethodGet, c.path("accounts", accountID, "compilations", cfg.Name), nil, &res); err != nil {
		return false, "", err
	}

	switch res.Status {
	case statusCompleted:
		return true, res.Status, nil
	case statusFailed, statusSuspended, statusStopped:
		return false, res.Status, engine.NewPermanentError(
			fmt.Sprintf("compilation of %s %s", cfg.Name, strings.ToLower(res.Status)),
			remoteError(res.Exception)).WithSubject(cfg.Name)
	default:
		return false, res.Status, nil
	}
}

// NodeCompliance returns the compliance state of the node registered for an
// instance. A node that has not registered yet is Pending.
func (c *Client) NodeCompliance(ctx context.Context, session *engine.Session, accountID string, instance string) (engine.ComplianceState, error) {
	var res nodeResponse
	err := c.do(ctx, session, http.MethodGet, c.path("accounts", accountID, "nodes", instance), nil, &res)
	if isNotFound(err) {
		return engine.CompliancePending, nil
	}
	if err != nil {
		return engine.ComplianceUnknown, err
	}

	switch s := engine.ComplianceState(res.Status); s {
	case engine.CompliancePending, engine.ComplianceInProgress, engine.ComplianceCompliant,
		engine.ComplianceNonCompliant, engine.ComplianceFailed:
		return s, nil
	default:
		return engine.ComplianceUnknown, nil
	}
}

func (c *Client) path(segments ...string) string {
	u := *c.endpoint
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	return u.String()
}

// do sends one request. body and out may be nil. Network failures and 5xx/429
// responses come back as transient errors; other non-2xx responses are
// permanent and wrap a *StatusError.
func (c *Client) do(ctx context.Context, session *engine.Session, method, target string, body, out interface{}) error {
	if session == nil || session.Client == nil {
		return engine.NewAuthenticationError("automation request without a session", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewPermanentError("failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return engine.NewPermanentError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return engine.NewTransientError(fmt.Sprintf("%s %s failed", method, req.URL.Path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.NewTransientError("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(method, req.URL.Path, &StatusError{Code: resp.StatusCode, Body: truncate(string(data))})
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return engine.NewPermanentError("failed to parse response", err)
	}
	return nil
}

// StatusError is a non-2xx response from the automation service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error (status %d)", e.Code)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Code, e.Body)
}

func classify(method, path string, err *StatusError) error {
	msg := fmt.Sprintf("%s %s", method, path)
	switch {
	case err.Code == http.StatusTooManyRequests || err.Code >= 500:
		return engine.NewTransientError(msg, err).WithDetail("status", err.Code)
	case err.Code == http.StatusUnauthorized || err.Code == http.StatusForbidden:
		return engine.NewAuthenticationError(msg, err).WithDetail("status", err.Code)
	default:
		return engine.NewPermanentError(msg, err).WithDetail("status", err.Code)
	}
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func remoteError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
