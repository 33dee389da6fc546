package main

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

// Sentinel errors for the backend's domain signals. ErrUnauthorized and
// ErrGmailNotConnected are surfaced through apiError.Unwrap so callers can
// match them with errors.Is while keeping the backend detail text.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrGmailNotConnected = errors.New("gmail not connected")
	ErrNoStatementEmails = errors.New("no statement emails found")
)

// gmailNotConnectedDetail is the exact detail string the backend uses to
// signal that no Gmail account is linked. It is a domain signal, not an
// auth failure.
const gmailNotConnectedDetail = "Gmail not connected"

// noStatementsMessage is the backend's explicit empty-result signal,
// delivered with a 200 status.
const noStatementsMessage = "No statement emails found"

// apiError is any backend failure that is not a domain signal. Detail is
// the backend-provided message when the body carried one.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("backend: %d: %s", e.Status, e.Detail)
}

func (e *apiError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusBadRequest && e.Detail == gmailNotConnectedDetail:
		return ErrGmailNotConnected
	}
	return nil
}

// errorDetail extracts the backend detail text for user-facing messages,
// falling back to the error's own text.
func errorDetail(err error) string {
	var ae *apiError
	if errors.As(err, &ae) && ae.Detail != "" {
		return ae.Detail
	}
	return err.Error()
}

type tokenKey struct{}

// withToken attaches a bearer token to the context for the duration of one
// backend call. Handlers load it from the session explicitly rather than
// reading ambient state.
func withToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok && token != ""
}

// authTransport is the single request interceptor: every outgoing backend
// request passes through it, and the Authorization header is set (never
// appended) when the context carries a token.
type authTransport struct {
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if token, ok := tokenFrom(req.Context()); ok {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(req)
}

// BackendClient talks to the Best Card Recommender REST API.
type BackendClient struct {
	baseURL string
	http    *http.Client
}

// NewBackendClient builds a client for the backend at baseURL. The auth
// interceptor is installed once here; constructing the client again does
// not stack interceptors.
func NewBackendClient(baseURL string) *BackendClient {
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &authTransport{base: http.DefaultTransport},
			Timeout:   30 * time.Second,
		},
	}
}

// do issues one request and decodes a 2xx JSON body into out. Non-2xx
// responses are mapped onto the error taxonomy.
func (c *BackendClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeAPIError reads the FastAPI-style {"detail": "..."} error body.
func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Detail == "" {
		payload.Detail = strings.TrimSpace(string(raw))
	}
	return &apiError{Status: resp.StatusCode, Detail: payload.Detail}
}

// Login exchanges credentials for a bearer token. The backend's token
// endpoint follows the OAuth2 password flow, so the body is form-encoded
// with the email in the username field.
func (c *BackendClient) Login(ctx context.Context, email, password string) (string, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/token",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &payload)
	if err != nil {
		return "", err
	}
	if payload.AccessToken == "" {
		return "", &apiError{Status: http.StatusOK, Detail: "empty access token"}
	}
	return payload.AccessToken, nil
}

// Register creates a new account.
func (c *BackendClient) Register(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/auth/register",
		"application/json", bytes.NewReader(body), nil)
}

// Me fetches the current user's profile.
func (c *BackendClient) Me(ctx context.Context) (*UserProfile, error) {
	var profile UserProfile
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", "", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GmailAuthURL asks the backend for a Gmail OAuth authorization URL. The
// caller performs a full-page redirect to it.
func (c *BackendClient) GmailAuthURL(ctx context.Context) (string, error) {
	var payload struct {
		AuthURL string `json:"auth_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/gmail/auth", "", nil, &payload); err != nil {
		return "", err
	}
	if payload.AuthURL == "" {
		return "", &apiError{Status: http.StatusOK, Detail: "empty auth_url"}
	}
	return payload.AuthURL, nil
}

// ParseStatement fetches the most recent parsed statement.
//
// Three outcomes beyond plain failure: a statement, ErrNoStatementEmails
// (the backend answered 200 with its explicit empty-result message), or
// ErrGmailNotConnected (400 with the exact detail string).
func (c *BackendClient) ParseStatement(ctx context.Context) (*Statement, error) {
	var payload struct {
		Message string `json:"message"`
		Statement
	}
	if err := c.do(ctx, http.MethodGet, "/api/gmail/parse-statement", "", nil, &payload); err != nil {
		return nil, err
	}
	if payload.Message == noStatementsMessage {
		return nil, ErrNoStatementEmails
	}
	st := payload.Statement
	return &st, nil
}

// Recommend submits the spend breakdown and returns the scored result.
func (c *BackendClient) Recommend(ctx context.Context, spends []SpendEntry) (*Recommendation, error) {
	body, err := json.Marshal(map[string][]SpendEntry{"spends": spends})
	if err != nil {
		return nil, err
	}
	var rec Recommendation
	err = c.do(ctx, http.MethodPost, "/api/recommend", "application/json", bytes.NewReader(body), &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
