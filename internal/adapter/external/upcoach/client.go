// Package upcoach is the adapter for the UpCoach backend API.
package upcoach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"upcoach-sync/internal/platform/httpclient"
	"upcoach-sync/internal/shared"
)

// Resource names understood by Fetch.
const (
	ResourceHabits = "habits"
	ResourceGoals  = "goals"
	ResourceTasks  = "tasks"
)

// Resources lists every resource that can be synced.
var Resources = []string{ResourceHabits, ResourceGoals, ResourceTasks}

// ErrUnexpectedPayload is returned when a list endpoint answers with
// something other than an array or a {"data": [...]} envelope.
var ErrUnexpectedPayload = errors.New("upcoach: unexpected payload")

// Doer sends HTTP requests. *httpclient.Client implements it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Habit is a recurring activity tracked by the user.
type Habit struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
	Streak      int    `json:"streak,omitempty"`
}

// Goal is a longer term target.
type Goal struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	Progress    float64    `json:"progress,omitempty"`
	TargetDate  *time.Time `json:"targetDate,omitempty"`
}

// Task is a single to-do item.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Completed bool       `json:"completed"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
}

// CheckIn is the server's answer to a habit check-in.
type CheckIn struct {
	HabitID   string    `json:"habitId"`
	Streak    int       `json:"streak,omitempty"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
}

// Client talks to the UpCoach API.
type Client struct {
	hc       Doer
	base     *url.URL
	log      *slog.Logger
	deviceID string
	newKey   func() string

	mu    sync.RWMutex
	token string
}

// Option configures Client.
type Option func(*Client)

// WithToken sets the bearer token, skipping Login.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDeviceID identifies this agent on login.
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithIdempotencyKeys replaces the key generator used by CheckIn.
func WithIdempotencyKeys(gen func() string) Option {
	return func(c *Client) {
		if gen != nil {
			c.newKey = gen
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(hc Doer, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, shared.MarkKind(fmt.Errorf("upcoach: invalid base url %q", baseURL), shared.KindValidation)
	}
	c := &Client{
		hc:     hc,
		base:   u,
		log:    slog.Default(),
		newKey: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a bearer token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return shared.MarkKind(errors.New("upcoach: email and password required"), shared.KindValidation)
	}
	in := map[string]string{"email": email, "password": password}
	if c.deviceID != "" {
		in["deviceId"] = c.deviceID
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", in, nil, &out); err != nil {
		return shared.Wrap(err, "upcoach login")
	}
	if out.Token == "" {
		return fmt.Errorf("upcoach login: %w: empty token", ErrUnexpectedPayload)
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	c.log.Info("upcoach login ok")
	return nil
}

// Fetch returns the items of resource as raw JSON documents.
func (c *Client) Fetch(ctx context.Context, resource string) ([]json.RawMessage, error) {
	if !knownResource(resource) {
		return nil, shared.MarkKind(fmt.Errorf("upcoach: unknown resource %q", resource), shared.KindValidation)
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/"+resource, nil, nil, &raw); err != nil {
		return nil, shared.Wrapf(err, "upcoach fetch %s", resource)
	}
	items, err := decodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("upcoach fetch %s: %w", resource, err)
	}
	return items, nil
}

// Habits lists the user's habits.
func (c *Client) Habits(ctx context.Context) ([]Habit, error) {
	return list[Habit](ctx, c, ResourceHabits)
}

// Goals lists the user's goals.
func (c *Client) Goals(ctx context.Context) ([]Goal, error) {
	return list[Goal](ctx, c, ResourceGoals)
}

// Tasks lists the user's tasks.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	return list[Task](ctx, c, ResourceTasks)
}

// CheckIn marks a habit as done for today. The request carries a fresh
// Idempotency-Key so the HTTP client may retry it.
func (c *Client) CheckIn(ctx context.Context, habitID string) (CheckIn, error) {
	if strings.TrimSpace(habitID) == "" {
		return CheckIn{}, shared.MarkKind(errors.New("upcoach: habit id required"), shared.KindValidation)
	}
	hdr := http.Header{}
	hdr.Set("Idempotency-Key", c.newKey())

	var out CheckIn
	path := "/api/habits/" + url.PathEscape(habitID) + "/check-in"
	if err := c.do(ctx, http.MethodPost, path, nil, hdr, &out); err != nil {
		return CheckIn{}, shared.Wrapf(err, "upcoach check-in %s", habitID)
	}
	if out.HabitID == "" {
		out.HabitID = habitID
	}
	return out, nil
}

// Ping reports whether the API answers. Any response below 500 counts.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		return nil
	}
	return err
}

func list[T any](ctx context.Context, c *Client, resource string) ([]T, error) {
	items, err := c.Fetch(ctx, resource)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for i, it := range items {
		var v T
		if err := json.Unmarshal(it, &v); err != nil {
			return nil, fmt.Errorf("upcoach %s[%d]: %w", resource, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func knownResource(r string) bool {
	for _, k := range Resources {
		if k == r {
			return true
		}
	}
	return false
}

// decodeList accepts a bare JSON array or a {"data": [...]} envelope.
func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnexpectedPayload)
	}
	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
		}
	case '{':
		var env struct {
			Data *[]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
		}
		if env.Data == nil {
			return nil, fmt.Errorf("%w: object without data field", ErrUnexpectedPayload)
		}
		items = *env.Data
	default:
		return nil, fmt.Errorf("%w: starts with %q", ErrUnexpectedPayload, trimmed[0])
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

// do sends one API call. Error statuses come back as *httpclient.StatusError.
func (c *Client) do(ctx context.Context, method, path string, in any, hdr http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpclient.NewStatusError(method, u.Redacted(), resp)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
	}
	return nil
}
