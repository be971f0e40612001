package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/guardianlink/project/internal/app/identity"
	"github.com/guardianlink/project/internal/app/taskauthority"
	"github.com/guardianlink/project/internal/contracts"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// IsUnavailable reports whether err is a transport-level failure (server
// unreachable, connection dropped) rather than a response the server sent.
// Such errors are retried on the next online transition instead of being
// surfaced as rejections.
func IsUnavailable(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// Client talks to the task server's REST surface. A 409 on a status update
// is decoded back into *taskauthority.ConflictError so callers resolve
// conflicts the same way regardless of which side of the wire they are on.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Register(ctx context.Context, name, password, role string) (identity.AuthResponse, error) {
	var resp identity.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/register",
		map[string]string{"name": name, "password": password, "role": role},
		&resp, http.StatusCreated)
	if err == nil {
		c.Token = resp.Token
	}
	return resp, err
}

func (c *Client) Login(ctx context.Context, name, password string) (identity.AuthResponse, error) {
	var resp identity.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"name": name, "password": password},
		&resp, http.StatusOK)
	if err == nil {
		c.Token = resp.Token
	}
	return resp, err
}

// Tasks fetches the caller's task list; the endpoint depends on role.
func (c *Client) Tasks(ctx context.Context, role string) ([]contracts.Task, error) {
	path := "/api/tasks/dependent"
	if role == identity.RoleGuardian {
		path = "/api/tasks/guardian"
	}
	var tasks []contracts.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks, http.StatusOK); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, req taskauthority.CreateTaskRequest) (contracts.Task, error) {
	var task contracts.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &task, http.StatusCreated)
	return task, err
}

func (c *Client) UpdateStatus(ctx context.Context, taskID string, req taskauthority.StatusUpdateRequest) (contracts.Task, error) {
	var task contracts.Task
	err := c.do(ctx, http.MethodPatch, "/api/tasks/"+taskID+"/status", req, &task, http.StatusOK)
	return task, err
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+taskID, nil, nil, http.StatusOK)
}

func (c *Client) LinkDependent(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/api/guardian/link",
		map[string]string{"code": code}, nil, http.StatusOK)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	var body struct {
		Error          string    `json:"error"`
		Message        string    `json:"message"`
		CurrentStatus  string    `json:"current_status"`
		CurrentVersion time.Time `json:"current_version"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return &taskauthority.ConflictError{
			CurrentStatus:  body.CurrentStatus,
			CurrentVersion: body.CurrentVersion,
		}
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
}
