// Package apiclient talks to the school backend's REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"davomat/internal/auth"
	"davomat/internal/clock"
	"davomat/internal/logger"
	"davomat/internal/metrics"
	"davomat/internal/roster"
)

// Collection names a people endpoint.
type Collection string

const (
	AllStaff Collection = "all-staff"
	Staff    Collection = "staff"
	Students Collection = "students"
)

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	switch c := Collection(s); c {
	case AllStaff, Staff, Students:
		return c, nil
	}
	return "", fmt.Errorf("unknown collection %q", s)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Endpoint, e.Code, e.Body)
}

// Temporary reports whether retrying on the next poll may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// AttendanceRecord is one row of GET /attendance.
type AttendanceRecord struct {
	HikvisionEmployeeID string `json:"hikvisionEmployeeId"`
	EmployeeID          string `json:"employeeId"`
	Name                string `json:"name"`
	FirstCheckIn        string `json:"firstCheckIn"`
	LastCheckOut        string `json:"lastCheckOut"`
	LateMinutes         *int   `json:"lateMinutes,omitempty"`
}

// EmployeePatch is the partial update accepted by PUT /employee/{id}.
type EmployeePatch struct {
	Role       *string  `json:"role,omitempty" validate:"omitempty,oneof=student teacher staff unassigned"`
	Department *string  `json:"department,omitempty" validate:"omitempty,max=120"`
	Salary     *float64 `json:"salary,omitempty" validate:"omitempty,gte=0"`
	StaffType  *string  `json:"staffType,omitempty" validate:"omitempty,max=60"`
	Phone      *string  `json:"phone,omitempty" validate:"omitempty,min=7,max=20"`
	Email      *string  `json:"email,omitempty" validate:"omitempty,email"`
}

// ErrEmptyPatch is returned for a patch that sets nothing.
var ErrEmptyPatch = errors.New("patch sets no fields")

func (p EmployeePatch) empty() bool {
	return p.Role == nil && p.Department == nil && p.Salary == nil && p.StaffType == nil && p.Phone == nil && p.Email == nil
}

// RecognitionLog is the body of POST /attendance/face-recognition.
type RecognitionLog struct {
	ID         string    `json:"id"`
	PersonID   string    `json:"personId"`
	PersonName string    `json:"personName"`
	Role       string    `json:"role"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client calls the backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	tokensMu sync.Mutex
	tokens   *auth.ServiceTokens
	validate *validator.Validate
	log      *logger.Logger
}

// New creates a client with timeout. tokens may be nil for an open backend.
func New(baseURL string, timeout time.Duration, tokens *auth.ServiceTokens, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		HTTP:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		validate: validator.New(),
		log:      log.Named("apiclient"),
	}
}

// ListAttendance returns the attendance rows for day.
func (c *Client) ListAttendance(ctx context.Context, day time.Time) ([]AttendanceRecord, error) {
	q := url.Values{"date": {clock.DayKey(day)}}
	var out struct {
		Records []AttendanceRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/attendance?"+q.Encode(), "attendance", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// ListPeople returns the people of a collection.
func (c *Client) ListPeople(ctx context.Context, col Collection) ([]roster.Person, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/"+string(col), string(col), nil, &raw); err != nil {
		return nil, err
	}
	return decodePeople(raw)
}

// decodePeople accepts a bare array or an object wrapping it under "data".
func decodePeople(raw json.RawMessage) ([]roster.Person, error) {
	var people []roster.Person
	if err := json.Unmarshal(raw, &people); err == nil {
		return people, nil
	}
	var wrapped struct {
		Data []roster.Person `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode people: %w", err)
	}
	return wrapped.Data, nil
}

// UpdateEmployee validates and sends a partial update.
func (c *Client) UpdateEmployee(ctx context.Context, id string, patch EmployeePatch) (roster.Person, error) {
	if strings.TrimSpace(id) == "" {
		return roster.Person{}, errors.New("employee id required")
	}
	if patch.empty() {
		return roster.Person{}, ErrEmptyPatch
	}
	if err := c.validate.Struct(patch); err != nil {
		return roster.Person{}, err
	}
	var out roster.Person
	if err := c.do(ctx, http.MethodPut, "/employee/"+url.PathEscape(id), "employee", patch, &out); err != nil {
		return roster.Person{}, err
	}
	return out, nil
}

// LogFaceRecognition records a recognition event. Callers treat it as
// fire-and-forget.
func (c *Client) LogFaceRecognition(ctx context.Context, entry RecognitionLog) error {
	return c.do(ctx, http.MethodPost, "/attendance/face-recognition", "face-recognition", entry, nil)
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		c.tokensMu.Lock()
		bearer, err := c.tokens.Bearer()
		c.tokensMu.Unlock()
		if err != nil {
			return fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
