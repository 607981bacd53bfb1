package transport

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
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// TokenSource yields the current session token.
type TokenSource interface {
	Token() (string, bool)
}

// Client is a stateless wrapper around the marketplace driver API. It holds
// no mutable state after construction and is safe for concurrent use.
type Client struct {
	baseURL  string
	radiusKm float64
	http     *http.Client
	tokens   TokenSource
}

func NewClient(baseURL string, radiusKm float64, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		radiusKm: radiusKm,
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
	}
}

type jobsResponse struct {
	Success bool         `json:"success"`
	Jobs    []models.Job `json:"jobs"`
}

type jobResponse struct {
	Success bool       `json:"success"`
	Job     models.Job `json:"job"`
}

type profileResponse struct {
	Success    bool           `json:"success"`
	Contractor models.Profile `json:"contractor"`
}

type serverError struct {
	Error string `json:"error"`
}

// AvailableJobs lists jobs near the driver, including direct assignments.
func (c *Client) AvailableJobs(ctx context.Context) ([]models.Job, error) {
	q := url.Values{}
	if c.radiusKm > 0 {
		q.Set("radius", strconv.FormatFloat(c.radiusKm, 'f', -1, 64))
	}
	path := "/api/drivers/jobs/available"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out jobsResponse
	if err := c.do(ctx, "available jobs", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// FindJob looks a job up through the available-jobs listing. The push
// channel's direct assignment event only carries the id.
func (c *Client) FindJob(ctx context.Context, jobID string) (models.Job, error) {
	jobs, err := c.AvailableJobs(ctx)
	if err != nil {
		return models.Job{}, err
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return j, nil
		}
	}
	return models.Job{}, &Error{Kind: KindRejected, Op: "find job", StatusCode: http.StatusNotFound, Message: "job " + jobID + " is no longer available"}
}

func (c *Client) Accept(ctx context.Context, jobID string) (models.Job, error) {
	var out jobResponse
	err := c.do(ctx, "accept job", http.MethodPost, "/api/drivers/jobs/"+url.PathEscape(jobID)+"/accept", nil, &out)
	return out.Job, err
}

func (c *Client) Decline(ctx context.Context, jobID string) error {
	return c.do(ctx, "decline job", http.MethodPost, "/api/drivers/jobs/"+url.PathEscape(jobID)+"/decline", nil, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, jobID string, upd models.StatusUpdate) (models.Job, error) {
	var out jobResponse
	err := c.do(ctx, "update status", http.MethodPut, "/api/drivers/jobs/"+url.PathEscape(jobID)+"/status", upd, &out)
	return out.Job, err
}

func (c *Client) ProposeVolume(ctx context.Context, jobID string, actualVolume float64) (models.VolumeQuote, error) {
	body := struct {
		ActualVolume float64 `json:"actual_volume"`
	}{actualVolume}
	var out models.VolumeQuote
	err := c.do(ctx, "propose volume", http.MethodPost, "/api/drivers/jobs/"+url.PathEscape(jobID)+"/volume", body, &out)
	return out, err
}

// UpdateLocation is fire-and-forget from the caller's point of view.
func (c *Client) UpdateLocation(ctx context.Context, at models.Coord) error {
	return c.do(ctx, "update location", http.MethodPut, "/api/drivers/location", at, nil)
}

func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var out profileResponse
	err := c.do(ctx, "contractor profile", http.MethodGet, "/api/drivers/profile", nil, &out)
	return out.Contractor, err
}

func (c *Client) SetAvailability(ctx context.Context, online bool) (models.Profile, error) {
	body := struct {
		IsOnline bool `json:"is_online"`
	}{online}
	var out profileResponse
	err := c.do(ctx, "availability", http.MethodPut, "/api/drivers/availability", body, &out)
	return out.Contractor, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindDecode, Op: op, Err: err}
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return &Error{Kind: KindRejected, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, ok := "", false
	if c.tokens != nil {
		token, ok = c.tokens.Token()
	}
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNoToken)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Op: op, StatusCode: resp.StatusCode, Kind: classify(resp.StatusCode)}
		var se serverError
		if json.Unmarshal(data, &se) == nil {
			e.Message = se.Error
		}
		return e
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindDecode, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	default:
		return KindRejected
	}
}
