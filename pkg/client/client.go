// Package client is the Go client for the coordinator's HTTP API, used by
// the worker agent, the reefctl CLI and any embedding application.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
	"github.com/reefworks/reefworks/pkg/api"
)

type Client struct {
	baseUrl    string
	httpClient *http.Client
}

func New(baseUrl string) *Client {
	return &Client{
		baseUrl:    strings.TrimRight(baseUrl, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) SubmitJob(ctx context.Context, req *api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	var resp api.SubmitJobResponse
	if err := c.post(ctx, "/api/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetJob(ctx context.Context, jobId string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobId), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, jobId string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.post(ctx, "/api/v1/jobs/"+url.PathEscape(jobId)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Poll(ctx context.Context, types []jobs.JobType, limit int) ([]*jobs.Job, error) {
	query := url.Values{}
	if len(types) > 0 {
		typeNames := make([]string, len(types))
		for i, t := range types {
			typeNames[i] = string(t)
		}
		query.Set("types", strings.Join(typeNames, ","))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/work"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp api.PollResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) Assign(ctx context.Context, jobId string, workerId string) (*api.AssignResponse, error) {
	var resp api.AssignResponse
	err := c.post(ctx, "/api/v1/work/"+url.PathEscape(jobId)+"/assign", &api.AssignRequest{WorkerId: workerId}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RenewLease(ctx context.Context, assignmentId string) (time.Time, error) {
	var resp api.RenewLeaseResponse
	err := c.post(ctx, "/api/v1/assignments/"+url.PathEscape(assignmentId)+"/renew", nil, &resp)
	if err != nil {
		return time.Time{}, err
	}
	return resp.ExpiresAt, nil
}

func (c *Client) SubmitResult(ctx context.Context, assignmentId string, status jobs.State, payload json.RawMessage) (bool, error) {
	var resp api.SubmitResultResponse
	err := c.post(ctx, "/api/v1/assignments/"+url.PathEscape(assignmentId)+"/result",
		&api.SubmitResultRequest{Status: status, Payload: payload}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *Client) DownloadUrls(ctx context.Context, jobId string, pathFilter string, expiry time.Duration) (*api.DownloadResponse, error) {
	query := url.Values{}
	if pathFilter != "" {
		query.Set("path", pathFilter)
	}
	if expiry > 0 {
		query.Set("expirySeconds", strconv.Itoa(int(expiry.Seconds())))
	}
	path := "/api/v1/jobs/" + url.PathEscape(jobId) + "/results"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp api.DownloadResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	// Reads are idempotent, so transient transport failures are retried.
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseUrl+path, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return c.do(req, out)
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(func(err error) bool { return !isApiError(err) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseUrl+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling coordinator")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

// errorFromResponse reconstructs the server's typed error from the wire
// code so callers can use errors.As on client results too.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire api.ErrorResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return errors.Errorf("coordinator returned %d: %s", resp.StatusCode, string(body))
	}
	switch wire.Code {
	case api.ErrorCodeInvalid:
		return &reeferrors.ErrInvalidPayload{Message: wire.Error}
	case api.ErrorCodeConflict:
		return &reeferrors.ErrAlreadyAssigned{Message: wire.Error}
	case api.ErrorCodeNotFound:
		return &reeferrors.ErrNotFound{Type: "resource", Message: wire.Error}
	case api.ErrorCodeTerminal:
		return &reeferrors.ErrJobTerminal{Status: wire.Error}
	}
	return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, wire.Error)
}

func isApiError(err error) bool {
	var invalid *reeferrors.ErrInvalidPayload
	var assigned *reeferrors.ErrAlreadyAssigned
	var notFound *reeferrors.ErrNotFound
	var terminal *reeferrors.ErrJobTerminal
	return errors.As(err, &invalid) || errors.As(err, &assigned) ||
		errors.As(err, &notFound) || errors.As(err, &terminal)
}
