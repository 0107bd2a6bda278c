// Package gitlab is a hand-rolled client for the slice of the GitLab REST
// API the reviewer needs. The official client is not used because inline
// position failures have to be classified from the raw 400 response body,
// and the handful of endpoints involved are simpler to keep by hand.
package gitlab

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

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/metrics"
	"github.com/diffcritic/internal/retry"
	"github.com/diffcritic/pkg/models"
)

const perPage = 100

// Client talks to one GitLab instance.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	retry   retry.Config
}

// NewClient builds a client for the API root in cfg, e.g.
// "https://gitlab.com/api/v4". Transient failures are retried on the
// schedule in retryCfg.
func NewClient(cfg config.GitLabConfig, retryCfg config.RetryConfig) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.APIURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout()},
		retry:   retry.Tuned(retryCfg.MaxRetries, retryCfg.BaseDelay(), retryCfg.BackoffFactor),
	}
}

// do issues one API request and decodes the JSON response into out when out
// is non-nil. Transport errors, 429 and 5xx responses are retried with
// backoff; other non-2xx responses become *APIError immediately, carrying
// the operation name and response body.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = encoded
	}

	return retry.Do(ctx, c.retry, op, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		metrics.GitLabRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			raw, _ := io.ReadAll(resp.Body)
			return &APIError{
				Status:   resp.StatusCode,
				Endpoint: op,
				Body:     strings.TrimSpace(string(raw)),
			}
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// mrPath builds the REST path for a merge request subresource.
func (c *Client) mrPath(ref models.MergeRequestRef, suffix string) string {
	return fmt.Sprintf("/projects/%s/merge_requests/%d%s",
		url.PathEscape(ref.ProjectID), ref.MRIID, suffix)
}

func pageQuery(page int) url.Values {
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(perPage))
	query.Set("page", strconv.Itoa(page))
	return query
}

type mergeRequestResponse struct {
	IID          int             `json:"iid"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	State        string          `json:"state"`
	SourceBranch string          `json:"source_branch"`
	TargetBranch string          `json:"target_branch"`
	SHA          string          `json:"sha"`
	WebURL       string          `json:"web_url"`
	DiffRefs     models.DiffRefs `json:"diff_refs"`
}

// GetMergeRequest fetches MR metadata including the diff_refs SHAs that
// anchor inline comments.
func (c *Client) GetMergeRequest(ctx context.Context, ref models.MergeRequestRef) (*models.MergeRequest, error) {
	var resp mergeRequestResponse
	if err := c.do(ctx, "get_merge_request", http.MethodGet, c.mrPath(ref, ""), nil, nil, &resp); err != nil {
		return nil, err
	}

	headSHA := resp.DiffRefs.HeadSHA
	if headSHA == "" {
		headSHA = resp.SHA
	}

	return &models.MergeRequest{
		ProjectID:    ref.ProjectID,
		IID:          resp.IID,
		Title:        resp.Title,
		Description:  resp.Description,
		State:        resp.State,
		SourceBranch: resp.SourceBranch,
		TargetBranch: resp.TargetBranch,
		HeadSHA:      headSHA,
		DiffRefs:     resp.DiffRefs,
		WebURL:       resp.WebURL,
	}, nil
}

// GetMergeRequestDiffs fetches every per-file diff record of the MR,
// walking GitLab's pagination.
func (c *Client) GetMergeRequestDiffs(ctx context.Context, ref models.MergeRequestRef) ([]models.RawFileDiff, error) {
	var all []models.RawFileDiff
	for page := 1; ; page++ {
		var batch []models.RawFileDiff
		if err := c.do(ctx, "list_diffs", http.MethodGet, c.mrPath(ref, "/diffs"), pageQuery(page), nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// CurrentUser returns the account the token authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, "get_current_user", http.MethodGet, "/user", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
