package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

const apiPrefix = "api/v1"

// RestApiClient talks to verdandi API server
type RestApiClient struct {
	baseUrl    *url.URL
	token      string
	httpClient *http.Client
}

func NewRestApiClient(baseUrl string, token string) (*RestApiClient, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, err
	}

	return &RestApiClient{
		baseUrl:    u,
		token:      token,
		httpClient: &http.Client{Timeout: time.Minute},
	}, nil
}

func (c *RestApiClient) do(ctx context.Context, method string, apiUrl *url.URL, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, apiUrl.String(), reader)
	if err != nil {
		return nil, err
	}
	request.Header.Add("Accept", "application/json")
	if body != nil {
		request.Header.Add("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Add("Authorization", fmt.Sprintf("Bearer %v", c.token))
	}

	return c.httpClient.Do(request)
}

// call sends a request and decodes response into dest. A 404 response is reported as false, nil.
func (c *RestApiClient) call(ctx context.Context, method string, apiUrl *url.URL, body any, dest any) (bool, error) {
	resp, err := c.do(ctx, method, apiUrl, body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, readApiError(resp)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return true, nil
	}

	return true, json.NewDecoder(resp.Body).Decode(dest)
}

func readApiError(resp *http.Response) error {
	errorResponse := &ErrorResponse{
		Code:    resp.StatusCode,
		Message: resp.Status,
	}
	if err := json.NewDecoder(resp.Body).Decode(errorResponse); err != nil {
		// Failed to unmarshal error message, fallback to HTTP status code
		errorResponse.Code = resp.StatusCode
		errorResponse.Message = resp.Status
	}

	return errorResponse
}

func urlForPath(baseUrl *url.URL, apiPath string, query url.Values) *url.URL {
	rawQuery := ""
	if query != nil {
		rawQuery = query.Encode()
	}

	return &url.URL{
		Scheme:   baseUrl.Scheme,
		Opaque:   baseUrl.Opaque,
		User:     baseUrl.User,
		Host:     baseUrl.Host,
		Path:     path.Join(baseUrl.Path, apiPrefix, apiPath),
		RawQuery: rawQuery,
	}
}

func paginationToQuery(queryParams url.Values, p Pagination) url.Values {
	if p.Offset > 0 {
		queryParams.Set("offset", strconv.FormatUint(uint64(p.Offset), 10))
	}
	if p.Limit > 0 {
		queryParams.Set("limit", strconv.FormatUint(uint64(p.Limit), 10))
	}
	return queryParams
}

func searchToQuery(query SearchQuery) url.Values {
	queryParams := paginationToQuery(url.Values{}, query.Pagination)
	if query.Labels != "" {
		queryParams.Set("labels", query.Labels)
	}
	if query.Kind != "" {
		queryParams.Set("kind", string(query.Kind))
	}
	if query.Enabled != nil {
		queryParams.Set("enabled", strconv.FormatBool(*query.Enabled))
	}
	if query.Name != "" {
		queryParams.Set("name", query.Name)
	}
	return queryParams
}

// --------
// Tasks API
// --------

func (c *RestApiClient) ListTasks(ctx context.Context, query SearchQuery) ([]Task, error) {
	var result PaginatedResponse[Task]
	_, err := c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, "tasks", searchToQuery(query)), nil, &result)
	return result.Data, err
}

func (c *RestApiClient) GetTask(ctx context.Context, id wyrd.ResourceID) (result Task, exists bool, err error) {
	exists, err = c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, fmt.Sprintf("tasks/%v", id), nil), nil, &result)
	return
}

func (c *RestApiClient) CreateTask(ctx context.Context, req TaskRequest) (result Task, err error) {
	_, err = c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, "tasks", nil), &req, &result)
	return
}

func (c *RestApiClient) DeleteTask(ctx context.Context, id wyrd.ResourceID) (bool, error) {
	return c.call(ctx, http.MethodDelete, urlForPath(c.baseUrl, fmt.Sprintf("tasks/%v", id), nil), nil, nil)
}

func (c *RestApiClient) TriggerTask(ctx context.Context, id wyrd.ResourceID, req TriggerRequest) (result Execution, exists bool, err error) {
	exists, err = c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, fmt.Sprintf("tasks/%v/run", id), nil), &req, &result)
	return
}

// --------
// Executions API
// --------

func (c *RestApiClient) ListExecutions(ctx context.Context, query ExecutionQuery) ([]Execution, error) {
	queryParams := paginationToQuery(url.Values{}, query.Pagination)
	if query.TaskID != 0 {
		queryParams.Set("taskId", query.TaskID.String())
	}
	if query.Status != "" {
		queryParams.Set("status", string(query.Status))
	}
	if query.Since != nil {
		queryParams.Set("since", strconv.FormatInt(query.Since.Unix(), 10))
	}

	var result PaginatedResponse[Execution]
	_, err := c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, "executions", queryParams), nil, &result)
	return result.Data, err
}

func (c *RestApiClient) GetExecution(ctx context.Context, id wyrd.ResourceID) (result Execution, exists bool, err error) {
	exists, err = c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v", id), nil), nil, &result)
	return
}

func (c *RestApiClient) Begin(ctx context.Context, id wyrd.ResourceID, req BeginRequest) (result Execution, exists bool, err error) {
	exists, err = c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v/begin", id), nil), &req, &result)
	return
}

func (c *RestApiClient) Finish(ctx context.Context, id wyrd.ResourceID, req FinishRequest) (result Execution, exists bool, err error) {
	exists, err = c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v/finish", id), nil), &req, &result)
	return
}

func (c *RestApiClient) Cancel(ctx context.Context, id wyrd.ResourceID) (result Execution, exists bool, err error) {
	exists, err = c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v/cancel", id), nil), nil, &result)
	return
}

func (c *RestApiClient) AppendLogs(ctx context.Context, id wyrd.ResourceID, entries []LogEntry) (bool, error) {
	return c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v/logs", id), nil), entries, nil)
}

func (c *RestApiClient) ListLogs(ctx context.Context, query LogQuery) ([]LogEntry, error) {
	queryParams := paginationToQuery(url.Values{}, query.Pagination)
	if query.Level != "" {
		queryParams.Set("level", string(query.Level))
	}
	if query.AfterID != 0 {
		queryParams.Set("after", strconv.FormatUint(uint64(query.AfterID), 10))
	}
	if query.Search != "" {
		queryParams.Set("q", query.Search)
	}

	var result PaginatedResponse[LogEntry]
	_, err := c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v/logs", query.ExecutionID), queryParams), nil, &result)
	return result.Data, err
}

func (c *RestApiClient) ListArtifacts(ctx context.Context, executionID wyrd.ResourceID) ([]Artifact, error) {
	var result PaginatedResponse[Artifact]
	_, err := c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, fmt.Sprintf("executions/%v/artifacts", executionID), nil), nil, &result)
	return result.Data, err
}

func (c *RestApiClient) GetArtifactContent(ctx context.Context, id wyrd.ResourceID) ([]byte, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, urlForPath(c.baseUrl, fmt.Sprintf("artifacts/%v/content", id), nil), nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, readApiError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	return content, true, err
}

// --------
// Cookies API
// --------

func (c *RestApiClient) ListCookies(ctx context.Context, domain string) ([]cookies.Info, error) {
	queryParams := url.Values{}
	if domain != "" {
		queryParams.Set("domain", domain)
	}

	var result []cookies.Info
	_, err := c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, "cookies", queryParams), nil, &result)
	return result, err
}

func (c *RestApiClient) ExportCookies(ctx context.Context, domain string) ([]cookies.Bundle, error) {
	queryParams := url.Values{}
	if domain != "" {
		queryParams.Set("domain", domain)
	}

	var result []cookies.Bundle
	_, err := c.call(ctx, http.MethodGet, urlForPath(c.baseUrl, "cookies/export", queryParams), nil, &result)
	return result, err
}

func (c *RestApiClient) ImportCookies(ctx context.Context, bundles []cookies.Bundle, overwrite bool) (result cookies.ImportResult, err error) {
	queryParams := url.Values{}
	queryParams.Set("overwrite", strconv.FormatBool(overwrite))

	_, err = c.call(ctx, http.MethodPost, urlForPath(c.baseUrl, "cookies/import", queryParams), bundles, &result)
	return
}
