package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CamundaClient talks to a Camunda 7 REST API rooted at BaseURL
// (for example http://camunda:8080/engine-rest).
type CamundaClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewCamundaClient builds a client. The HTTP timeout must exceed the longest
// fetchAndLock long poll the workers ask for.
func NewCamundaClient(baseURL string, httpClient *http.Client, logger *zap.Logger) (*CamundaClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CamundaClient{baseURL: u.String(), http: httpClient, logger: logger}, nil
}

type startRequest struct {
	BusinessKey string    `json:"businessKey,omitempty"`
	Variables   Variables `json:"variables"`
}

func (c *CamundaClient) StartInstance(ctx context.Context, processKey, businessKey string, vars Variables) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := "/process-definition/key/" + url.PathEscape(processKey) + "/start"
	if err := c.do(ctx, http.MethodPost, path, startRequest{BusinessKey: businessKey, Variables: vars}, &out, classifyStart); err != nil {
		return "", fmt.Errorf("start %s: %w", processKey, err)
	}
	return out.ID, nil
}

type fetchTopic struct {
	TopicName    string `json:"topicName"`
	LockDuration int64  `json:"lockDuration"`
}

type fetchAndLockRequest struct {
	WorkerID             string       `json:"workerId"`
	MaxTasks             int          `json:"maxTasks"`
	UsePriority          bool         `json:"usePriority"`
	AsyncResponseTimeout int64        `json:"asyncResponseTimeout,omitempty"`
	Topics               []fetchTopic `json:"topics"`
}

type lockedTask struct {
	ID                 string    `json:"id"`
	TopicName          string    `json:"topicName"`
	WorkerID           string    `json:"workerId"`
	ProcessInstanceID  string    `json:"processInstanceId"`
	BusinessKey        string    `json:"businessKey"`
	Variables          Variables `json:"variables"`
	LockExpirationTime string    `json:"lockExpirationTime"`
}

func (c *CamundaClient) FetchAndLock(ctx context.Context, req FetchRequest) ([]Task, error) {
	body := fetchAndLockRequest{
		WorkerID:             req.WorkerID,
		MaxTasks:             max(req.MaxTasks, 1),
		UsePriority:          true,
		AsyncResponseTimeout: req.LongPoll.Milliseconds(),
		Topics:               []fetchTopic{{TopicName: req.Topic, LockDuration: req.LockDuration.Milliseconds()}},
	}
	var locked []lockedTask
	if err := c.do(ctx, http.MethodPost, "/external-task/fetchAndLock", body, &locked, classifyTask); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Topic, err)
	}
	tasks := make([]Task, 0, len(locked))
	for _, lt := range locked {
		task := Task{
			ID:                lt.ID,
			Topic:             lt.TopicName,
			WorkerID:          lt.WorkerID,
			ProcessInstanceID: lt.ProcessInstanceID,
			BusinessKey:       lt.BusinessKey,
			Variables:         lt.Variables,
		}
		if ts, err := parseEngineTime(lt.LockExpirationTime); err == nil {
			task.LockExpiresAt = ts
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (c *CamundaClient) Complete(ctx context.Context, taskID, workerID string, vars Variables) error {
	body := map[string]any{"workerId": workerID, "variables": vars}
	if err := c.do(ctx, http.MethodPost, "/external-task/"+url.PathEscape(taskID)+"/complete", body, nil, classifyTask); err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

func (c *CamundaClient) Fail(ctx context.Context, taskID, workerID string, f Failure) error {
	body := map[string]any{
		"workerId":     workerID,
		"errorMessage": f.Message,
		"errorDetails": f.Details,
		"retries":      f.Retries,
		"retryTimeout": f.RetryTimeout.Milliseconds(),
	}
	if err := c.do(ctx, http.MethodPost, "/external-task/"+url.PathEscape(taskID)+"/failure", body, nil, classifyTask); err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	return nil
}

func (c *CamundaClient) ListUserTasks(ctx context.Context, q UserTaskQuery) ([]UserTask, error) {
	params := url.Values{}
	if q.Assignee != "" {
		params.Set("assignee", q.Assignee)
	}
	if q.BusinessKey != "" {
		params.Set("processInstanceBusinessKey", q.BusinessKey)
	}
	var raw []struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		Assignee          string `json:"assignee"`
		ProcessInstanceID string `json:"processInstanceId"`
		Created           string `json:"created"`
	}
	path := "/task"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, classifyTask); err != nil {
		return nil, fmt.Errorf("list user tasks: %w", err)
	}
	tasks := make([]UserTask, 0, len(raw))
	for _, r := range raw {
		created, _ := parseEngineTime(r.Created)
		tasks = append(tasks, UserTask{
			ID:                r.ID,
			Name:              r.Name,
			Assignee:          r.Assignee,
			ProcessInstanceID: r.ProcessInstanceID,
			BusinessKey:       q.BusinessKey,
			Created:           created,
		})
	}
	return tasks, nil
}

func (c *CamundaClient) Claim(ctx context.Context, taskID, userID string) error {
	if err := c.do(ctx, http.MethodPost, "/task/"+url.PathEscape(taskID)+"/claim", map[string]string{"userId": userID}, nil, classifyTask); err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	return nil
}

func (c *CamundaClient) CompleteUserTask(ctx context.Context, taskID string, vars Variables) error {
	body := map[string]any{}
	if len(vars) > 0 {
		body["variables"] = vars
	}
	if err := c.do(ctx, http.MethodPost, "/task/"+url.PathEscape(taskID)+"/complete", body, nil, classifyTask); err != nil {
		return fmt.Errorf("complete user task %s: %w", taskID, err)
	}
	return nil
}

func (c *CamundaClient) ListInstances(ctx context.Context, businessKey string) ([]Instance, error) {
	path := "/process-instance"
	if businessKey != "" {
		path += "?" + url.Values{"businessKey": {businessKey}}.Encode()
	}
	var out []Instance
	if err := c.do(ctx, http.MethodGet, path, nil, &out, classifyStart); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

func (c *CamundaClient) DeleteInstance(ctx context.Context, instanceID, reason string) error {
	path := "/process-instance/" + url.PathEscape(instanceID)
	if reason != "" {
		path += "?" + url.Values{"deleteReason": {reason}}.Encode()
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, classifyTask); err != nil {
		return fmt.Errorf("delete instance %s: %w", instanceID, err)
	}
	return nil
}

// Deploy uploads process resources with duplicate filtering, so redeploying
// an unchanged definition is a no-op on the engine side.
func (c *CamundaClient) Deploy(ctx context.Context, name string, resources map[string][]byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"deployment-name":            name,
		"enable-duplicate-filtering": "true",
		"deploy-changed-only":        "true",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	for filename, data := range resources {
		part, err := mw.CreateFormFile(filename, filename)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(data); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deployment/create", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		ID string `json:"id"`
	}
	if err := c.send(req, &out, classifyStart); err != nil {
		return "", fmt.Errorf("deploy %s: %w", name, err)
	}
	return out.ID, nil
}

type restError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// classifier maps a non-2xx response onto the package's error taxonomy.
type classifier func(status int, msg string) error

func classifyStart(status int, msg string) error {
	switch {
	case status >= 500:
		return fmt.Errorf("%w: %d %s", ErrEngineUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: %d %s", ErrEngineRejected, status, msg)
	}
}

func classifyTask(status int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusNotFound || strings.Contains(lower, "does not exist") || strings.Contains(lower, "cannot find"):
		return fmt.Errorf("%w: %s", ErrTaskNotFound, msg)
	case strings.Contains(lower, "locked by worker") || strings.Contains(lower, "is not locked") || strings.Contains(lower, "already claimed"):
		return fmt.Errorf("%w: %s", ErrLeaseExpired, msg)
	case status >= 500:
		return fmt.Errorf("%w: %d %s", ErrEngineUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: %d %s", ErrEngineRejected, status, msg)
	}
}

func (c *CamundaClient) do(ctx context.Context, method, path string, body, out any, classify classifier) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode: %v", ErrEngineRejected, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out, classify)
}

func (c *CamundaClient) send(req *http.Request, out any, classify classifier) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrEngineUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var re restError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &re) == nil && re.Message != "" {
			msg = re.Message
		}
		c.logger.Debug("engine request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return classify(resp.StatusCode, msg)
	}
	if out == nil || len(data) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// The engine renders timestamps like 2024-01-02T03:04:05.000+0000.
func parseEngineTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339Nano} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized engine time %q", s)
}
