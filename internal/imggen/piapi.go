package imggen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultPiAPIBaseURL = "https://api.piapi.ai"

// PiAPIClient drives the PiAPI midjourney endpoint: submit a task, then
// poll it until the images are ready or the poll budget runs out.
type PiAPIClient struct {
	APIKey  string
	BaseURL string
	// PollInterval defaults to 2s; tests shorten it.
	PollInterval time.Duration

	httpClient *http.Client
}

func NewPiAPIClient(apiKey string) *PiAPIClient {
	return &PiAPIClient{
		APIKey:       apiKey,
		BaseURL:      defaultPiAPIBaseURL,
		PollInterval: 2 * time.Second,
		httpClient:   newHTTPClient("piapi", 30*time.Second),
	}
}

func (c *PiAPIClient) Name() string { return "piapi" }

type piapiTaskRequest struct {
	Model    string     `json:"model"`
	TaskType string     `json:"task_type"`
	Input    piapiInput `json:"input"`
}

type piapiInput struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	ProcessMode     string `json:"process_mode,omitempty"`
	SkipPromptCheck bool   `json:"skip_prompt_check"`
}

type piapiTaskResponse struct {
	Code int    `json:"code"`
	Data struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Output struct {
			ImageURLs []string `json:"image_urls"`
		} `json:"output"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *PiAPIClient) Generate(ctx context.Context, req GenerationRequest) ([]string, error) {
	taskID, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, taskID, req)
}

func (c *PiAPIClient) submit(ctx context.Context, req GenerationRequest) (string, error) {
	prompt := req.Prompt
	if req.Seed != 0 {
		prompt = fmt.Sprintf("%s --seed %d", prompt, req.Seed)
	}
	body, err := json.Marshal(piapiTaskRequest{
		Model:    "midjourney",
		TaskType: "imagine",
		Input: piapiInput{
			Prompt:          prompt,
			AspectRatio:     req.AspectRatio,
			ProcessMode:     req.ProcessMode,
			SkipPromptCheck: true,
		},
	})
	if err != nil {
		return "", err
	}
	var resp piapiTaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/task", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.Data.TaskID == "" {
		return "", ErrorFromHTTPStatus(c.Name(), 0, "task submission returned no task id")
	}
	return resp.Data.TaskID, nil
}

func (c *PiAPIClient) poll(ctx context.Context, taskID string, req GenerationRequest) ([]string, error) {
	budget := req.PollTimeout
	if budget <= 0 {
		budget = 60 * time.Second
	}
	deadline := time.Now().Add(budget)
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		var resp piapiTaskResponse
		if err := c.do(ctx, http.MethodGet, "/api/v1/task/"+taskID, nil, &resp); err != nil {
			return nil, err
		}
		switch resp.Data.Status {
		case "completed":
			urls := resp.Data.Output.ImageURLs
			if len(urls) > req.Variations && req.Variations > 0 {
				urls = urls[:req.Variations]
			}
			if len(urls) == 0 {
				return nil, ErrorFromHTTPStatus(c.Name(), 0, "completed task has no image urls")
			}
			return urls, nil
		case "failed":
			msg := resp.Data.Error.Message
			if msg == "" {
				msg = "task failed"
			}
			return nil, ErrorFromHTTPStatus(c.Name(), 0, msg)
		}
		if time.Now().After(deadline) {
			return nil, NewRequestTimeoutError(c.Name(), fmt.Sprintf("task %s not finished within %s", taskID, budget))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *PiAPIClient) do(ctx context.Context, method, path string, body io.Reader, out *piapiTaskResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-api-key", c.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var parsed piapiTaskResponse
		msg := string(data)
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Message
		}
		return ErrorFromHTTPStatus(c.Name(), resp.StatusCode, msg)
	}
	return json.Unmarshal(data, out)
}
