// Package llm is the vision-model client behind the quality check and
// metadata stages. It speaks the OpenAI chat completions shape; BaseURL
// override points it at compatible endpoints and test servers.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com"

type Client struct {
	APIKey  string
	BaseURL string
	Model   string

	httpClient *http.Client
}

func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		APIKey:     apiKey,
		BaseURL:    defaultBaseURL,
		Model:      model,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// QCResult is the quality check verdict.
type QCResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// Metadata is the generated listing copy for a passed image.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// QualityCheck shows the model the image with the configured prompt and
// expects a JSON verdict back.
func (c *Client) QualityCheck(ctx context.Context, imagePath, prompt string) (QCResult, error) {
	var result QCResult
	if err := c.visionJSON(ctx, imagePath, prompt, &result); err != nil {
		return QCResult{}, err
	}
	return result, nil
}

// GenerateMetadata asks the model for listing metadata for a passed
// image. Tags are trimmed and blanks dropped.
func (c *Client) GenerateMetadata(ctx context.Context, imagePath, prompt string) (*Metadata, error) {
	var meta Metadata
	if err := c.visionJSON(ctx, imagePath, prompt, &meta); err != nil {
		return nil, err
	}
	tags := meta.Tags[:0]
	for _, tag := range meta.Tags {
		if t := strings.TrimSpace(tag); t != "" {
			tags = append(tags, t)
		}
	}
	meta.Tags = tags
	if meta.Title == "" {
		return nil, fmt.Errorf("llm: metadata response missing title")
	}
	return &meta, nil
}

func (c *Client) visionJSON(ctx context.Context, imagePath, prompt string, out any) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("llm: read image: %w", err)
	}
	mime := "image/png"
	if strings.HasSuffix(strings.ToLower(imagePath), ".jpg") || strings.HasSuffix(strings.ToLower(imagePath), ".jpeg") {
		mime = "image/jpeg"
	} else if strings.HasSuffix(strings.ToLower(imagePath), ".webp") {
		mime = "image/webp"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	req := chatRequest{
		Model:          c.Model,
		MaxTokens:      800,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var parsed chatResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return fmt.Errorf("llm: status %d: %s", resp.StatusCode, msg)
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return err
	}
	if parsed.Error != nil {
		return fmt.Errorf("llm: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return fmt.Errorf("llm: response has no choices")
	}
	content := stripFences(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("llm: response is not the expected JSON: %w", err)
	}
	return nil
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one despite the response_format hint.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
