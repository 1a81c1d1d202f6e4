package imggen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultRunwareBaseURL = "https://api.runware.ai"

// RunwareClient is the synchronous provider: one POST returns the image
// URLs directly, no polling.
type RunwareClient struct {
	APIKey  string
	BaseURL string

	httpClient *http.Client
}

func NewRunwareClient(apiKey string) *RunwareClient {
	return &RunwareClient{
		APIKey:     apiKey,
		BaseURL:    defaultRunwareBaseURL,
		httpClient: newHTTPClient("runware", 120*time.Second),
	}
}

func (c *RunwareClient) Name() string { return "runware" }

type runwareTask struct {
	TaskType       string `json:"taskType"`
	TaskUUID       string `json:"taskUUID"`
	PositivePrompt string `json:"positivePrompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	NumberResults  int    `json:"numberResults"`
	Seed           int64  `json:"seed,omitempty"`
	OutputType     string `json:"outputType"`
}

type runwareResponse struct {
	Data []struct {
		TaskUUID string `json:"taskUUID"`
		ImageURL string `json:"imageURL"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// runwareDimensions maps the configured aspect ratio onto the provider's
// pixel grid. Unknown ratios fall back to square.
func runwareDimensions(aspectRatio string) (int, int) {
	switch strings.TrimSpace(aspectRatio) {
	case "16:9":
		return 1344, 768
	case "9:16":
		return 768, 1344
	case "4:3":
		return 1152, 896
	case "3:4":
		return 896, 1152
	case "3:2":
		return 1216, 832
	case "2:3":
		return 832, 1216
	default:
		return 1024, 1024
	}
}

func (c *RunwareClient) Generate(ctx context.Context, req GenerationRequest) ([]string, error) {
	width, height := runwareDimensions(req.AspectRatio)
	variations := req.Variations
	if variations <= 0 {
		variations = 1
	}
	task := runwareTask{
		TaskType:       "imageInference",
		TaskUUID:       ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String(),
		PositivePrompt: req.Prompt,
		Width:          width,
		Height:         height,
		NumberResults:  variations,
		Seed:           req.Seed,
		OutputType:     "URL",
	}
	body, err := json.Marshal([]runwareTask{task})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus(c.Name(), resp.StatusCode, string(data))
	}
	var parsed runwareResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, ErrorFromHTTPStatus(c.Name(), 0, parsed.Errors[0].Message)
	}
	urls := make([]string, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.ImageURL != "" {
			urls = append(urls, d.ImageURL)
		}
	}
	if len(urls) == 0 {
		return nil, ErrorFromHTTPStatus(c.Name(), 0, "response contained no image urls")
	}
	return urls, nil
}
