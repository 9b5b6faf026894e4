package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/config"
)

const (
	defaultMistralBaseURL = "https://api.mistral.ai/v1"
	defaultMistralModel   = "pixtral-large-latest"
)

// MistralProvider recognizes receipts with a Mistral vision model through the
// chat completions API.
type MistralProvider struct {
	apiKey      string
	model       string
	endpoint    string
	maxTokens   int64
	temperature float64
	client      *http.Client
}

// NewMistralProvider creates a MistralProvider. Empty model or base URL fall
// back to the defaults.
func NewMistralProvider(cfg config.MistralConfig, maxTokens int64, temperature float64, client *http.Client) *MistralProvider {
	model := cfg.Model
	if model == "" {
		model = defaultMistralModel
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultMistralBaseURL
	}
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if client == nil {
		client = &http.Client{}
	}
	return &MistralProvider{
		apiKey:      cfg.Key,
		model:       model,
		endpoint:    base + "/chat/completions",
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      client,
	}
}

type mistralChatRequest struct {
	Model          string            `json:"model"`
	Messages       []mistralMessage  `json:"messages"`
	MaxTokens      int64             `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type mistralMessage struct {
	Role    string           `json:"role"`
	Content []mistralContent `json:"content"`
}

type mistralContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type mistralChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Name implements Provider.
func (m *MistralProvider) Name() string { return "mistral" }

// Recognize implements Provider.
func (m *MistralProvider) Recognize(ctx context.Context, img Image, prompt string) (*Recognition, error) {
	dataURL := "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)

	bodyBytes, err := json.Marshal(mistralChatRequest{
		Model: m.model,
		Messages: []mistralMessage{{
			Role: "user",
			Content: []mistralContent{
				{Type: "image_url", ImageURL: dataURL},
				{Type: "text", Text: prompt},
			},
		}},
		MaxTokens:      m.maxTokens,
		Temperature:    m.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "ocr: marshal mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(
			eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	}

	var chat mistralChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, eris.Wrap(err, "ocr: unmarshal mistral response")
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message.Content == "" {
		return nil, eris.New("ocr: mistral returned no choices")
	}

	return &Recognition{
		Text:  chat.Choices[0].Message.Content,
		Model: chat.Model,
		Raw:   json.RawMessage(respBody),
	}, nil
}
