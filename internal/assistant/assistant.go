// Package assistant answers networking questions through the Gemini API.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Roles used in the conversation history.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Replies returned instead of an answer.
const (
	FallbackEmpty  = "Sorry, the assistant could not answer right now. Please try again."
	FallbackFailed = "Could not reach the center assistant. Check the internet connection."
)

const (
	DefaultModel      = "gemini-3-flash-preview"
	DefaultAPIVersion = "v1beta"
)

// SystemInstruction frames the assistant as the center's support engineer.
const SystemInstruction = `You are the assistant of the Republic Smart Center.
Help users pair mobile devices with desktop software over the local network (Wi-Fi/WebRTC).
Focus on:
1. Pairing devices through the Republic Smart Center.
2. Explaining IP and port settings clearly.
3. Troubleshooting and fixing connection problems.
4. Staying professional and precise.
Keep answers technical and accurate.`

// Message is one turn of the conversation.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Client produces an answer for prompt given the previous turns. It never
// fails; errors are reported as fallback text.
type Client interface {
	Advise(ctx context.Context, history []Message, prompt string) string
}

// Static is used when no API key is configured.
type Static struct {
	Reply string
}

func (s Static) Advise(context.Context, []Message, string) string {
	if s.Reply == "" {
		return FallbackFailed
	}
	return s.Reply
}

// Gemini answers through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

type geminiOptions struct {
	model    string
	endpoint string
	http     *http.Client
}

// GeminiOption configures a Gemini client.
type GeminiOption func(*geminiOptions)

// WithModel overrides DefaultModel.
func WithModel(model string) GeminiOption {
	return func(o *geminiOptions) { o.model = model }
}

// WithEndpoint overrides the API base URL (without the version segment).
func WithEndpoint(endpoint string) GeminiOption {
	return func(o *geminiOptions) { o.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(o *geminiOptions) { o.http = c }
}

// NewGemini creates a client for apiKey.
func NewGemini(ctx context.Context, apiKey string, logger *slog.Logger, opts ...GeminiOption) (*Gemini, error) {
	o := geminiOptions{
		model: DefaultModel,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.http,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    o.endpoint,
			APIVersion: DefaultAPIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{
		client: client,
		model:  o.model,
		logger: logger.With("component", "assistant"),
	}, nil
}

// Advise implements Client.
func (g *Gemini) Advise(ctx context.Context, history []Message, prompt string) string {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		contents = append(contents, genai.NewContentFromText(m.Text, genai.Role(m.Role)))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction, genai.RoleUser),
	})
	if err != nil {
		g.logger.Warn("assistant request failed", "err", err)
		return FallbackFailed
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return FallbackEmpty
	}
	return text
}
