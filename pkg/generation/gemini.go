package generation

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/genai"
)

// contentGenerator is the part of genai.Models used by GeminiBackend.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiBackend calls the Gemini API through google.golang.org/genai.
type GeminiBackend struct {
	models       contentGenerator
	defaultModel string
}

// NewGeminiBackend creates a client authenticated with apiKey.
func NewGeminiBackend(ctx context.Context, apiKey, defaultModel string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, &Error{Kind: KindAuth, Backend: "gemini", Err: errors.New("GEMINI_API_KEY is not set")}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{models: client.Models, defaultModel: defaultModel}, nil
}

// Generate implements Backend.
func (g *GeminiBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	if model == "" {
		return nil, &Error{Kind: KindMalformed, Backend: "gemini", Err: errors.New("no model selected")}
	}
	if len(req.Messages) == 0 {
		return nil, &Error{Kind: KindMalformed, Backend: "gemini", Err: errors.New("request has no messages")}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.IsImage() {
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIME))
			} else {
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
		var role genai.Role = genai.RoleUser
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	resp, err := g.models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return nil, &Error{Kind: classifyGeminiError(err), Backend: "gemini", Err: err}
	}

	out := &Response{Model: model}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var text string
		for _, p := range cand.Content.Parts {
			if p != nil {
				text += p.Text
			}
		}
		out.Outputs = append(out.Outputs, text)
	}
	if len(out.Outputs) == 0 {
		return nil, &Error{Kind: KindBackend, Backend: "gemini", Err: errors.New("response has no candidates")}
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func classifyGeminiError(err error) ErrorKind {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return KindRateLimit
		case apiErr.Code == 401 || apiErr.Code == 403:
			return KindAuth
		case apiErr.Code == 400 || apiErr.Code == 404:
			return KindMalformed
		}
		return KindBackend
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindBackend
}
