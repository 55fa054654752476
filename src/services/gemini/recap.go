package gemini

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// Recap is the non-streaming text client used after a call ends, for
// transcribing captured audio and writing the call summary.
type Recap struct {
	client      *genai.Client
	model       string
	temperature float32
	log         *logger.Logger
}

// RecapConfig holds configuration for the post-call text client.
type RecapConfig struct {
	APIKey      string // empty means fall back to application default credentials
	Model       string // e.g. "gemini-2.0-flash"
	Temperature float32
}

// NewRecap creates the post-call text client. With no API key configured it
// authenticates through application default credentials instead.
func NewRecap(ctx context.Context, cfg RecapConfig) (*Recap, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini: recap model is required")
	}

	cc := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
	} else {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, fmt.Errorf("detect default credentials: %w", err)
		}
		cc.Credentials = creds
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.2
	}
	return &Recap{
		client:      client,
		model:       cfg.Model,
		temperature: temp,
		log:         logger.WithPrefix("Recap"),
	}, nil
}

// TranscribeWAV sends a WAV recording plus an instruction prompt and returns
// the model's text response.
func (r *Recap) TranscribeWAV(ctx context.Context, wav []byte, prompt string) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(wav, "audio/wav"),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, r.genConfig())
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	r.log.Debug("Transcribed %d audio bytes into %d chars", len(wav), len(text))
	return text, nil
}

// Generate returns the model's text response for a plain prompt.
func (r *Recap) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(prompt), r.genConfig())
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (r *Recap) genConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{Temperature: genai.Ptr(r.temperature)}
}
