package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

const keyphrasePrompt = `Extract the key phrases of the text the user sends.

Output ONLY a JSON object of the form {"keyphrases": ["phrase one", "phrase two"]}.
Use at most 10 phrases, each 1-4 words, lowercase, taken from the text. If none
apply, return {"keyphrases": []}.`

const summaryPrompt = `Summarize the text the user sends in at most three sentences.

Output ONLY a JSON object of the form {"summary": "..."}.`

// NewOpenAIClient builds an OpenAI-compatible client for both embeddings and
// chat completions.
func NewOpenAIClient(cfg config.EnrichmentConfig, apiKey string) (*openai.LLM, error) {
	if apiKey == "" {
		apiKey = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(apiKey),
		openai.WithModel(cfg.ChatModel),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return client, nil
}

// LLMEmbedder embeds a whole batch in one request.
type LLMEmbedder struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

func NewLLMEmbedder(client embeddings.EmbedderClient) (*LLMEmbedder, error) {
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &LLMEmbedder{embedder: e, logger: slog.Default().With("component", "openai-embedder")}, nil
}

func (e *LLMEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("generating embeddings", "count", len(texts))
	out, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding %d texts: %v", apperrors.ErrTransientService, len(texts), err)
	}
	return out, nil
}

// LLMKeyphraseExtractor asks a chat model for the key phrases of each text.
type LLMKeyphraseExtractor struct {
	client llms.Model
	logger *slog.Logger
}

func NewLLMKeyphraseExtractor(client llms.Model) *LLMKeyphraseExtractor {
	return &LLMKeyphraseExtractor{client: client, logger: slog.Default().With("component", "openai-keyphrases")}
}

func (k *LLMKeyphraseExtractor) ExtractKeyphrases(ctx context.Context, texts []string) ([][]string, error) {
	out := make([][]string, 0, len(texts))
	for _, text := range texts {
		var resp struct {
			Keyphrases []string `json:"keyphrases"`
		}
		if err := generateJSON(ctx, k.client, keyphrasePrompt, text, &resp); err != nil {
			return nil, err
		}
		phrases := resp.Keyphrases
		if phrases == nil {
			phrases = []string{}
		}
		out = append(out, phrases)
	}
	k.logger.Debug("extracted keyphrases", "count", len(out))
	return out, nil
}

// LLMSummarizer asks a chat model for a short summary of each text.
type LLMSummarizer struct {
	client llms.Model
	logger *slog.Logger
}

func NewLLMSummarizer(client llms.Model) *LLMSummarizer {
	return &LLMSummarizer{client: client, logger: slog.Default().With("component", "openai-summaries")}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, texts []string) ([]string, error) {
	out := make([]string, 0, len(texts))
	for _, text := range texts {
		var resp struct {
			Summary string `json:"summary"`
		}
		if err := generateJSON(ctx, s.client, summaryPrompt, text, &resp); err != nil {
			return nil, err
		}
		out = append(out, strings.TrimSpace(resp.Summary))
	}
	s.logger.Debug("generated summaries", "count", len(out))
	return out, nil
}

// generateJSON runs one JSON-mode completion and decodes the reply into v.
// Undecodable replies are transient: the model is asked again on retry.
func generateJSON(ctx context.Context, client llms.Model, system, text string, v any) error {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}
	response, err := client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
	if err != nil {
		return fmt.Errorf("%w: generating completion: %v", apperrors.ErrTransientService, err)
	}
	if len(response.Choices) < 1 {
		return fmt.Errorf("%w: completion returned no choices", apperrors.ErrTransientService)
	}
	reply := strings.TrimSpace(response.Choices[0].Content)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), v); err != nil {
		return fmt.Errorf("%w: decoding completion: %v", apperrors.ErrTransientService, err)
	}
	return nil
}
