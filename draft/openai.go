package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider using OpenAI's chat completions API.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey      string  // OpenAI API key
	Model       string  // Model to use (default: "gpt-4o-mini")
	Temperature float32 // Temperature for generation (default: 0.3)
	BaseURL     string  // Custom base URL (optional)
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.3
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(config),
		model:       model,
		temperature: temperature,
	}
}

// Translate translates a batch of texts in a single completion call.
func (p *OpenAIProvider) Translate(ctx context.Context, req Request) ([]string, error) {
	if len(req.Texts) == 0 {
		return []string{}, nil
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.buildSystemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: p.buildUserMessage(req)},
		},
		Temperature: p.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, openAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "empty choices", Retryable: true}
	}

	return parseResponse(resp.Choices[0].Message.Content, len(req.Texts))
}

func (p *OpenAIProvider) buildSystemPrompt(req Request) string {
	sourceLang := req.SourceLang
	if sourceLang == "" {
		sourceLang = "en"
	}
	sourceName := LanguageName(sourceLang)
	targetName := LanguageName(req.TargetLang)

	contextText := "The strings are user interface copy for a web application."
	if req.Context != "" {
		contextText = fmt.Sprintf("The strings are for: %s. Adapt the tone to fit.", req.Context)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `# Role
You are an expert native translator producing %s drafts of %s interface strings.

# Context
%s

# Register
%s

# Rules
- Rephrase so the result reads naturally to a native speaker; avoid literal translation.
- Do NOT translate HTML tags, attributes, URLs or email addresses.
- Do NOT translate interpolation placeholders such as %%{count}, {{name}} or %%s.
- Preserve leading and trailing whitespace.
- Each item may carry the key it is stored under; use it only as a hint.`,
		targetName, sourceName, contextText, req.Style.Description())

	if len(req.Glossary) > 0 {
		b.WriteString("\n\n# Glossary\nPrefer these translations:")
		terms := make([]string, 0, len(req.Glossary))
		for term := range req.Glossary {
			terms = append(terms, term)
		}
		sort.Strings(terms)
		for _, term := range terms {
			fmt.Fprintf(&b, "\n- \"%s\" → %s", term, req.Glossary[term])
		}
	}

	if len(req.ExcludedTerms) > 0 {
		fmt.Fprintf(&b, "\n\n# Exclusions\nKeep these terms exactly as written:\n- %s",
			strings.Join(req.ExcludedTerms, "\n- "))
	}

	b.WriteString(`

# Format
Return a JSON object with a single key "translations" holding an array of strings in input order.
Example: { "translations": ["first", "second"] }
Do NOT wrap the JSON in Markdown code blocks.`)

	return b.String()
}

func (p *OpenAIProvider) buildUserMessage(req Request) string {
	if len(req.Keys) == 0 {
		data, _ := json.Marshal(req.Texts)
		return string(data)
	}

	type item struct {
		Key  string `json:"key,omitempty"`
		Text string `json:"text"`
	}

	items := make([]item, len(req.Texts))
	for i, text := range req.Texts {
		items[i].Text = text
		if i < len(req.Keys) {
			items[i].Key = req.Keys[i]
		}
	}

	data, _ := json.Marshal(map[string][]item{"items": items})
	return string(data)
}

func parseResponse(content string, expectedCount int) ([]string, error) {
	var objResult map[string]interface{}
	if err := json.Unmarshal([]byte(content), &objResult); err == nil {
		if translations, ok := objResult["translations"]; ok {
			if arr, ok := translations.([]interface{}); ok {
				return toStringSlice(arr, expectedCount)
			}
		}

		// Some models pick their own key name.
		for _, v := range objResult {
			if arr, ok := v.([]interface{}); ok {
				return toStringSlice(arr, expectedCount)
			}
		}
	}

	var arrResult []interface{}
	if err := json.Unmarshal([]byte(content), &arrResult); err == nil {
		return toStringSlice(arrResult, expectedCount)
	}

	return nil, &ProviderError{Provider: "openai", Message: "response is not a JSON array of translations"}
}

func toStringSlice(arr []interface{}, expectedCount int) ([]string, error) {
	result := make([]string, len(arr))
	for i, v := range arr {
		if s, ok := v.(string); ok {
			result[i] = s
		} else {
			result[i] = fmt.Sprintf("%v", v)
		}
	}

	if len(result) != expectedCount {
		return nil, countMismatch(expectedCount, len(result))
	}
	return result, nil
}

// openAIError classifies a client error. Rate limits and server errors
// are retryable, as are transport errors that look transient.
func openAIError(err error) *ProviderError {
	pe := &ProviderError{Provider: "openai", Message: "chat completion failed", Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		pe.Status = reqErr.HTTPStatusCode
	}

	if pe.Status != 0 {
		pe.Retryable = pe.Status == http.StatusTooManyRequests || pe.Status >= http.StatusInternalServerError
		return pe
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"timeout", "connection refused", "connection reset", "temporary"} {
		if strings.Contains(msg, transient) {
			pe.Retryable = true
			break
		}
	}
	return pe
}

var _ Provider = (*OpenAIProvider)(nil)
