package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"google.golang.org/genai"
)

// LLMModelName is the GenAI model to use for a call.
type LLMModelName int32

const (
	Pro25 LLMModelName = iota
	Flash25
	FlashLite25
	Flash25Image
)

func (t LLMModelName) String() string {
	switch t {
	case Pro25:
		return "gemini-2.5-pro"
	case Flash25:
		return "gemini-2.5-flash"
	case FlashLite25:
		return "gemini-2.5-flash-lite-preview-06-17"
	case Flash25Image:
		return "gemini-2.5-flash-image-preview"
	default:
		return "gemini-2.5-flash"
	}
}

func floatPointer(f float32) *float32 {
	return &f
}

// ImageGenerator is the external image provider collaborator: one rewritten
// prompt variant per candidate index, one image per call.
type ImageGenerator interface {
	RewritePrompt(ctx context.Context, basePrompt string, index int) (string, error)
	GenerateOne(ctx context.Context, prompt string) ([]byte, error)
}

// GeminiImageService generates candidate images through the Gemini API.
type GeminiImageService struct {
	TextModel  LLMModelName
	ImageModel LLMModelName
}

func NewGeminiImageService() *GeminiImageService {
	return &GeminiImageService{TextModel: FlashLite25, ImageModel: Flash25Image}
}

func newGenaiClient(ctx context.Context) (*genai.Client, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		return nil, &ProviderError{Provider: "gemini", Kind: ErrKindAuth, Message: "GOOGLE_API_KEY is not set"}
	}
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
}

// classifyGenaiError maps a Gemini API failure onto the retry taxonomy.
func classifyGenaiError(err error) *ProviderError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := ErrKindTransient
		switch apiErr.Code {
		case http.StatusBadRequest:
			kind = ErrKindBadRequest
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = ErrKindAuth
		case http.StatusPaymentRequired:
			kind = ErrKindInsufficientBalance
		case http.StatusTooManyRequests:
			kind = ErrKindRateLimited
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "quota") {
			kind = ErrKindRateLimited
		}
		return &ProviderError{Provider: "gemini", Kind: kind, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return &ProviderError{Provider: "gemini", Kind: ErrKindTransient, Message: "request failed", Err: err}
}

const promptRewriteInstruction = `You rewrite user prompts for a text-to-image model that produces concept images for 3D printing. Keep the subject identical, describe it as a single object on a plain light background, full object in frame, no text, no watermark. Vary camera angle and styling between variants. Answer with the rewritten prompt only.`

// RewritePrompt asks the text model for the per-index prompt variant.
func (s *GeminiImageService) RewritePrompt(ctx context.Context, basePrompt string, index int) (string, error) {
	client, err := newGenaiClient(ctx)
	if err != nil {
		return "", err
	}
	parts := []*genai.Part{
		{Text: fmt.Sprintf("User prompt: %q\nWrite variant %d of 4.", basePrompt, index+1)},
	}
	result, err := client.Models.GenerateContent(ctx, s.TextModel.String(), []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		MaxOutputTokens: 512,
		Temperature:     floatPointer(1),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: promptRewriteInstruction}},
		},
	})
	if err != nil {
		return "", classifyGenaiError(err)
	}
	variant := strings.TrimSpace(result.Text())
	if variant == "" {
		// do not fail the whole image over an empty rewrite
		fmt.Printf("[Gemini] Empty prompt rewrite for variant %d, falling back to base prompt\n", index)
		return basePrompt, nil
	}
	return variant, nil
}

// GenerateOne produces exactly one image for the prompt and returns its bytes.
func (s *GeminiImageService) GenerateOne(ctx context.Context, prompt string) ([]byte, error) {
	client, err := newGenaiClient(ctx)
	if err != nil {
		return nil, err
	}
	parts := []*genai.Part{{Text: prompt}}
	result, err := client.Models.GenerateContent(ctx, s.ImageModel.String(), []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		MaxOutputTokens: 32768,
		Temperature:     floatPointer(1),
	})
	if err != nil {
		return nil, classifyGenaiError(err)
	}
	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return nil, &ProviderError{
			Provider: "gemini", Kind: ErrKindBadRequest,
			Message: fmt.Sprintf("content blocked: %s %s", result.PromptFeedback.BlockReason, result.PromptFeedback.BlockReasonMessage),
		}
	}
	images, err := getAllInlineImages(result)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, &ProviderError{Provider: "gemini", Kind: ErrKindTransient, Message: "no image in response"}
	}
	if result.UsageMetadata != nil {
		fmt.Printf("[Gemini] Image generated, IT: %d, OT: %d, TOT: %d\n",
			result.UsageMetadata.PromptTokenCount, result.UsageMetadata.CandidatesTokenCount, result.UsageMetadata.TotalTokenCount)
	}
	return images[0], nil
}

func getAllInlineImages(result *genai.GenerateContentResponse) ([][]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("nil response")
	}
	var allImageData [][]byte
	for _, cand := range result.Candidates {
		for _, rating := range cand.SafetyRatings {
			if rating.Blocked {
				return nil, &ProviderError{
					Provider: "gemini", Kind: ErrKindBadRequest,
					Message: fmt.Sprintf("content blocked by safety setting: %s", rating.Category),
				}
			}
		}
		if cand.Content == nil || len(cand.Content.Parts) == 0 {
			continue
		}
		for _, part := range cand.Content.Parts {
			inlineData := part.InlineData
			if inlineData == nil {
				continue
			}
			if strings.HasPrefix(inlineData.MIMEType, "image/") && len(inlineData.Data) > 0 {
				allImageData = append(allImageData, inlineData.Data)
			}
		}
	}
	return allImageData, nil
}
