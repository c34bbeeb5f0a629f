package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"google.golang.org/genai"
)

const defaultMIMEType = "image/jpeg"

var skinPrompt = template.Must(template.New("skin-analysis").Parse(
	`You are a dermatology assistant. Assess the skin visible in the attached image.
Respond with JSON only, shaped as:
{"skin_type": string, "conditions": [{"name": string, "severity": number 0-1, "confidence": number 0-1}], "recommendations": [string]}
{{- if .Concerns}}
Pay particular attention to: {{range $i, $c := .Concerns}}{{if $i}}, {{end}}{{$c}}{{end}}.
{{- end}}`))

var facePrompt = template.Must(template.New("face-detection").Parse(
	`Locate every human face in the attached image.
Respond with JSON only, shaped as:
{"faces": [{"x": number, "y": number, "width": number, "height": number, "confidence": number}]}
Coordinates are fractions of the image width and height, measured from the top left corner.
{{- if gt .MinConfidence 0.0}}
Omit faces detected with confidence below {{.MinConfidence}}.
{{- end}}`))

// contentGenerator is the part of the genai client the analyzer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Analyzer runs image analysis requests against a Gemini model.
type Analyzer struct {
	logger  *slog.Logger
	models  contentGenerator
	model   string
	timeout time.Duration
}

// New creates an Analyzer for cfg. It validates the configuration and builds
// the client without contacting the API.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		return nil, domain.Configuration(errors.New("logger cannot be nil"))
	}
	if cfg.GeminiAPIKey == "" {
		return nil, domain.Configuration(errors.New("gemini API key cannot be empty"))
	}
	if cfg.ModelName == "" {
		return nil, domain.Configuration(errors.New("model name cannot be empty"))
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, domain.Configuration(fmt.Errorf("failed to create Gemini client: %w", err))
	}

	return newAnalyzer(client.Models, cfg.ModelName, cfg.RequestTimeout, logger), nil
}

func newAnalyzer(models contentGenerator, model string, timeout time.Duration, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		logger:  logger.With("component", "gemini_analyzer", "model", model),
		models:  models,
		model:   model,
		timeout: timeout,
	}
}

// AnalyzeSkin assesses the skin in req's image.
func (a *Analyzer) AnalyzeSkin(ctx context.Context, req domain.SkinAnalysisRequest) (domain.SkinAnalysisResult, error) {
	prompt, err := render(skinPrompt, skinPromptData{Concerns: req.Concerns})
	if err != nil {
		return domain.SkinAnalysisResult{}, err
	}

	var resp skinResponseSchema
	if err := a.generate(ctx, prompt, req.ImageURL, req.MIMEType, &resp); err != nil {
		return domain.SkinAnalysisResult{}, err
	}
	if resp.SkinType == "" {
		return domain.SkinAnalysisResult{}, domain.Permanent(fmt.Errorf("%w: missing skin type", ErrInvalidResponse))
	}

	return domain.SkinAnalysisResult{
		SkinType:        resp.SkinType,
		Conditions:      resp.Conditions,
		Recommendations: resp.Recommendations,
		Model:           a.model,
	}, nil
}

// DetectFaces locates the faces in req's image. Faces below
// req.MinConfidence are dropped even if the model returns them.
func (a *Analyzer) DetectFaces(ctx context.Context, req domain.FaceDetectionRequest) (domain.FaceDetectionResult, error) {
	prompt, err := render(facePrompt, facePromptData{MinConfidence: req.MinConfidence})
	if err != nil {
		return domain.FaceDetectionResult{}, err
	}

	var resp faceResponseSchema
	if err := a.generate(ctx, prompt, req.ImageURL, req.MIMEType, &resp); err != nil {
		return domain.FaceDetectionResult{}, err
	}

	faces := make([]domain.Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if f.Confidence >= req.MinConfidence {
			faces = append(faces, f)
		}
	}
	return domain.FaceDetectionResult{Faces: faces, Model: a.model}, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", domain.Permanent(fmt.Errorf("failed to execute %s prompt template: %w", t.Name(), err))
	}
	return buf.String(), nil
}

// generate sends prompt with the image at imageURL and decodes the model's
// JSON answer into out.
func (a *Analyzer) generate(ctx context.Context, prompt, imageURL, mimeType string, out any) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if mimeType == "" {
		mimeType = defaultMIMEType
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{FileData: &genai.FileData{FileURI: imageURL, MIMEType: mimeType}},
		},
	}}

	a.logger.DebugContext(ctx, "making Gemini API call", "prompt_length", len(prompt))
	started := time.Now()

	resp, err := a.models.GenerateContent(ctx, a.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		err = classifyError(err)
		a.logger.ErrorContext(ctx, "Gemini API call failed",
			"error", err,
			"transient", !domain.IsPermanent(err),
			"duration", time.Since(started))
		return err
	}

	text, err := responseText(resp)
	if err != nil {
		a.logger.WarnContext(ctx, "unusable Gemini response", "error", err)
		return err
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return domain.Permanent(fmt.Errorf("%w: failed to parse JSON response: %v", ErrInvalidResponse, err))
	}

	a.logger.InfoContext(ctx, "Gemini API call successful", "duration", time.Since(started))
	return nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	switch {
	case resp == nil:
		return "", domain.Permanent(fmt.Errorf("%w: nil response", ErrInvalidResponse))
	case len(resp.Candidates) == 0:
		return "", domain.Permanent(fmt.Errorf("%w: no content generated", ErrInvalidResponse))
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", domain.Permanent(ErrContentBlocked)
	case resp.Candidates[0].Content == nil:
		return "", domain.Permanent(fmt.Errorf("%w: empty content in response", ErrInvalidResponse))
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", domain.Permanent(fmt.Errorf("%w: empty text in response", ErrInvalidResponse))
	}
	return text, nil
}
