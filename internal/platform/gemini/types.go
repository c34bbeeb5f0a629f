package gemini

import "github.com/phrazzld/aiqueue/internal/domain"

// skinPromptData is passed to the skin analysis prompt template
type skinPromptData struct {
	Concerns []string
}

// facePromptData is passed to the face detection prompt template
type facePromptData struct {
	MinConfidence float64
}

// skinResponseSchema is the JSON shape the model is asked to return for a
// skin analysis
type skinResponseSchema struct {
	SkinType        string                 `json:"skin_type"`
	Conditions      []domain.SkinCondition `json:"conditions"`
	Recommendations []string               `json:"recommendations"`
}

// faceResponseSchema is the JSON shape the model is asked to return for face
// detection
type faceResponseSchema struct {
	Faces []domain.Face `json:"faces"`
}
