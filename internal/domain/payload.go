package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// QueueType names a category of jobs sharing one concurrency and backoff configuration.
type QueueType string

// Known queue types
const (
	QueueSkinAnalysis    QueueType = "skin-analysis"
	QueueFaceDetection   QueueType = "face-detection"
	QueueBatchProcessing QueueType = "batch-processing"
	QueueModelTraining   QueueType = "model-training"
)

// QueueTypes lists every known queue type in a stable order.
var QueueTypes = []QueueType{
	QueueSkinAnalysis,
	QueueFaceDetection,
	QueueBatchProcessing,
	QueueModelTraining,
}

// Valid reports whether q is a known queue type.
func (q QueueType) Valid() bool {
	for _, known := range QueueTypes {
		if q == known {
			return true
		}
	}
	return false
}

// CacheType names a family of cached results sharing a TTL and key prefix.
type CacheType string

// Known cache types
const (
	CacheAIAnalysis               CacheType = "ai-analysis"
	CacheModelPredictions         CacheType = "model-predictions"
	CacheUserPreferences          CacheType = "user-preferences"
	CacheTreatmentRecommendations CacheType = "treatment-recommendations"
)

// Payload is the tagged union of job requests. Each variant names the queue
// it belongs to, so a payload can never be submitted to the wrong queue.
type Payload interface {
	QueueType() QueueType
}

// SkinAnalysisRequest asks for a skin condition assessment of one image.
type SkinAnalysisRequest struct {
	ImageURL string   `json:"image_url" validate:"required,url"`
	MIMEType string   `json:"mime_type,omitempty" validate:"omitempty,oneof=image/jpeg image/png image/webp"`
	Concerns []string `json:"concerns,omitempty" validate:"max=10,dive,required,max=64"`
}

func (SkinAnalysisRequest) QueueType() QueueType { return QueueSkinAnalysis }

// SkinCondition is one finding in a skin analysis.
type SkinCondition struct {
	Name       string  `json:"name"`
	Severity   float64 `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// SkinAnalysisResult is the outcome of a SkinAnalysisRequest.
type SkinAnalysisResult struct {
	SkinType        string          `json:"skin_type"`
	Conditions      []SkinCondition `json:"conditions"`
	Recommendations []string        `json:"recommendations"`
	Model           string          `json:"model,omitempty"`
}

// FaceDetectionRequest asks for the bounding boxes of faces in one image.
type FaceDetectionRequest struct {
	ImageURL      string  `json:"image_url" validate:"required,url"`
	MIMEType      string  `json:"mime_type,omitempty" validate:"omitempty,oneof=image/jpeg image/png image/webp"`
	MinConfidence float64 `json:"min_confidence,omitempty" validate:"gte=0,lte=1"`
}

func (FaceDetectionRequest) QueueType() QueueType { return QueueFaceDetection }

// Face is one detected face. Coordinates are fractions of the image size.
type Face struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// FaceDetectionResult is the outcome of a FaceDetectionRequest.
type FaceDetectionResult struct {
	Faces []Face `json:"faces"`
	Model string `json:"model,omitempty"`
}

// ModelTrainingRequest schedules a training run. No handler ships for this
// queue; hosts register their own.
type ModelTrainingRequest struct {
	ModelName  string `json:"model_name" validate:"required,max=128"`
	DatasetURI string `json:"dataset_uri" validate:"required,uri"`
	Epochs     int    `json:"epochs" validate:"gte=1,lte=1000"`
}

func (ModelTrainingRequest) QueueType() QueueType { return QueueModelTraining }

// ModelTrainingResult is the outcome of a ModelTrainingRequest.
type ModelTrainingResult struct {
	ModelVersion string             `json:"model_version"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// BatchRequest wraps many requests for one target queue as a single job.
type BatchRequest struct {
	TargetType QueueType         `json:"target_type" validate:"required,oneof=skin-analysis face-detection model-training"`
	Items      []json.RawMessage `json:"items" validate:"required,min=1,max=1000"`
	BatchSize  int               `json:"batch_size,omitempty" validate:"gte=0,lte=100"`
}

func (BatchRequest) QueueType() QueueType { return QueueBatchProcessing }

// BatchItemResult is the outcome of one item in a batch.
type BatchItemResult struct {
	Index   int             `json:"index"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchResult aggregates per-item outcomes in input order.
type BatchResult struct {
	Results        []BatchItemResult `json:"results"`
	TotalProcessed int               `json:"total_processed"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	SuccessRate    float64           `json:"success_rate"`
}

var validate = validator.New()

// ValidatePayload checks a payload's struct tags. Failures wrap ErrInvalidPayload.
func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// NewPayload returns an empty variant for queueType, ready to be decoded into.
func NewPayload(queueType QueueType) (Payload, error) {
	switch queueType {
	case QueueSkinAnalysis:
		return &SkinAnalysisRequest{}, nil
	case QueueFaceDetection:
		return &FaceDetectionRequest{}, nil
	case QueueModelTraining:
		return &ModelTrainingRequest{}, nil
	case QueueBatchProcessing:
		return &BatchRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queueType)
	}
}

// DecodePayload decodes raw JSON into the variant registered for queueType
// and validates it. Unknown fields are rejected.
func DecodePayload(queueType QueueType, raw []byte) (Payload, error) {
	p, err := NewPayload(queueType)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}
