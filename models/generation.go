package models

import (
	"time"

	"github.com/lib/pq"
)

// RequestPhase is the coarse pipeline stage of a generation request.
// The phase strings are part of the client contract, do not rename.
type RequestPhase string

const (
	PhaseImageGeneration   RequestPhase = "IMAGE_GENERATION"
	PhaseAwaitingSelection RequestPhase = "AWAITING_SELECTION"
	PhaseModelGeneration   RequestPhase = "MODEL_GENERATION"
	PhaseCompleted         RequestPhase = "COMPLETED"
)

// RequestStatus is the user-facing status. A failed request keeps the phase
// it failed in, failure lives here together with error_message.
type RequestStatus string

const (
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
)

// ImageStatus tracks one candidate image. PENDING doubles as the
// "not yet claimed" state, the workers checkpoint on COMPLETED counts.
type ImageStatus string

const (
	ImageStatusPending    ImageStatus = "PENDING"
	ImageStatusGenerating ImageStatus = "GENERATING"
	ImageStatusCompleted  ImageStatus = "COMPLETED"
	ImageStatusFailed     ImageStatus = "FAILED"
)

// JobStatus is the worker-facing status of an image or model job row.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
)

// GenerationRequest is one user prompt submission, the root of the pipeline.
// Images are fanned out at creation time, the model row appears only after
// image selection when the model worker submits the external job.
type GenerationRequest struct {
	JsonModel
	Owner   UserAccount `json:"-"`
	OwnerID uint        `json:"-"`

	Prompt             string        `gorm:"type:text" json:"prompt"`
	Status             RequestStatus `json:"status"`
	Phase              RequestPhase  `json:"phase"`
	ExpectedImageCount int           `gorm:"default:4" json:"expected_image_count"`
	SelectedImageIndex *int          `json:"selected_image_index"`
	ErrorMessage       *string       `json:"error_message"`

	// phase boundary timestamps
	ImagesStartedAt   *time.Time `json:"images_started_at"`
	ImagesCompletedAt *time.Time `json:"images_completed_at"`
	SelectedAt        *time.Time `json:"selected_at"`
	ModelStartedAt    *time.Time `json:"model_started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	FailedAt          *time.Time `json:"failed_at"`

	AlertWhenProcessed bool `json:"alert_when_processed"`

	Images []GeneratedImage `gorm:"constraint:OnDelete:CASCADE" json:"images"`
	Model  *GeneratedModel  `gorm:"constraint:OnDelete:CASCADE" json:"model"`
}

// GeneratedImage is one of the candidate images for a request. The
// (request_id, image_index) pair is unique, images are generated in strictly
// increasing index order.
type GeneratedImage struct {
	JsonModel
	RequestID  uint `gorm:"uniqueIndex:idx_request_image_index" json:"-"`
	ImageIndex int  `gorm:"uniqueIndex:idx_request_image_index" json:"index"`

	ImageURL    *string     `json:"image_url"`
	ImageStatus ImageStatus `json:"image_status"`
	PromptUsed  *string     `gorm:"type:text" json:"prompt_used"`
	GeneratedAt *time.Time  `json:"generated_at"`

	Job *ImageGenerationJob `gorm:"constraint:OnDelete:CASCADE" json:"job"`
}

// ImageGenerationJob is the 1:1 work order for one candidate image.
type ImageGenerationJob struct {
	JsonModel
	ImageID uint `gorm:"uniqueIndex" json:"-"`

	Status        JobStatus  `json:"status"`
	RetryCount    int        `json:"retry_count"`
	Priority      int        `json:"priority"`
	ExternalJobID *string    `json:"external_job_id"`
	ErrorMessage  *string    `json:"error_message"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
}

// GeneratedModel is the single 3D artifact of a request. At most one exists
// per request (unique index on request_id). Terminal state is CompletedAt or
// FailedAt, never both.
type GeneratedModel struct {
	JsonModel
	RequestID     uint `gorm:"uniqueIndex" json:"-"`
	SourceImageID uint `json:"source_image_id"`

	ModelURL        *string        `json:"model_url"`
	PreviewImageURL *string        `json:"preview_image_url"`
	Format          string         `gorm:"default:glb" json:"format"`
	TextureURLs     pq.StringArray `gorm:"type:text[]" json:"texture_urls"`
	CompletedAt     *time.Time     `json:"completed_at"`
	FailedAt        *time.Time     `json:"failed_at"`
	ErrorMessage    *string        `json:"error_message"`

	Job *ModelGenerationJob `gorm:"constraint:OnDelete:CASCADE" json:"job"`
}

// ModelGenerationJob is the 1:1 work order for the 3D artifact. It records
// the provider-assigned job id used by the inner polling loop.
type ModelGenerationJob struct {
	JsonModel
	ModelID uint `gorm:"uniqueIndex" json:"-"`

	Status            JobStatus  `json:"status"`
	Progress          int        `json:"progress"`
	RetryCount        int        `json:"retry_count"`
	Priority          int        `json:"priority"`
	ExternalJobID     *string    `json:"external_job_id"`
	ProviderRequestID *string    `json:"-"`
	ErrorMessage      *string    `json:"error_message"`
	StartedAt         *time.Time `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
}
