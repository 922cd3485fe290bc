package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lumiapi/models"
	"lumiapi/services"

	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"
)

// ImageWorker drains requests in the image-generation phase. It polls the
// store on a fixed interval, claims requests through an in-process set and
// generates the remaining candidate images one by one, persisting each image
// as its own unit of progress. Restart safe: the count of COMPLETED images
// is the resume checkpoint. Single instance only, two workers against the
// same store would duplicate provider calls.
type ImageWorker struct {
	DB         *gorm.DB
	Generator  services.ImageGenerator
	AWSService services.AWSServiceProvider
	Hub        *services.EventHub
	BucketName string

	PollInterval time.Duration
	Concurrency  int
	Retry        services.RetryPolicy

	mu         sync.Mutex
	processing map[uint]struct{}
	sem        chan struct{}
}

func NewImageWorker(db *gorm.DB, generator services.ImageGenerator, awsService services.AWSServiceProvider, hub *services.EventHub) *ImageWorker {
	concurrency := 3
	return &ImageWorker{
		DB:           db,
		Generator:    generator,
		AWSService:   awsService,
		Hub:          hub,
		BucketName:   services.GetEnv("R2_BUCKET_NAME", ""),
		PollInterval: 2 * time.Second,
		Concurrency:  concurrency,
		Retry:        services.DefaultRetryPolicy(),
		processing:   make(map[uint]struct{}),
		sem:          make(chan struct{}, concurrency),
	}
}

// Run polls until the context is cancelled. One request's failure never
// stops the loop from servicing others.
func (w *ImageWorker) Run(ctx context.Context) {
	fmt.Printf("[ImageWorker] Started, poll interval %v, concurrency %d\n", w.PollInterval, w.Concurrency)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("[ImageWorker] Stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims every eligible request not already being processed and
// dispatches it, bounded by the concurrency ceiling.
func (w *ImageWorker) Tick(ctx context.Context) {
	var requests []models.GenerationRequest
	res := w.DB.Where("phase = ? AND status = ?", models.PhaseImageGeneration, models.RequestStatusProcessing).
		Order("created_at").Find(&requests)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[ImageWorker] Error querying eligible requests: %v", res.Error))
		return
	}
	for _, request := range requests {
		if !w.tryClaim(request.ID) {
			continue
		}
		go func(requestID uint) {
			w.sem <- struct{}{}
			defer func() {
				<-w.sem
				w.release(requestID)
			}()
			w.ProcessRequest(ctx, requestID)
		}(request.ID)
	}
}

func (w *ImageWorker) tryClaim(requestID uint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.processing[requestID]; busy {
		return false
	}
	w.processing[requestID] = struct{}{}
	return true
}

func (w *ImageWorker) release(requestID uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.processing, requestID)
}

// ProcessRequest runs the whole per-request body under the retry policy.
// A failure on image k retries from image k because of the checkpoint read.
func (w *ImageWorker) ProcessRequest(ctx context.Context, requestID uint) {
	fmt.Printf("[Request: %v] Image generation claimed\n", requestID)
	policy := w.Retry
	policy.OnRetry = func(attempt int, err error) {
		w.markInFlightRetrying(requestID, err)
	}
	err := policy.Run(ctx, fmt.Sprintf("request-%v-images", requestID), func() error {
		return w.generateImages(ctx, requestID)
	})
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Image generation failed: %v", requestID, err))
		w.failRequest(requestID, err)
	}
}

func (w *ImageWorker) generateImages(ctx context.Context, requestID uint) error {
	var request models.GenerationRequest
	if err := w.DB.First(&request, requestID).Error; err != nil {
		return fmt.Errorf("[Request: %v] Error loading request: %v", requestID, err)
	}
	if request.Phase != models.PhaseImageGeneration || request.Status != models.RequestStatusProcessing {
		fmt.Printf("[Request: %v] No longer eligible, abandoning\n", requestID)
		return nil
	}
	if request.ImagesStartedAt == nil {
		now := time.Now()
		w.DB.Model(&request).Update("images_started_at", now)
	}

	// checkpoint: already-completed images are never regenerated
	var completed int64
	if err := w.DB.Model(&models.GeneratedImage{}).
		Where("request_id = ? AND image_status = ?", requestID, models.ImageStatusCompleted).
		Count(&completed).Error; err != nil {
		return fmt.Errorf("[Request: %v] Error counting completed images: %v", requestID, err)
	}
	resume := int(completed)
	if resume > 0 {
		fmt.Printf("[Request: %v] Resuming from image %d of %d\n", requestID, resume, request.ExpectedImageCount)
	}

	for index := resume; index < request.ExpectedImageCount; index++ {
		// cancellation is a store write, discover it between units of work
		var current models.GenerationRequest
		if err := w.DB.First(&current, requestID).Error; err != nil {
			return fmt.Errorf("[Request: %v] Error re-reading request: %v", requestID, err)
		}
		if current.Phase != models.PhaseImageGeneration || current.Status != models.RequestStatusProcessing {
			fmt.Printf("[Request: %v] No longer eligible at image %d, abandoning\n", requestID, index)
			return nil
		}

		var image models.GeneratedImage
		if err := w.DB.Preload("Job").Where("request_id = ? AND image_index = ?", requestID, index).First(&image).Error; err != nil {
			return fmt.Errorf("[Request: %v] Error loading image row %d: %v", requestID, index, err)
		}

		now := time.Now()
		image.ImageStatus = models.ImageStatusGenerating
		if err := w.DB.Save(&image).Error; err != nil {
			return fmt.Errorf("[Request: %v] Error marking image %d generating: %v", requestID, index, err)
		}
		if image.Job != nil {
			image.Job.Status = models.JobStatusRunning
			if image.Job.StartedAt == nil {
				image.Job.StartedAt = &now
			}
			w.DB.Save(image.Job)
		}
		w.Hub.Broadcast(requestID, services.EventImageGenerating, map[string]interface{}{
			"request_id": requestID, "index": index,
		})

		variant, err := w.Generator.RewritePrompt(ctx, request.Prompt, index)
		if err != nil {
			return err
		}
		data, err := w.Generator.GenerateOne(ctx, variant)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("generations/%d/images/%d.png", requestID, index)
		if err := w.AWSService.SaveBytes(ctx, w.BucketName, key, data); err != nil {
			return fmt.Errorf("[Request: %v] Error storing image %d: %v", requestID, index, err)
		}

		generatedAt := time.Now()
		image.ImageURL = &key
		image.PromptUsed = &variant
		image.ImageStatus = models.ImageStatusCompleted
		image.GeneratedAt = &generatedAt
		if err := w.DB.Save(&image).Error; err != nil {
			return fmt.Errorf("[Request: %v] Error saving completed image %d: %v", requestID, index, err)
		}
		if image.Job != nil {
			image.Job.Status = models.JobStatusCompleted
			image.Job.FinishedAt = &generatedAt
			w.DB.Save(image.Job)
		}
		fmt.Printf("[Request: %v] Image %d/%d completed\n", requestID, index+1, request.ExpectedImageCount)
		w.Hub.Broadcast(requestID, services.EventImageCompleted, map[string]interface{}{
			"request_id": requestID, "index": index, "image_url": key,
		})
	}

	now := time.Now()
	res := w.DB.Model(&models.GenerationRequest{}).Where("id = ?", requestID).
		Updates(map[string]interface{}{
			"phase":               models.PhaseAwaitingSelection,
			"images_completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("[Request: %v] Error advancing phase: %v", requestID, res.Error)
	}
	fmt.Printf("[Request: %v] All images generated, awaiting selection\n", requestID)
	w.Hub.Broadcast(requestID, services.EventTaskUpdated, map[string]interface{}{
		"request_id": requestID, "phase": models.PhaseAwaitingSelection, "status": models.RequestStatusProcessing,
	})
	return nil
}

// markInFlightRetrying flips the currently generating image's job to
// RETRYING between attempts so clients see the retry, not a stall.
func (w *ImageWorker) markInFlightRetrying(requestID uint, cause error) {
	var image models.GeneratedImage
	err := w.DB.Preload("Job").Where("request_id = ? AND image_status = ?", requestID, models.ImageStatusGenerating).
		Order("image_index").First(&image).Error
	if err != nil || image.Job == nil {
		return
	}
	image.Job.Status = models.JobStatusRetrying
	image.Job.RetryCount = image.Job.RetryCount + 1
	image.Job.ErrorMessage = services.StrPointer(cause.Error())
	w.DB.Save(image.Job)
}

// failRequest marks the request and its in-flight job FAILED with the
// captured error text. Already completed images are left as-is.
func (w *ImageWorker) failRequest(requestID uint, cause error) {
	now := time.Now()
	message := cause.Error()

	var image models.GeneratedImage
	err := w.DB.Preload("Job").Where("request_id = ? AND image_status = ?", requestID, models.ImageStatusGenerating).
		Order("image_index").First(&image).Error
	if err == nil {
		image.ImageStatus = models.ImageStatusFailed
		w.DB.Save(&image)
		if image.Job != nil {
			image.Job.Status = models.JobStatusFailed
			image.Job.ErrorMessage = &message
			image.Job.FinishedAt = &now
			w.DB.Save(image.Job)
		}
		w.Hub.Broadcast(requestID, services.EventImageFailed, map[string]interface{}{
			"request_id": requestID, "index": image.ImageIndex, "error": message,
		})
	}

	res := w.DB.Model(&models.GenerationRequest{}).Where("id = ?", requestID).
		Updates(map[string]interface{}{
			"status":        models.RequestStatusFailed,
			"error_message": message,
			"failed_at":     now,
		})
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error saving failed status: %v", requestID, res.Error))
		return
	}
	fmt.Printf("[Request: %v] Image generation marked failed: %s\n", requestID, message)
	w.Hub.Broadcast(requestID, services.EventTaskUpdated, map[string]interface{}{
		"request_id": requestID, "status": models.RequestStatusFailed, "error": message,
	})
}
