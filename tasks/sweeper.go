package tasks

import (
	"context"
	"fmt"
	"time"

	"lumiapi/models"
	"lumiapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

const TypeStuckJobSweep = "pipeline:sweep_stuck"

// StuckJobBudget is how long a job may sit in RUNNING or RETRYING before
// the sweeper declares it orphaned. Generously above the longest legal
// poll budget so a healthy in-flight job is never swept.
const StuckJobBudget = 20 * time.Minute

func NewStuckJobSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TypeStuckJobSweep, nil), nil
}

// HandleStuckJobSweepTask finds jobs whose worker died mid flight (process
// crash, deploy) and whose request would otherwise stay PROCESSING forever.
// Jobs past the budget go to TIMEOUT, their requests to FAILED.
func HandleStuckJobSweepTask(ctx context.Context, t *asynq.Task, db *gorm.DB, fbApp *firebase.App) error {
	cutoff := time.Now().Add(-StuckJobBudget)
	fmt.Printf("[Sweeper] Sweeping jobs started before %v\n", cutoff)

	var imageJobs []models.ImageGenerationJob
	res := db.Where("status IN ? AND started_at < ?", []models.JobStatus{models.JobStatusRunning, models.JobStatusRetrying}, cutoff).
		Find(&imageJobs)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Sweeper] Error fetching stuck image jobs: %v", res.Error))
		return res.Error
	}
	for _, job := range imageJobs {
		var image models.GeneratedImage
		if err := db.First(&image, job.ImageID).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Sweeper] Error loading image %v for stuck job %v: %v", job.ImageID, job.ID, err))
			continue
		}
		if err := sweepRequest(db, fbApp, image.RequestID, &job, nil); err != nil {
			sentry.CaptureException(fmt.Errorf("[Sweeper] Error sweeping request %v: %v", image.RequestID, err))
			continue
		}
		fmt.Printf("[Sweeper] Image job %v timed out, request %v failed\n", job.ID, image.RequestID)
	}

	var modelJobs []models.ModelGenerationJob
	res = db.Where("status IN ? AND started_at < ?", []models.JobStatus{models.JobStatusRunning, models.JobStatusRetrying}, cutoff).
		Find(&modelJobs)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Sweeper] Error fetching stuck model jobs: %v", res.Error))
		return res.Error
	}
	for _, job := range modelJobs {
		var model models.GeneratedModel
		if err := db.First(&model, job.ModelID).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Sweeper] Error loading model %v for stuck job %v: %v", job.ModelID, job.ID, err))
			continue
		}
		if err := sweepRequest(db, fbApp, model.RequestID, nil, &job); err != nil {
			sentry.CaptureException(fmt.Errorf("[Sweeper] Error sweeping request %v: %v", model.RequestID, err))
			continue
		}
		fmt.Printf("[Sweeper] Model job %v timed out, request %v failed\n", job.ID, model.RequestID)
	}

	fmt.Printf("[Sweeper] Done, %d image jobs and %d model jobs swept\n", len(imageJobs), len(modelJobs))
	return nil
}

func sweepRequest(db *gorm.DB, fbApp *firebase.App, requestID uint, imageJob *models.ImageGenerationJob, modelJob *models.ModelGenerationJob) error {
	now := time.Now()
	message := "processing timed out"

	err := db.Transaction(func(tx *gorm.DB) error {
		if imageJob != nil {
			imageJob.Status = models.JobStatusTimeout
			imageJob.ErrorMessage = &message
			imageJob.FinishedAt = &now
			if saveErr := tx.Save(imageJob).Error; saveErr != nil {
				return saveErr
			}
		}
		if modelJob != nil {
			modelJob.Status = models.JobStatusTimeout
			modelJob.ErrorMessage = &message
			modelJob.FinishedAt = &now
			if saveErr := tx.Save(modelJob).Error; saveErr != nil {
				return saveErr
			}
		}
		return tx.Model(&models.GenerationRequest{}).
			Where("id = ? AND status = ?", requestID, models.RequestStatusProcessing).
			Updates(map[string]interface{}{
				"status":        models.RequestStatusFailed,
				"error_message": message,
				"failed_at":     now,
			}).Error
	})
	if err != nil {
		return err
	}

	var request models.GenerationRequest
	if err := db.First(&request, requestID).Error; err == nil && request.AlertWhenProcessed && fbApp != nil {
		services.SendNotification(fbApp, db, request.OwnerID, "Generation failed",
			"Your generation took too long and was stopped", map[string]string{"request_id": fmt.Sprintf("%d", requestID)})
	}
	return nil
}
