package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lumiapi/models"
	"lumiapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"
)

// ModelWorker drives the image-to-3D stage. It polls for requests in the
// model-generation phase, submits the selected image to the mesh provider
// and then babysits the remote job until it finishes or the budget runs
// out. Mesh jobs are heavy on the provider side, so this worker processes
// one request at a time.
type ModelWorker struct {
	DB          *gorm.DB
	Mesh        services.MeshGenerator
	AWSService  services.AWSServiceProvider
	URLCache    services.URLCacheServiceProvider
	Hub         *services.EventHub
	FirebaseApp *firebase.App
	BucketName  string

	PollInterval     time.Duration
	MeshPollInterval time.Duration
	MeshPollBudget   time.Duration
	Retry            services.RetryPolicy

	mu         sync.Mutex
	processing map[uint]struct{}
	sem        chan struct{}
}

func NewModelWorker(db *gorm.DB, mesh services.MeshGenerator, awsService services.AWSServiceProvider, urlCache services.URLCacheServiceProvider, hub *services.EventHub, fbApp *firebase.App) *ModelWorker {
	return &ModelWorker{
		DB:               db,
		Mesh:             mesh,
		AWSService:       awsService,
		URLCache:         urlCache,
		Hub:              hub,
		FirebaseApp:      fbApp,
		BucketName:       services.GetEnv("R2_BUCKET_NAME", ""),
		PollInterval:     2 * time.Second,
		MeshPollInterval: 5 * time.Second,
		MeshPollBudget:   10 * time.Minute,
		Retry:            services.DefaultRetryPolicy(),
		processing:       make(map[uint]struct{}),
		sem:              make(chan struct{}, 1),
	}
}

func (w *ModelWorker) Run(ctx context.Context) {
	fmt.Printf("[ModelWorker] Started, poll interval %v\n", w.PollInterval)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("[ModelWorker] Stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

func (w *ModelWorker) Tick(ctx context.Context) {
	var requests []models.GenerationRequest
	res := w.DB.Where("phase = ? AND status = ?", models.PhaseModelGeneration, models.RequestStatusProcessing).
		Order("selected_at").Find(&requests)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[ModelWorker] Error querying eligible requests: %v", res.Error))
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

func (w *ModelWorker) tryClaim(requestID uint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.processing[requestID]; busy {
		return false
	}
	w.processing[requestID] = struct{}{}
	return true
}

func (w *ModelWorker) release(requestID uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.processing, requestID)
}

func (w *ModelWorker) ProcessRequest(ctx context.Context, requestID uint) {
	fmt.Printf("[Request: %v] Model generation claimed\n", requestID)
	if err := w.generateModel(ctx, requestID); err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Model generation failed: %v", requestID, err))
		w.failModel(requestID, err)
	}
}

// translateMeshStatus maps the provider's job state onto the local model
// and job vocabularies plus a coarse progress figure. An unmapped status
// is an error so new provider states surface loudly instead of being
// silently swallowed.
func translateMeshStatus(status services.MeshJobStatus) (models.ImageStatus, models.JobStatus, int, error) {
	switch status {
	case services.MeshStatusWait:
		return models.ImageStatusPending, models.JobStatusPending, 0, nil
	case services.MeshStatusRun:
		return models.ImageStatusGenerating, models.JobStatusRunning, 50, nil
	case services.MeshStatusDone:
		return models.ImageStatusCompleted, models.JobStatusCompleted, 100, nil
	case services.MeshStatusFail:
		return models.ImageStatusFailed, models.JobStatusFailed, 0, nil
	default:
		return "", "", 0, fmt.Errorf("unknown mesh job status: %q", status)
	}
}

func (w *ModelWorker) generateModel(ctx context.Context, requestID uint) error {
	var request models.GenerationRequest
	if err := w.DB.Preload("Model").Preload("Model.Job").First(&request, requestID).Error; err != nil {
		return fmt.Errorf("[Request: %v] Error loading request: %v", requestID, err)
	}
	if request.Phase != models.PhaseModelGeneration || request.Status != models.RequestStatusProcessing {
		fmt.Printf("[Request: %v] No longer eligible, abandoning\n", requestID)
		return nil
	}
	if request.SelectedImageIndex == nil {
		return fmt.Errorf("[Request: %v] In model phase without a selected image", requestID)
	}

	var sourceImage models.GeneratedImage
	if err := w.DB.Where("request_id = ? AND image_index = ?", requestID, *request.SelectedImageIndex).
		First(&sourceImage).Error; err != nil {
		return fmt.Errorf("[Request: %v] Error loading selected image %d: %v", requestID, *request.SelectedImageIndex, err)
	}
	if sourceImage.ImageStatus != models.ImageStatusCompleted || sourceImage.ImageURL == nil {
		return fmt.Errorf("[Request: %v] Selected image %d is not completed", requestID, *request.SelectedImageIndex)
	}

	model := request.Model
	if model == nil {
		created, err := w.submitMeshJob(ctx, &request, &sourceImage)
		if err != nil {
			return err
		}
		model = created
	} else {
		// restart recovery: a model row with a live external job means we
		// crashed mid poll, pick the remote job back up
		if model.Job == nil || model.Job.ExternalJobID == nil {
			return fmt.Errorf("[Request: %v] Model row %v has no external job to resume", requestID, model.ID)
		}
		if model.Job.Status == models.JobStatusCompleted || model.Job.Status == models.JobStatusFailed || model.Job.Status == models.JobStatusTimeout {
			fmt.Printf("[Request: %v] Model job already terminal (%s), abandoning\n", requestID, model.Job.Status)
			return nil
		}
		fmt.Printf("[Request: %v] Resuming mesh job %s\n", requestID, *model.Job.ExternalJobID)
	}

	return w.pollMeshJob(ctx, &request, model)
}

// submitMeshJob presigns the source image, submits it to the provider under
// the retry policy and persists the model plus its job in one transaction.
func (w *ModelWorker) submitMeshJob(ctx context.Context, request *models.GenerationRequest, sourceImage *models.GeneratedImage) (*models.GeneratedModel, error) {
	if request.ModelStartedAt == nil {
		now := time.Now()
		w.DB.Model(request).Update("model_started_at", now)
	}

	imageURL, err := w.URLCache.GetReadURL(ctx, *sourceImage.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("[Request: %v] Error presigning source image: %v", request.ID, err)
	}

	var submitted *services.MeshSubmitResult
	policy := w.Retry
	policy.OnRetry = func(attempt int, cause error) {
		fmt.Printf("[Request: %v] Mesh submit attempt %d failed: %v\n", request.ID, attempt+1, cause)
	}
	err = policy.Run(ctx, fmt.Sprintf("request-%v-mesh-submit", request.ID), func() error {
		res, submitErr := w.Mesh.Submit(ctx, imageURL)
		if submitErr != nil {
			return submitErr
		}
		submitted = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	model := models.GeneratedModel{
		RequestID:     request.ID,
		SourceImageID: sourceImage.ID,
		Format:        "glb",
	}
	err = w.DB.Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(&model).Error; createErr != nil {
			return createErr
		}
		job := models.ModelGenerationJob{
			ModelID:           model.ID,
			Status:            models.JobStatusRunning,
			ExternalJobID:     &submitted.JobID,
			ProviderRequestID: &submitted.RequestID,
			StartedAt:         &now,
		}
		if createErr := tx.Create(&job).Error; createErr != nil {
			return createErr
		}
		model.Job = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("[Request: %v] Error persisting mesh job %s: %v", request.ID, submitted.JobID, err)
	}
	fmt.Printf("[Request: %v] Mesh job %s submitted\n", request.ID, submitted.JobID)
	w.Hub.Broadcast(request.ID, services.EventModelGenerating, map[string]interface{}{
		"request_id": request.ID, "status": models.ImageStatusGenerating,
	})
	return &model, nil
}

// pollMeshJob watches the remote job until a terminal state or until the
// wall-clock budget is exhausted. Transient poll errors are logged and
// retried on the next cycle rather than failing the request.
func (w *ModelWorker) pollMeshJob(ctx context.Context, request *models.GenerationRequest, model *models.GeneratedModel) error {
	job := model.Job
	jobID := *job.ExternalJobID
	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	deadline := started.Add(w.MeshPollBudget)

	for {
		if time.Now().After(deadline) {
			w.timeoutModel(request, model)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.MeshPollInterval):
		}

		state, err := w.Mesh.PollStatus(ctx, jobID)
		if err != nil {
			if services.IsNonRetryable(err) {
				return err
			}
			sentry.CaptureException(fmt.Errorf("[Request: %v] Error polling mesh job %s: %v", request.ID, jobID, err))
			continue
		}

		_, jobStatus, progress, err := translateMeshStatus(state.Status)
		if err != nil {
			return fmt.Errorf("[Request: %v] Mesh job %s: %v", request.ID, jobID, err)
		}
		if job.Status != jobStatus || job.Progress != progress {
			job.Status = jobStatus
			job.Progress = progress
			if err := w.DB.Save(job).Error; err != nil {
				return fmt.Errorf("[Request: %v] Error saving job progress: %v", request.ID, err)
			}
		}

		switch state.Status {
		case services.MeshStatusDone:
			return w.completeModel(ctx, request, model, state)
		case services.MeshStatusFail:
			message := "model generation failed"
			if state.ErrorMessage != nil {
				message = *state.ErrorMessage
			}
			return fmt.Errorf("[Request: %v] Mesh job %s failed: %s", request.ID, jobID, message)
		default:
			w.Hub.Broadcast(request.ID, services.EventModelProgress, map[string]interface{}{
				"request_id": request.ID, "status": models.ImageStatusGenerating, "progress": progress,
			})
		}
	}
}

// completeModel pulls the finished artifacts into own storage and closes
// out the whole request.
func (w *ModelWorker) completeModel(ctx context.Context, request *models.GenerationRequest, model *models.GeneratedModel, state *services.MeshJobState) error {
	file, err := services.FindModelFile(state.ResultFiles, model.Format)
	if err != nil {
		return fmt.Errorf("[Request: %v] Mesh job done but unusable: %v", request.ID, err)
	}

	content, err := services.ReadFileFromUrl(file.URL)
	if err != nil {
		return fmt.Errorf("[Request: %v] Error downloading model file: %v", request.ID, err)
	}
	modelKey := fmt.Sprintf("generations/%d/model.%s", request.ID, strings.ToLower(model.Format))
	if err := w.AWSService.SaveBytes(ctx, w.BucketName, modelKey, content); err != nil {
		return fmt.Errorf("[Request: %v] Error storing model file: %v", request.ID, err)
	}

	var textures []string
	for _, extra := range state.ResultFiles {
		if strings.EqualFold(extra.Type, model.Format) {
			continue
		}
		textures = append(textures, extra.URL)
	}

	now := time.Now()
	model.ModelURL = &modelKey
	model.CompletedAt = &now
	model.TextureURLs = textures
	if file.PreviewImage != "" {
		model.PreviewImageURL = &file.PreviewImage
	}
	err = w.DB.Transaction(func(tx *gorm.DB) error {
		if saveErr := tx.Save(model).Error; saveErr != nil {
			return saveErr
		}
		model.Job.Status = models.JobStatusCompleted
		model.Job.Progress = 100
		model.Job.FinishedAt = &now
		if saveErr := tx.Save(model.Job).Error; saveErr != nil {
			return saveErr
		}
		return tx.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
			Updates(map[string]interface{}{
				"phase":        models.PhaseCompleted,
				"status":       models.RequestStatusCompleted,
				"completed_at": now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("[Request: %v] Error saving completed model: %v", request.ID, err)
	}

	fmt.Printf("[Request: %v] Model generation completed\n", request.ID)
	w.Hub.Broadcast(request.ID, services.EventModelCompleted, map[string]interface{}{
		"request_id": request.ID, "status": models.ImageStatusCompleted, "progress": 100, "model_url": modelKey,
	})
	if request.AlertWhenProcessed && w.FirebaseApp != nil {
		go services.SendNotification(w.FirebaseApp, w.DB, request.OwnerID, "Your 3D model is ready",
			request.Prompt, map[string]string{"request_id": fmt.Sprintf("%d", request.ID)})
	}
	return nil
}

// timeoutModel is the budget exit: the remote job may still be running but
// we stop waiting for it.
func (w *ModelWorker) timeoutModel(request *models.GenerationRequest, model *models.GeneratedModel) {
	now := time.Now()
	message := "model generation timed out"
	model.FailedAt = &now
	model.ErrorMessage = &message
	w.DB.Save(model)
	if model.Job != nil {
		model.Job.Status = models.JobStatusTimeout
		model.Job.ErrorMessage = &message
		model.Job.FinishedAt = &now
		w.DB.Save(model.Job)
	}
	w.DB.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Updates(map[string]interface{}{
			"status":        models.RequestStatusFailed,
			"error_message": message,
			"failed_at":     now,
		})
	fmt.Printf("[Request: %v] Model generation timed out\n", request.ID)
	w.Hub.Broadcast(request.ID, services.EventModelFailed, map[string]interface{}{
		"request_id": request.ID, "status": models.ImageStatusFailed, "error": message,
	})
	if request.AlertWhenProcessed && w.FirebaseApp != nil {
		go services.SendNotification(w.FirebaseApp, w.DB, request.OwnerID, "3D model generation failed",
			request.Prompt, map[string]string{"request_id": fmt.Sprintf("%d", request.ID)})
	}
}

func (w *ModelWorker) failModel(requestID uint, cause error) {
	now := time.Now()
	message := cause.Error()

	var request models.GenerationRequest
	if err := w.DB.Preload("Model").Preload("Model.Job").First(&request, requestID).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error loading request for failure: %v", requestID, err))
		return
	}
	if request.Model != nil {
		request.Model.FailedAt = &now
		request.Model.ErrorMessage = &message
		w.DB.Save(request.Model)
		if request.Model.Job != nil {
			request.Model.Job.Status = models.JobStatusFailed
			request.Model.Job.ErrorMessage = &message
			request.Model.Job.FinishedAt = &now
			w.DB.Save(request.Model.Job)
		}
	}
	w.DB.Model(&models.GenerationRequest{}).Where("id = ?", requestID).
		Updates(map[string]interface{}{
			"status":        models.RequestStatusFailed,
			"error_message": message,
			"failed_at":     now,
		})
	fmt.Printf("[Request: %v] Model generation marked failed: %s\n", requestID, message)
	w.Hub.Broadcast(requestID, services.EventModelFailed, map[string]interface{}{
		"request_id": requestID, "status": models.ImageStatusFailed, "error": message,
	})
	if request.AlertWhenProcessed && w.FirebaseApp != nil {
		go services.SendNotification(w.FirebaseApp, w.DB, request.OwnerID, "3D model generation failed",
			request.Prompt, map[string]string{"request_id": fmt.Sprintf("%d", requestID)})
	}
}
