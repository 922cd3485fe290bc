package controllers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"lumiapi/models"
	"lumiapi/services"
	"lumiapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Request structs for validation
type CreateGenerationIn struct {
	Prompt             string `json:"prompt" validate:"required,max=2000"`
	ImageCount         *int   `json:"image_count" validate:"omitempty,min=1,max=8"`
	AlertWhenProcessed *bool  `json:"alert_when_processed"`
}

type SelectImageIn struct {
	Index *int `json:"index" validate:"required,min=0"`
}

// Response structs
type GenerationJobResponse struct {
	Status       models.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

type GenerationImageResponse struct {
	Index       int                    `json:"index"`
	Status      models.ImageStatus     `json:"status"`
	Uri         *string                `json:"uri,omitempty"`
	PromptUsed  *string                `json:"prompt_used,omitempty"`
	GeneratedAt *time.Time             `json:"generated_at,omitempty"`
	Job         *GenerationJobResponse `json:"job,omitempty"`
}

type GenerationModelResponse struct {
	Uri          *string                `json:"uri,omitempty"`
	PreviewUri   *string                `json:"preview_uri,omitempty"`
	Format       string                 `json:"format"`
	TextureURLs  []string               `json:"texture_urls,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	Job          *GenerationJobResponse `json:"job,omitempty"`
}

type GenerationResponse struct {
	ID                 uint                      `json:"id"`
	Prompt             string                    `json:"prompt"`
	Status             models.RequestStatus      `json:"status"`
	Phase              models.RequestPhase       `json:"phase"`
	ExpectedImageCount int                       `json:"expected_image_count"`
	SelectedImageIndex *int                      `json:"selected_image_index"`
	ErrorMessage       *string                   `json:"error_message,omitempty"`
	Images             []GenerationImageResponse `json:"images"`
	Model              *GenerationModelResponse  `json:"model,omitempty"`
	CreatedAt          string                    `json:"created_at"`
	UpdatedAt          string                    `json:"updated_at"`
}

type GenerationsController struct {
	AWSService  services.AWSServiceProvider
	URLCache    services.URLCacheServiceProvider
	Hub         *services.EventHub
	FirebaseApp *firebase.App
}

func (controller *GenerationsController) GenerationRoutes(g *echo.Group) {
	g.POST("/create", controller.CreateGeneration)
	g.GET("/list", controller.ListGenerations)
	g.GET("/:generationId", controller.GetGeneration)
	g.POST("/:generationId/select", controller.SelectImage)
	g.POST("/:generationId/cancel", controller.CancelGeneration)
	g.DELETE("/:generationId", controller.DeleteGeneration)
	g.GET("/:generationId/events", controller.StreamEvents)
}

func (controller *GenerationsController) CreateGeneration(c echo.Context) error {
	var req CreateGenerationIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	if models.IsFreePlan(user.Subscription) {
		var dailyCount int64
		today := time.Now().UTC().Format("2006-01-02")
		if err := db.Model(&models.GenerationRequest{}).Where("owner_id = ? AND DATE(created_at) = ?", user.ID, today).Count(&dailyCount).Error; err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get generation data"})
		}
		fmt.Printf("[User %v] Free plan, daily generation count: %v\n", user.ID, dailyCount)
		if dailyCount >= 3 {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "You have reached the free limit of 3 daily generations, please subscribe"})
		}
	}

	imageCount := 4
	if req.ImageCount != nil {
		imageCount = *req.ImageCount
	}
	request := models.GenerationRequest{
		OwnerID:            user.ID,
		Prompt:             req.Prompt,
		Status:             models.RequestStatusProcessing,
		Phase:              models.PhaseImageGeneration,
		ExpectedImageCount: imageCount,
	}
	if req.AlertWhenProcessed != nil {
		request.AlertWhenProcessed = *req.AlertWhenProcessed
	}

	// the request and all its image slots are created atomically so the
	// worker always sees the full fan-out
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&request).Error; err != nil {
			return err
		}
		for index := 0; index < imageCount; index++ {
			image := models.GeneratedImage{
				RequestID:   request.ID,
				ImageIndex:  index,
				ImageStatus: models.ImageStatusPending,
			}
			if err := tx.Create(&image).Error; err != nil {
				return err
			}
			job := models.ImageGenerationJob{
				ImageID: image.ID,
				Status:  models.JobStatusPending,
			}
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create generation, please try again"})
	}
	fmt.Printf("[Request: %v] Created with %d image slots for user %v\n", request.ID, imageCount, user.ID)

	response := controller.buildGenerationResponse(c.Request().Context(), db, request.ID)
	if response == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load generation"})
	}
	return c.JSON(http.StatusCreated, response)
}

func (controller *GenerationsController) ListGenerations(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	var requests []models.GenerationRequest
	if err := db.Preload("Images").Preload("Images.Job").Preload("Model").Preload("Model.Job").
		Where("owner_id = ?", user.ID).Order("created_at DESC").Find(&requests).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch generations"})
	}

	responses := make([]GenerationResponse, len(requests))
	var wg sync.WaitGroup
	for i, request := range requests {
		wg.Add(1)
		go func(index int, item models.GenerationRequest) {
			defer wg.Done()
			responses[index] = controller.mapGeneration(c.Request().Context(), item)
		}(i, request)
	}
	wg.Wait()
	return c.JSON(http.StatusOK, echo.Map{"generations": responses})
}

func (controller *GenerationsController) GetGeneration(c echo.Context) error {
	request, db, httpErr := controller.ownedRequest(c)
	if httpErr != nil {
		return httpErr
	}
	_ = db
	if request.Status == models.RequestStatusProcessing && looksStuck(request) {
		controller.enqueueSweep(c, request.ID)
	}
	response := controller.mapGeneration(c.Request().Context(), *request)
	return c.JSON(http.StatusOK, response)
}

// looksStuck reports whether the current phase started so long ago that no
// live worker can still be driving it.
func looksStuck(request *models.GenerationRequest) bool {
	cutoff := time.Now().Add(-tasks.StuckJobBudget)
	switch request.Phase {
	case models.PhaseImageGeneration:
		return request.ImagesStartedAt != nil && request.ImagesStartedAt.Before(cutoff)
	case models.PhaseModelGeneration:
		return request.ModelStartedAt != nil && request.ModelStartedAt.Before(cutoff)
	}
	return false
}

// enqueueSweep pulls the next scheduled sweep forward so a stuck request a
// user is actively watching gets resolved without waiting for the cron.
func (controller *GenerationsController) enqueueSweep(c echo.Context, requestID uint) {
	client, ok := c.Get("__asynqclient").(*asynq.Client)
	if !ok || client == nil {
		return
	}
	task, err := tasks.NewStuckJobSweepTask()
	if err != nil {
		sentry.CaptureException(err)
		return
	}
	if _, err := client.Enqueue(task, asynq.Queue("maintenance")); err != nil {
		sentry.CaptureException(err)
		return
	}
	fmt.Printf("[Request: %v] Looks stuck, sweep enqueued\n", requestID)
}

func (controller *GenerationsController) SelectImage(c echo.Context) error {
	var req SelectImageIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	request, db, httpErr := controller.ownedRequest(c)
	if httpErr != nil {
		return httpErr
	}
	if request.Phase != models.PhaseAwaitingSelection {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Generation is not awaiting selection"})
	}
	if *req.Index >= request.ExpectedImageCount {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Index must be between 0 and %d", request.ExpectedImageCount-1)})
	}
	var selected *models.GeneratedImage
	for i := range request.Images {
		if request.Images[i].ImageIndex == *req.Index {
			selected = &request.Images[i]
			break
		}
	}
	if selected == nil || selected.ImageStatus != models.ImageStatusCompleted {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Selected image is not completed"})
	}

	now := time.Now()
	res := db.Model(&models.GenerationRequest{}).
		Where("id = ? AND phase = ?", request.ID, models.PhaseAwaitingSelection).
		Updates(map[string]interface{}{
			"selected_image_index": *req.Index,
			"selected_at":          now,
			"phase":                models.PhaseModelGeneration,
		})
	if res.Error != nil {
		sentry.CaptureException(res.Error)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save selection, please try again"})
	}
	if res.RowsAffected == 0 {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Generation is not awaiting selection"})
	}
	fmt.Printf("[Request: %v] Image %d selected, moving to model generation\n", request.ID, *req.Index)
	controller.Hub.Broadcast(request.ID, services.EventTaskUpdated, map[string]interface{}{
		"request_id": request.ID, "phase": models.PhaseModelGeneration, "status": models.RequestStatusProcessing, "selected_image_index": *req.Index,
	})
	return c.JSON(http.StatusOK, echo.Map{
		"message":              "selected",
		"selected_image_index": *req.Index,
		"phase":                models.PhaseModelGeneration,
	})
}

func (controller *GenerationsController) CancelGeneration(c echo.Context) error {
	request, db, httpErr := controller.ownedRequest(c)
	if httpErr != nil {
		return httpErr
	}
	if request.Status != models.RequestStatusProcessing {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Generation is already finished"})
	}
	// once the mesh job is submitted there is nothing to cancel remotely
	if request.Phase != models.PhaseImageGeneration && request.Phase != models.PhaseAwaitingSelection {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Generation can no longer be cancelled"})
	}

	now := time.Now()
	message := "cancelled by user"
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.GenerationRequest{}).
			Where("id = ? AND status = ?", request.ID, models.RequestStatusProcessing).
			Updates(map[string]interface{}{
				"status":        models.RequestStatusFailed,
				"error_message": message,
				"failed_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.ImageGenerationJob{}).
			Where("image_id IN (?) AND status IN ?",
				tx.Model(&models.GeneratedImage{}).Select("id").Where("request_id = ?", request.ID),
				[]models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusRetrying}).
			Updates(map[string]interface{}{
				"status":        models.JobStatusFailed,
				"error_message": message,
				"finished_at":   now,
			}).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return c.JSON(http.StatusConflict, map[string]string{"error": "Generation is already finished"})
		}
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to cancel generation"})
	}
	fmt.Printf("[Request: %v] Cancelled by user\n", request.ID)
	controller.Hub.Broadcast(request.ID, services.EventTaskUpdated, map[string]interface{}{
		"request_id": request.ID, "status": models.RequestStatusFailed, "error": message,
	})
	return c.JSON(http.StatusOK, echo.Map{"message": "cancelled"})
}

func (controller *GenerationsController) DeleteGeneration(c echo.Context) error {
	request, db, httpErr := controller.ownedRequest(c)
	if httpErr != nil {
		return httpErr
	}
	if request.Status == models.RequestStatusProcessing {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Cancel the generation before deleting it"})
	}

	if err := db.Select("Images", "Model").Delete(&models.GenerationRequest{}, request.ID).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to delete generation"})
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	prefix := fmt.Sprintf("generations/%d/", request.ID)
	if err := controller.AWSService.DeleteFolder(c.Request().Context(), bucketName, prefix); err != nil {
		// row is gone, orphaned files are not worth failing the call
		log.Printf("Failed to delete stored files for request %v: %v", request.ID, err)
		sentry.CaptureException(err)
	}
	fmt.Printf("[Request: %v] Deleted by user\n", request.ID)
	return c.JSON(http.StatusOK, echo.Map{"message": "deleted"})
}

// StreamEvents is the live channel: a snapshot on connect, then pushed
// frames for every pipeline transition, with periodic keep-alives so
// proxies don't cut the stream.
func (controller *GenerationsController) StreamEvents(c echo.Context) error {
	request, db, httpErr := controller.ownedRequest(c)
	if httpErr != nil {
		return httpErr
	}
	_ = db

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	conn := controller.Hub.AddConnection(request.ID, c.Response(), func() { c.Response().Flush() })
	defer controller.Hub.RemoveConnection(conn)
	fmt.Printf("[Request: %v] Event stream connected (%d total)\n", request.ID, controller.Hub.ConnectionCount(request.ID))

	snapshot := controller.mapGeneration(c.Request().Context(), *request)
	if err := controller.Hub.SendEvent(conn, services.EventTaskInit, snapshot); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(services.DefaultHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request().Context().Done():
			fmt.Printf("[Request: %v] Event stream disconnected\n", request.ID)
			return nil
		case <-heartbeat.C:
			if err := controller.Hub.SendHeartbeat(conn); err != nil {
				return nil
			}
		}
	}
}

// ownedRequest loads the path's generation and enforces ownership.
func (controller *GenerationsController) ownedRequest(c echo.Context) (*models.GenerationRequest, *gorm.DB, error) {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return nil, nil, c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return nil, nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}
	var generationId uint
	if err := echo.PathParamsBinder(c).Uint("generationId", &generationId).BindError(); err != nil {
		return nil, nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid generation id"})
	}

	var request models.GenerationRequest
	result := db.Preload("Images").Preload("Images.Job").Preload("Model").Preload("Model.Job").
		Where("id = ? AND owner_id = ?", generationId, user.ID).Limit(1).Find(&request)
	if result.Error != nil {
		return nil, nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch generation"})
	}
	if result.RowsAffected == 0 {
		return nil, nil, c.JSON(http.StatusNotFound, map[string]string{"error": "Generation not found"})
	}
	return &request, db, nil
}

func (controller *GenerationsController) buildGenerationResponse(ctx context.Context, db *gorm.DB, requestID uint) *GenerationResponse {
	var request models.GenerationRequest
	result := db.Preload("Images").Preload("Images.Job").Preload("Model").Preload("Model.Job").First(&request, requestID)
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return nil
	}
	response := controller.mapGeneration(ctx, request)
	return &response
}

// mapGeneration enriches stored object keys with presigned read URLs,
// resolving each image concurrently. A presign failure degrades to an
// empty link instead of failing the whole response.
func (controller *GenerationsController) mapGeneration(ctx context.Context, request models.GenerationRequest) GenerationResponse {
	images := make([]GenerationImageResponse, len(request.Images))
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")

	var wg sync.WaitGroup
	for i, imageItem := range request.Images {
		wg.Add(1)
		go func(index int, item models.GeneratedImage) {
			defer wg.Done()
			var uri *string
			if item.ImageURL != nil && *item.ImageURL != "" {
				url, err := controller.URLCache.GetReadURL(ctx, *item.ImageURL)
				if err != nil {
					log.Printf("CACHE WARNING: Cache system failed for key '%s': %v. Triggering manual R2 fallback.", *item.ImageURL, err)
					sentry.CaptureException(err)
					url, err = controller.AWSService.GetPresignedR2FileReadURL(ctx, bucketName, *item.ImageURL)
					if err != nil {
						log.Printf("CRITICAL: Manual R2 fallback also failed for key '%s': %v", *item.ImageURL, err)
						sentry.CaptureException(err)
					}
				}
				if url != "" {
					uri = &url
				}
			}
			images[index] = GenerationImageResponse{
				Index:       item.ImageIndex,
				Status:      item.ImageStatus,
				Uri:         uri,
				PromptUsed:  item.PromptUsed,
				GeneratedAt: item.GeneratedAt,
				Job:         mapJob(item.Job),
			}
		}(i, imageItem)
	}
	wg.Wait()

	var model *GenerationModelResponse
	if request.Model != nil {
		var modelUri *string
		if request.Model.ModelURL != nil && *request.Model.ModelURL != "" {
			url, err := controller.URLCache.GetReadURL(ctx, *request.Model.ModelURL)
			if err != nil {
				sentry.CaptureException(err)
			} else {
				modelUri = &url
			}
		}
		model = &GenerationModelResponse{
			Uri:          modelUri,
			PreviewUri:   request.Model.PreviewImageURL,
			Format:       request.Model.Format,
			TextureURLs:  request.Model.TextureURLs,
			CompletedAt:  request.Model.CompletedAt,
			ErrorMessage: request.Model.ErrorMessage,
		}
		if request.Model.Job != nil {
			model.Job = &GenerationJobResponse{
				Status:       request.Model.Job.Status,
				Progress:     request.Model.Job.Progress,
				RetryCount:   request.Model.Job.RetryCount,
				ErrorMessage: request.Model.Job.ErrorMessage,
			}
		}
	}

	return GenerationResponse{
		ID:                 request.ID,
		Prompt:             request.Prompt,
		Status:             request.Status,
		Phase:              request.Phase,
		ExpectedImageCount: request.ExpectedImageCount,
		SelectedImageIndex: request.SelectedImageIndex,
		ErrorMessage:       request.ErrorMessage,
		Images:             images,
		Model:              model,
		CreatedAt:          request.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:          request.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

func mapJob(job *models.ImageGenerationJob) *GenerationJobResponse {
	if job == nil {
		return nil
	}
	return &GenerationJobResponse{
		Status:       job.Status,
		RetryCount:   job.RetryCount,
		ErrorMessage: job.ErrorMessage,
	}
}
