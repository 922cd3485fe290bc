package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"lumiapi/dbhelper"
	"lumiapi/models"
	"lumiapi/services"
	"lumiapi/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestImageWorker(db *gorm.DB, generator *test.ImageGeneratorMock, awsService *test.AWSProviderMock) *ImageWorker {
	worker := NewImageWorker(db, generator, awsService, services.NewEventHub())
	worker.Retry = services.RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Millisecond,
		RateLimitDelay: time.Millisecond,
		Sleep:          func(d time.Duration) {},
	}
	return worker
}

func TestImageWorkerGeneratesAllImages(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)

	generator := &test.ImageGeneratorMock{}
	awsService := &test.AWSProviderMock{}
	worker := newTestImageWorker(db, generator, awsService)

	worker.ProcessRequest(context.Background(), request.ID)

	var updated models.GenerationRequest
	require.NoError(t, db.Preload("Images").Preload("Images.Job").First(&updated, request.ID).Error)
	assert.Equal(t, models.PhaseAwaitingSelection, updated.Phase)
	assert.Equal(t, models.RequestStatusProcessing, updated.Status)
	assert.NotNil(t, updated.ImagesStartedAt)
	assert.NotNil(t, updated.ImagesCompletedAt)

	require.Len(t, updated.Images, 4)
	for _, image := range updated.Images {
		assert.Equal(t, models.ImageStatusCompleted, image.ImageStatus)
		require.NotNil(t, image.ImageURL)
		assert.Equal(t, fmt.Sprintf("generations/%d/images/%d.png", request.ID, image.ImageIndex), *image.ImageURL)
		require.NotNil(t, image.Job)
		assert.Equal(t, models.JobStatusCompleted, image.Job.Status)
	}
	assert.Equal(t, 4, generator.GenerateCallCount())
	assert.Len(t, awsService.SavedKeys(), 4)
}

func TestImageWorkerResumesFromCheckpoint(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a ceramic vase", 4)

	// first two images already done, as after a crash mid-run
	for index := 0; index < 2; index++ {
		key := fmt.Sprintf("generations/%d/images/%d.png", request.ID, index)
		db.Model(&models.GeneratedImage{}).
			Where("request_id = ? AND image_index = ?", request.ID, index).
			Updates(map[string]interface{}{"image_status": models.ImageStatusCompleted, "image_url": key})
	}

	generator := &test.ImageGeneratorMock{}
	worker := newTestImageWorker(db, generator, &test.AWSProviderMock{})

	worker.ProcessRequest(context.Background(), request.ID)

	assert.Equal(t, 2, generator.GenerateCallCount(), "completed images must not be regenerated")
	require.Len(t, generator.RewriteCalls, 2)

	var updated models.GenerationRequest
	require.NoError(t, db.First(&updated, request.ID).Error)
	assert.Equal(t, models.PhaseAwaitingSelection, updated.Phase)
}

func TestImageWorkerAuthFailureFailsWithoutRetry(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a wooden chess piece", 4)

	generator := &test.ImageGeneratorMock{
		Errs: []error{&services.ProviderError{Provider: "gemini", Kind: services.ErrKindAuth, StatusCode: 401, Message: "invalid key"}},
	}
	worker := newTestImageWorker(db, generator, &test.AWSProviderMock{})

	worker.ProcessRequest(context.Background(), request.ID)

	assert.Equal(t, 1, generator.GenerateCallCount(), "auth failure must short-circuit the retry loop")

	var updated models.GenerationRequest
	require.NoError(t, db.Preload("Images").Preload("Images.Job").First(&updated, request.ID).Error)
	assert.Equal(t, models.RequestStatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.NotNil(t, updated.FailedAt)

	var failedImage models.GeneratedImage
	require.NoError(t, db.Preload("Job").Where("request_id = ? AND image_index = 0", request.ID).First(&failedImage).Error)
	assert.Equal(t, models.ImageStatusFailed, failedImage.ImageStatus)
	require.NotNil(t, failedImage.Job)
	assert.Equal(t, models.JobStatusFailed, failedImage.Job.Status)
}

func TestImageWorkerTransientFailureRetriesFromCheckpoint(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a glass bottle", 2)

	generator := &test.ImageGeneratorMock{
		Errs: []error{fmt.Errorf("connection reset")},
	}
	worker := newTestImageWorker(db, generator, &test.AWSProviderMock{})

	worker.ProcessRequest(context.Background(), request.ID)

	// attempt 1 fails on image 0, attempt 2 regenerates 0 and 1
	assert.Equal(t, 3, generator.GenerateCallCount())

	var updated models.GenerationRequest
	require.NoError(t, db.First(&updated, request.ID).Error)
	assert.Equal(t, models.PhaseAwaitingSelection, updated.Phase)

	var retriedJob models.ImageGenerationJob
	var image models.GeneratedImage
	require.NoError(t, db.Where("request_id = ? AND image_index = 0", request.ID).First(&image).Error)
	require.NoError(t, db.Where("image_id = ?", image.ID).First(&retriedJob).Error)
	assert.Equal(t, 1, retriedJob.RetryCount)
	assert.Equal(t, models.JobStatusCompleted, retriedJob.Status)
}

func TestImageWorkerAbandonsCancelledRequest(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a clay mug", 4)

	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Updates(map[string]interface{}{"status": models.RequestStatusFailed, "error_message": "cancelled by user"})

	generator := &test.ImageGeneratorMock{}
	worker := newTestImageWorker(db, generator, &test.AWSProviderMock{})

	worker.ProcessRequest(context.Background(), request.ID)

	assert.Equal(t, 0, generator.GenerateCallCount())

	var updated models.GenerationRequest
	require.NoError(t, db.First(&updated, request.ID).Error)
	assert.Equal(t, models.PhaseImageGeneration, updated.Phase, "abandoned request keeps its phase")
	assert.Equal(t, models.RequestStatusFailed, updated.Status)
}

func TestImageWorkerTickSkipsClaimedRequests(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a paper crane", 4)

	worker := newTestImageWorker(db, &test.ImageGeneratorMock{}, &test.AWSProviderMock{})
	require.True(t, worker.tryClaim(request.ID))
	require.False(t, worker.tryClaim(request.ID), "claimed request must not be claimed twice")
	worker.release(request.ID)
	require.True(t, worker.tryClaim(request.ID))
}
