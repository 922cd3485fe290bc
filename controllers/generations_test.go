package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

func newGenerationsServer(db *gorm.DB) (*test.AWSProviderMock, http.Handler) {
	awsService := &test.AWSProviderMock{}
	e := SetupServer(db, test.GoogleServiceMock{}, awsService, test.URLCacheMock{}, services.NewEventHub(), nil, nil)
	return awsService, e
}

// markAwaitingSelection completes every image slot and flips the phase, the
// state the request is in right before the user picks an image.
func markAwaitingSelection(db *gorm.DB, request *models.GenerationRequest) {
	for index := 0; index < request.ExpectedImageCount; index++ {
		key := fmt.Sprintf("generations/%d/images/%d.png", request.ID, index)
		db.Model(&models.GeneratedImage{}).
			Where("request_id = ? AND image_index = ?", request.ID, index).
			Updates(map[string]interface{}{"image_status": models.ImageStatusCompleted, "image_url": key})
	}
	now := time.Now()
	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Updates(map[string]interface{}{"phase": models.PhaseAwaitingSelection, "images_completed_at": now})
}

func TestCreateGeneration(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", "/api/generations/create", UIntToStr(user.ID), map[string]interface{}{
		"prompt": "a toy robot",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var response GenerationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "a toy robot", response.Prompt)
	assert.Equal(t, models.RequestStatusProcessing, response.Status)
	assert.Equal(t, models.PhaseImageGeneration, response.Phase)
	assert.Equal(t, 4, response.ExpectedImageCount)
	require.Len(t, response.Images, 4)
	for i, image := range response.Images {
		assert.Equal(t, i, image.Index)
		assert.Equal(t, models.ImageStatusPending, image.Status)
		require.NotNil(t, image.Job)
		assert.Equal(t, models.JobStatusPending, image.Job.Status)
	}

	var count int64
	db.Model(&models.GeneratedImage{}).Where("request_id = ?", response.ID).Count(&count)
	assert.Equal(t, int64(4), count)
}

func TestCreateGenerationCustomImageCount(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", "/api/generations/create", UIntToStr(user.ID), map[string]interface{}{
		"prompt":      "a ceramic vase",
		"image_count": 6,
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var response GenerationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 6, response.ExpectedImageCount)
	assert.Len(t, response.Images, 6)
}

func TestCreateGenerationValidation(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", "/api/generations/create", UIntToStr(user.ID), map[string]interface{}{
		"prompt": "",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = test.NewJSONAuthRequest("POST", "/api/generations/create", UIntToStr(user.ID), map[string]interface{}{
		"prompt":      "a toy robot",
		"image_count": 9,
	})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGenerationFreeDailyLimit(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	_, e := newGenerationsServer(db)

	for i := 0; i < 3; i++ {
		test.FakeGeneration(db, user.ID, fmt.Sprintf("prompt %d", i), 4)
	}

	req := test.NewJSONAuthRequest("POST", "/api/generations/create", UIntToStr(user.ID), map[string]interface{}{
		"prompt": "one too many",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "free limit")
}

func TestGetGenerationHidesForeignRequests(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	owner := test.FakeUser(db)
	request := test.FakeGeneration(db, owner.ID, "a toy robot", 4)

	stranger := models.UserAccount{Name: "Other", Email: "other@example.com", GoogleID: "999", Platform: models.PlatformIOS, Status: "FINISHED_AUTH"}
	db.Create(&stranger)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/api/generations/%d", request.ID), UIntToStr(stranger.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLooksStuck(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	fresh := time.Now().Add(-time.Minute)

	assert.True(t, looksStuck(&models.GenerationRequest{
		Phase: models.PhaseImageGeneration, ImagesStartedAt: &stale,
	}))
	assert.False(t, looksStuck(&models.GenerationRequest{
		Phase: models.PhaseImageGeneration, ImagesStartedAt: &fresh,
	}))
	assert.False(t, looksStuck(&models.GenerationRequest{
		Phase: models.PhaseImageGeneration,
	}))
	assert.True(t, looksStuck(&models.GenerationRequest{
		Phase: models.PhaseModelGeneration, ModelStartedAt: &stale,
	}))
	assert.False(t, looksStuck(&models.GenerationRequest{
		Phase: models.PhaseAwaitingSelection, ImagesStartedAt: &stale,
	}))
}

func TestGetGenerationStuckRequestStillServed(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	stale := time.Now().Add(-time.Hour)
	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Update("images_started_at", stale)
	_, e := newGenerationsServer(db)

	// no queue client is wired in tests, the handler must degrade to a
	// plain read instead of panicking
	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/api/generations/%d", request.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response GenerationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, models.RequestStatusProcessing, response.Status)
}

func TestListGenerations(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	first := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	markAwaitingSelection(db, first)
	test.FakeGeneration(db, user.ID, "a clay mug", 4)

	stranger := models.UserAccount{Name: "Other", Email: "other@example.com", GoogleID: "999", Platform: models.PlatformIOS, Status: "FINISHED_AUTH"}
	db.Create(&stranger)
	test.FakeGeneration(db, stranger.ID, "not yours", 4)

	_, e := newGenerationsServer(db)
	req := test.NewJSONAuthRequest("GET", "/api/generations/list", UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response struct {
		Generations []GenerationResponse `json:"generations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Generations, 2)

	for _, generation := range response.Generations {
		if generation.ID != first.ID {
			continue
		}
		require.Len(t, generation.Images, 4)
		for _, image := range generation.Images {
			require.NotNil(t, image.Uri)
			assert.Contains(t, *image.Uri, "https://cdn.example.com/generations/")
		}
	}
}

func TestSelectImage(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	markAwaitingSelection(db, request)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/api/generations/%d/select", request.ID), UIntToStr(user.ID), map[string]interface{}{
		"index": 2,
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.GenerationRequest
	require.NoError(t, db.First(&updated, request.ID).Error)
	assert.Equal(t, models.PhaseModelGeneration, updated.Phase)
	require.NotNil(t, updated.SelectedImageIndex)
	assert.Equal(t, 2, *updated.SelectedImageIndex)
	assert.NotNil(t, updated.SelectedAt)
}

func TestSelectImageWrongPhase(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/api/generations/%d/select", request.ID), UIntToStr(user.ID), map[string]interface{}{
		"index": 0,
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestSelectImageOutOfRange(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	markAwaitingSelection(db, request)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/api/generations/%d/select", request.ID), UIntToStr(user.ID), map[string]interface{}{
		"index": 4,
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestSelectImageNotCompleted(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	// phase flipped but the slots never finished, a malformed state the
	// endpoint must reject rather than hand to the model worker
	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Update("phase", models.PhaseAwaitingSelection)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/api/generations/%d/select", request.ID), UIntToStr(user.ID), map[string]interface{}{
		"index": 1,
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestCancelGeneration(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/api/generations/%d/cancel", request.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.GenerationRequest
	require.NoError(t, db.Preload("Images").Preload("Images.Job").First(&updated, request.ID).Error)
	assert.Equal(t, models.RequestStatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Equal(t, "cancelled by user", *updated.ErrorMessage)
	assert.NotNil(t, updated.FailedAt)
	for _, image := range updated.Images {
		require.NotNil(t, image.Job)
		assert.Equal(t, models.JobStatusFailed, image.Job.Status)
	}
}

func TestCancelGenerationAfterMeshSubmit(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	markAwaitingSelection(db, request)
	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Updates(map[string]interface{}{"phase": models.PhaseModelGeneration, "selected_image_index": 0})
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/api/generations/%d/cancel", request.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestDeleteProcessingGenerationRejected(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("DELETE", fmt.Sprintf("/api/generations/%d", request.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestDeleteGeneration(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	request := test.FakeGeneration(db, user.ID, "a toy robot", 4)
	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).
		Update("status", models.RequestStatusFailed)

	awsMock, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("DELETE", fmt.Sprintf("/api/generations/%d", request.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var count int64
	db.Model(&models.GenerationRequest{}).Where("id = ?", request.ID).Count(&count)
	assert.Equal(t, int64(0), count)
	db.Model(&models.GeneratedImage{}).Where("request_id = ?", request.ID).Count(&count)
	assert.Equal(t, int64(0), count)

	assert.Contains(t, awsMock.DeletedPrefixes, fmt.Sprintf("generations/%d/", request.ID))
}

func TestGenerationsRequireAuth(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	_, e := newGenerationsServer(db)

	req := test.NewJSONRequest("POST", "/api/generations/create", map[string]interface{}{
		"prompt": "a toy robot",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
