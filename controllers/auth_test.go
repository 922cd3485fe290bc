package controllers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lumiapi/dbhelper"
	"lumiapi/models"
	"lumiapi/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleSignInCreatesUser(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	_, e := newGenerationsServer(db)

	req := test.NewJSONRequest("POST", "/auth/google/v2", map[string]interface{}{
		"idToken": "faketoken",
		"platform": "ios",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, true, response["new"])
	assert.Equal(t, "fake@example.com", response["email"])
	assert.NotEmpty(t, response["access_token"])
	assert.NotEmpty(t, response["refresh_token"])

	var user models.UserAccount
	require.NoError(t, db.Where("google_id = ?", "123googleid").First(&user).Error)
	assert.Equal(t, "fake@example.com", user.Email)
	assert.Equal(t, "FINISHED_AUTH", user.Status)
}

func TestGoogleSignInExistingUserNotNew(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	existing := models.UserAccount{
		Name: "Known", Email: "fake@example.com", GoogleID: "123googleid",
		Platform: models.PlatformIOS, Status: "FINISHED_AUTH",
	}
	db.Create(&existing)
	_, e := newGenerationsServer(db)

	req := test.NewJSONRequest("POST", "/auth/google/v2", map[string]interface{}{
		"idToken": "faketoken",
		"platform": "ios",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, false, response["new"])

	var count int64
	db.Model(&models.UserAccount{}).Where("email = ?", "fake@example.com").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGoogleSignInBadPlatform(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	_, e := newGenerationsServer(db)

	req := test.NewJSONRequest("POST", "/auth/google/v2", map[string]interface{}{
		"idToken": "faketoken",
		"platform": "commodore64",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMeReturnsProfile(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("GET", "/auth/me", UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response models.UserMeInfoOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, user.Email, response.Email)
	assert.Equal(t, user.Name, response.Name)
}

func TestRegisterPushToken(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	user := test.FakeUser(db)
	_, e := newGenerationsServer(db)

	req := test.NewJSONAuthRequest("POST", "/auth/register-push", UIntToStr(user.ID), map[string]interface{}{
		"token":    "push-token-abc",
		"platform": "android",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var token models.UserPushToken
	require.NoError(t, db.Where("user_account_id = ? AND token = ?", user.ID, "push-token-abc").First(&token).Error)
	assert.True(t, token.Active)
}
