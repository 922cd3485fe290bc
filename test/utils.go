package test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"lumiapi/models"
	"lumiapi/services"

	"github.com/golang-jwt/jwt/v4"
	"google.golang.org/api/idtoken"
	"gorm.io/gorm"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateUserToken(userPk string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userPk,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing user token for %s. Error %s ", userPk, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, userPk string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func StrPointer(data string) *string {
	return &data
}

func IntPointer(i int) *int {
	return &i
}

func FakeUser(db *gorm.DB) *models.UserAccount {
	user := &models.UserAccount{
		Name:      "OurName",
		Email:     "email@example.com",
		GoogleID:  "12232",
		Platform:  models.PlatformIOS,
		LastIp:    "123.122.122.122",
		Status:    "FINISHED_AUTH",
		AvatarURL: "pictureurl",
	}
	db.Create(&user)
	tokenDb := models.UserPushToken{
		UserAccountID: user.ID,
		Platform:      "android",
		Token:         "cX-UZ3zwQEiPt-2GJkG2gA:APA91bGqRflaGrJrnynhRwZ442HdgUjVcO7mWMFnx6IwAdJ9RRKopvSP4QU7hbvTmk1XAp8XGvtHZLvo5JmOPTVKBbGqqvhfbZWKlXA9csEjx1hgpNvrWepU-rqG1sxS8_WCF5cGZchf",
		Active:        true,
	}
	db.Save(&tokenDb)
	return user
}

// FakeGeneration seeds a request with its image slots the way the create
// endpoint does.
func FakeGeneration(db *gorm.DB, ownerID uint, prompt string, imageCount int) *models.GenerationRequest {
	request := &models.GenerationRequest{
		OwnerID:            ownerID,
		Prompt:             prompt,
		Status:             models.RequestStatusProcessing,
		Phase:              models.PhaseImageGeneration,
		ExpectedImageCount: imageCount,
	}
	db.Create(&request)
	for index := 0; index < imageCount; index++ {
		image := models.GeneratedImage{
			RequestID:   request.ID,
			ImageIndex:  index,
			ImageStatus: models.ImageStatusPending,
		}
		db.Create(&image)
		job := models.ImageGenerationJob{
			ImageID: image.ID,
			Status:  models.JobStatusPending,
		}
		db.Create(&job)
	}
	db.Preload("Images").Preload("Images.Job").First(&request, request.ID)
	return request
}

type GoogleServiceMock struct{}

func (gsm GoogleServiceMock) ValidateIdToken(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{Issuer: "Issue", Audience: "AAA", Expires: 119919191919, IssuedAt: 12312321321, Subject: "fake@example.com", Claims: map[string]interface{}{
		"email":   "fake@example.com",
		"picture": "pictureurl",
		"sub":     "123googleid",
	}}, nil
}

// AWSProviderMock keeps stored objects in memory.
type AWSProviderMock struct {
	MockUrl string

	mu              sync.Mutex
	Saved           map[string][]byte
	DeletedPrefixes []string
}

func (awsService *AWSProviderMock) InitPresignClient(ctx context.Context) error {
	return nil
}

func (awsService *AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {
	return fmt.Sprintf("https://fakebucketurl.com/%s", fileName), nil
}

func (awsService *AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	if awsService.MockUrl != "" {
		return awsService.MockUrl, nil
	}
	return fmt.Sprintf("https://fakebucketurl.com/%s", fileKey), nil
}

func (awsService *AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	return url, 204, nil
}

func (awsService *AWSProviderMock) SaveBytes(ctx context.Context, bucketName, fileKey string, content []byte) error {
	awsService.mu.Lock()
	defer awsService.mu.Unlock()
	if awsService.Saved == nil {
		awsService.Saved = map[string][]byte{}
	}
	awsService.Saved[fileKey] = content
	return nil
}

func (awsService *AWSProviderMock) FileExists(ctx context.Context, bucketName, fileKey string) (bool, error) {
	awsService.mu.Lock()
	defer awsService.mu.Unlock()
	_, ok := awsService.Saved[fileKey]
	return ok, nil
}

func (awsService *AWSProviderMock) DeleteFolder(ctx context.Context, bucketName, prefix string) error {
	awsService.mu.Lock()
	defer awsService.mu.Unlock()
	awsService.DeletedPrefixes = append(awsService.DeletedPrefixes, prefix)
	for key := range awsService.Saved {
		if strings.HasPrefix(key, prefix) {
			delete(awsService.Saved, key)
		}
	}
	return nil
}

func (awsService *AWSProviderMock) SavedKeys() []string {
	awsService.mu.Lock()
	defer awsService.mu.Unlock()
	keys := make([]string, 0, len(awsService.Saved))
	for key := range awsService.Saved {
		keys = append(keys, key)
	}
	return keys
}

// URLCacheMock bypasses caching and returns deterministic links.
type URLCacheMock struct{}

func (m URLCacheMock) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", nil
	}
	return fmt.Sprintf("https://cdn.example.com/%s", objectKey), nil
}

// ImageGeneratorMock records every provider call and plays back scripted
// errors, one per GenerateOne call.
type ImageGeneratorMock struct {
	mu            sync.Mutex
	RewriteCalls  []string
	GenerateCalls []string
	Errs          []error
	Payload       []byte
}

func (m *ImageGeneratorMock) RewritePrompt(ctx context.Context, basePrompt string, index int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RewriteCalls = append(m.RewriteCalls, basePrompt)
	return fmt.Sprintf("%s (variant %d)", basePrompt, index), nil
}

func (m *ImageGeneratorMock) GenerateOne(ctx context.Context, prompt string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls = append(m.GenerateCalls, prompt)
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.Payload != nil {
		return m.Payload, nil
	}
	return []byte("fake-png-bytes"), nil
}

func (m *ImageGeneratorMock) GenerateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GenerateCalls)
}

// MeshGeneratorMock plays back a scripted sequence of remote job states,
// sticking on the last one once the script runs out.
type MeshGeneratorMock struct {
	mu          sync.Mutex
	JobID       string
	SubmitErr   error
	SubmitCalls []string
	States      []services.MeshJobState
	PollErrs    []error
	PollCalls   int
}

func (m *MeshGeneratorMock) Submit(ctx context.Context, imageURL string) (*services.MeshSubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls = append(m.SubmitCalls, imageURL)
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	jobID := m.JobID
	if jobID == "" {
		jobID = "mesh-job-1"
	}
	return &services.MeshSubmitResult{JobID: jobID, RequestID: "req-abc"}, nil
}

func (m *MeshGeneratorMock) PollStatus(ctx context.Context, jobID string) (*services.MeshJobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.PollCalls
	m.PollCalls++
	if call < len(m.PollErrs) && m.PollErrs[call] != nil {
		return nil, m.PollErrs[call]
	}
	if len(m.States) == 0 {
		return &services.MeshJobState{Status: services.MeshStatusWait}, nil
	}
	if call >= len(m.States) {
		state := m.States[len(m.States)-1]
		return &state, nil
	}
	state := m.States[call]
	return &state, nil
}
