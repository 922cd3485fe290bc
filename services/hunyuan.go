package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MeshJobStatus is the external 3D provider's own job vocabulary.
type MeshJobStatus string

const (
	MeshStatusWait MeshJobStatus = "WAIT"
	MeshStatusRun  MeshJobStatus = "RUN"
	MeshStatusDone MeshJobStatus = "DONE"
	MeshStatusFail MeshJobStatus = "FAIL"
)

// MeshResultFile is one entry of the provider's result manifest. The model
// file is located by its declared type, not by position.
type MeshResultFile struct {
	Type         string `json:"Type"`
	URL          string `json:"Url"`
	PreviewImage string `json:"PreviewImageUrl,omitempty"`
}

type MeshSubmitResult struct {
	JobID     string `json:"JobId"`
	RequestID string `json:"RequestId"`
}

type MeshJobState struct {
	Status       MeshJobStatus    `json:"Status"`
	ResultFiles  []MeshResultFile `json:"ResultFile3Ds,omitempty"`
	ErrorCode    *string          `json:"ErrorCode,omitempty"`
	ErrorMessage *string          `json:"ErrorMessage,omitempty"`
}

// MeshGenerator is the external image-to-3D provider collaborator.
type MeshGenerator interface {
	Submit(ctx context.Context, imageURL string) (*MeshSubmitResult, error)
	PollStatus(ctx context.Context, jobID string) (*MeshJobState, error)
}

// Hunyuan3DService talks to the hosted Hunyuan image-to-3D API.
type Hunyuan3DService struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHunyuan3DService() *Hunyuan3DService {
	return &Hunyuan3DService{
		BaseURL: GetEnv("HUNYUAN_API_URL", "https://hunyuan.tencentcloudapi.com/3d"),
		APIKey:  GetEnv("HUNYUAN_API_KEY", ""),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func classifyMeshHTTPStatus(statusCode int) ErrorKind {
	switch statusCode {
	case http.StatusBadRequest:
		return ErrKindBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrKindAuth
	case http.StatusPaymentRequired:
		return ErrKindInsufficientBalance
	case http.StatusTooManyRequests:
		return ErrKindRateLimited
	}
	return ErrKindTransient
}

func (s *Hunyuan3DService) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, body)
	if err != nil {
		return &ProviderError{Provider: "hunyuan3d", Kind: ErrKindTransient, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.APIKey))

	resp, err := s.Client.Do(req)
	if err != nil {
		return &ProviderError{Provider: "hunyuan3d", Kind: ErrKindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Provider: "hunyuan3d", Kind: ErrKindTransient, Message: "failed to read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		if strings.Contains(strings.ToLower(msg), "insufficient balance") {
			return &ProviderError{Provider: "hunyuan3d", Kind: ErrKindInsufficientBalance, StatusCode: resp.StatusCode, Message: msg}
		}
		return &ProviderError{Provider: "hunyuan3d", Kind: classifyMeshHTTPStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Provider: "hunyuan3d", Kind: ErrKindTransient, Message: fmt.Sprintf("invalid response json: %s", string(raw)), Err: err}
	}
	return nil
}

// Submit starts one image-to-3D job and returns the provider's job id.
func (s *Hunyuan3DService) Submit(ctx context.Context, imageURL string) (*MeshSubmitResult, error) {
	payload := map[string]any{
		"ImageUrl":     imageURL,
		"ResultFormat": "GLB",
		"EnablePBR":    true,
	}
	var result MeshSubmitResult
	if err := s.doRequest(ctx, http.MethodPost, "/jobs", payload, &result); err != nil {
		return nil, err
	}
	if result.JobID == "" {
		return nil, &ProviderError{Provider: "hunyuan3d", Kind: ErrKindTransient, Message: "submit response has no job id"}
	}
	fmt.Printf("[Hunyuan3D] Job submitted: %s (request %s)\n", result.JobID, result.RequestID)
	return &result, nil
}

// PollStatus reads the provider-side job state once.
func (s *Hunyuan3DService) PollStatus(ctx context.Context, jobID string) (*MeshJobState, error) {
	var state MeshJobState
	if err := s.doRequest(ctx, http.MethodGet, fmt.Sprintf("/jobs/%s", jobID), nil, &state); err != nil {
		return nil, err
	}
	if state.Status == "" {
		return nil, &ProviderError{Provider: "hunyuan3d", Kind: ErrKindTransient, Message: "status response has no status field"}
	}
	return &state, nil
}

// FindModelFile locates the manifest entry carrying the 3D binary in the
// requested format. The provider can report DONE with no usable file, which
// callers must treat as a fatal error.
func FindModelFile(files []MeshResultFile, format string) (*MeshResultFile, error) {
	for i := range files {
		if strings.EqualFold(files[i].Type, format) {
			return &files[i], nil
		}
	}
	return nil, fmt.Errorf("no %s entry in result manifest (%d files)", format, len(files))
}
