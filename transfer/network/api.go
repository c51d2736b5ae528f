package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/sealdrop/sealdrop-go/transfer/network/partscheduler"
)

type beginRequest struct {
	DisplayName string `json:"display_name"`
	ContentType string `json:"content_type"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

type beginResponse struct {
	ID             string `json:"id"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	PartCount      int    `json:"part_count"`
}

type finalizePart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type finalizeRequest struct {
	Parts []finalizePart `json:"parts"`
}

type finalizeResponse struct {
	Handle string `json:"handle"`
}

type metadataResponse struct {
	DisplayName    string `json:"display_name"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	PartCount      int    `json:"part_count"`
	ExpiresAt      string `json:"expires_at"`
	DownloadURL    string `json:"download_url"`
}

// APIClient implements MultipartClient against the transfer service's JSON
// API. Transient transport errors are retried by the underlying retryable
// HTTP client.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// Begin ...
func (c *APIClient) Begin(ctx context.Context, params BeginParams) (Session, error) {
	url := fmt.Sprintf("%s/transfers", c.baseURL)

	body, err := json.Marshal(beginRequest{
		DisplayName: params.DisplayName,
		ContentType: params.ContentType,
		SizeInBytes: params.TotalSize,
	})
	if err != nil {
		return Session{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return Session{}, unwrapError(resp)
	}

	var response beginResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return Session{}, err
	}

	return Session{
		TransferID:     response.ID,
		PlainChunkSize: response.ChunkSizeBytes,
		TotalParts:     response.PartCount,
	}, nil
}

// UploadPart ...
func (c *APIClient) UploadPart(ctx context.Context, transferID string, partNumber int, body []byte) (string, error) {
	url := fmt.Sprintf("%s/transfers/%s/parts/%d", c.baseURL, transferID, partNumber)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/octet-stream")
	// Content-Length is set manually because retryablehttp doesn't do it
	// automatically.
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	req.ContentLength = int64(len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("no ETag in response for part %d", partNumber)
	}

	return etag, nil
}

// Finalize ...
func (c *APIClient) Finalize(ctx context.Context, transferID string, parts []partscheduler.Part) (string, error) {
	url := fmt.Sprintf("%s/transfers/%s/finalize", c.baseURL, transferID)

	requestParts := make([]finalizePart, 0, len(parts))
	for _, part := range parts {
		requestParts = append(requestParts, finalizePart{PartNumber: part.Number, ETag: part.ETag})
	}
	body, err := json.Marshal(finalizeRequest{Parts: requestParts})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response finalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	return response.Handle, nil
}

// Abort ...
func (c *APIClient) Abort(ctx context.Context, transferID string) error {
	url := fmt.Sprintf("%s/transfers/%s", c.baseURL, transferID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	// A session that was already finalized or never fully created comes
	// back as 404; abort stays safe to call in both states.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return unwrapError(resp)
	}
	return nil
}

// Metadata ...
func (c *APIClient) Metadata(ctx context.Context, transferID string) (Metadata, error) {
	url := fmt.Sprintf("%s/transfers/%s/meta", c.baseURL, transferID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return Metadata{}, ErrTransferNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, unwrapError(resp)
	}

	var response metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return Metadata{}, err
	}

	var expiresAt time.Time
	if response.ExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, response.ExpiresAt)
		if err != nil {
			return Metadata{}, fmt.Errorf("parse expires_at: %w", err)
		}
	}

	return Metadata{
		DisplayName:    response.DisplayName,
		PlainChunkSize: response.ChunkSizeBytes,
		TotalParts:     response.PartCount,
		ExpiresAt:      expiresAt,
		SourceURL:      response.DownloadURL,
	}, nil
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
