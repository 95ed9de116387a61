package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// StatusError is a non-2xx answer from the OCR service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("document ai returned %d: %s", e.Code, e.Body)
}

// DocumentAI calls the Document AI processors:process REST method.
type DocumentAI struct {
	httpClient *http.Client
	endpoint   string
	processor  string
}

// NewGoogleHTTPClient returns an HTTP client authorised with the application
// default credentials.
func NewGoogleHTTPClient(ctx context.Context) (*http.Client, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("loading google credentials: %w", err)
	}
	return oauth2.NewClient(ctx, ts), nil
}

// NewDocumentAI builds a client for the processor named in cfg. httpClient
// must already carry credentials. An empty cfg.Endpoint selects the regional
// Google endpoint.
func NewDocumentAI(cfg config.OCRConfig, httpClient *http.Client) *DocumentAI {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-documentai.googleapis.com", cfg.Location)
	}
	if cfg.Timeout > 0 {
		c := *httpClient
		c.Timeout = cfg.Timeout
		httpClient = &c
	}
	return &DocumentAI{
		httpClient: httpClient,
		endpoint:   endpoint,
		processor:  cfg.ProcessorName(),
	}
}

type processRequest struct {
	RawDocument rawDocument `json:"rawDocument"`
}

type rawDocument struct {
	Content  string `json:"content"`
	MIMEType string `json:"mimeType"`
}

type processResponse struct {
	Document struct {
		Text string `json:"text"`
	} `json:"document"`
}

// Recognize returns the text Document AI extracts from image. An image with
// no text yields an empty string and no error.
func (d *DocumentAI) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	body, err := json.Marshal(processRequest{RawDocument: rawDocument{
		Content:  base64.StdEncoding.EncodeToString(image),
		MIMEType: mimeType,
	}})
	if err != nil {
		return "", fmt.Errorf("encoding process request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s:process", d.endpoint, d.processor)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling document ai: %w: %w", apperrors.ErrCapabilityUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding process response: %w", err)
	}
	return out.Document.Text, nil
}
