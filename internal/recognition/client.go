package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/your-org/gatewatch/internal/config"
)

// Client talks to the external face recognition service: enrollment
// (detect + add to collection) for entry detections, exit matching for
// exit detections.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	http       *http.Client
}

func NewClient(cfg config.RecognitionConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
}

// Face is one detected face in an enrollment response.
type Face struct {
	FaceID string `json:"face_id"`
	Age    int    `json:"age"`
	Sex    string `json:"sex"`
}

type DetectResult struct {
	Faces []Face `json:"faces"`
}

// MatchResult is the exit-matching response. Success false means the call
// itself succeeded but the service found no correlated entry.
type MatchResult struct {
	Success    bool    `json:"success"`
	EntryID    string  `json:"entry_id"`
	Confidence float64 `json:"confidence"`
	Sex        string  `json:"sex"`
	Age        int     `json:"age"`
}

// ConfidencePercent converts the service's raw confidence to the canonical
// integer percentage: ceil(raw * 100). This is the single conversion rule
// used everywhere a threshold is applied.
func ConfidencePercent(raw float64) int {
	return int(math.Ceil(raw * 100))
}

// DetectFaces submits an image for face detection and enrollment attributes.
func (c *Client) DetectFaces(ctx context.Context, image []byte, filename string) (*DetectResult, error) {
	body, contentType, err := multipartImage("image", filename, image)
	if err != nil {
		return nil, err
	}

	var result DetectResult
	if err := c.post(ctx, "/api/v1/faces/detect", body, contentType, &result); err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	return &result, nil
}

// AddToCollection enrolls a detected face identifier into the shared face
// collection and returns the collection class reference.
func (c *Client) AddToCollection(ctx context.Context, faceID string) (string, error) {
	form := url.Values{"face_id": {faceID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/collections/"+url.PathEscape(c.collection)+"/faces",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	var result struct {
		ClassRef string `json:"class_ref"`
	}
	if err := c.do(req, &result); err != nil {
		return "", fmt.Errorf("add face to collection: %w", err)
	}
	return result.ClassRef, nil
}

// MatchExit submits a captured exit image from a local file and returns the
// service's match decision.
func (c *Client) MatchExit(ctx context.Context, imagePath string) (*MatchResult, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read match image: %w", err)
	}

	body, contentType, err := multipartImage("image", filepath.Base(imagePath), data)
	if err != nil {
		return nil, err
	}

	var result MatchResult
	if err := c.post(ctx, "/api/v1/faces/match", body, contentType, &result); err != nil {
		return nil, fmt.Errorf("match exit: %w", err)
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body *bytes.Buffer, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func multipartImage(field, filename string, data []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
