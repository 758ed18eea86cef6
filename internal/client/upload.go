package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatline/relay/internal/chat"
)

// Uploader stores a file with the external upload host and returns where it
// lives. The relay itself never sees file bytes.
type Uploader interface {
	Upload(ctx context.Context, fileName, contentType string, r io.Reader) (chat.Attachment, error)
}

// ErrUploadRejected is returned when the host answers without a file URL.
var ErrUploadRejected = errors.New("client: upload rejected")

// HTTPUploader posts multipart uploads to Endpoint/<resource>/upload, where
// resource is image, video or raw. The host answers with the stored URL and
// the resource type it settled on.
type HTTPUploader struct {
	Endpoint string
	Preset   string // optional unsigned upload preset
	Client   *http.Client
}

// ResourceType picks the host resource for a content type.
func ResourceType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "raw"
	}
}

// ContentType guesses a file's type from its extension.
func ContentType(fileName string) string {
	if ct := mime.TypeByExtension(filepath.Ext(fileName)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

type uploadResponse struct {
	SecureURL    string `json:"secure_url"`
	URL          string `json:"url"`
	ResourceType string `json:"resource_type"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (u *HTTPUploader) Upload(ctx context.Context, fileName, contentType string, r io.Reader) (chat.Attachment, error) {
	if contentType == "" {
		contentType = ContentType(fileName)
	}
	resource := ResourceType(contentType)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("client: upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return chat.Attachment{}, fmt.Errorf("client: read upload: %w", err)
	}
	if u.Preset != "" {
		if err := mw.WriteField("upload_preset", u.Preset); err != nil {
			return chat.Attachment{}, fmt.Errorf("client: upload form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return chat.Attachment{}, fmt.Errorf("client: upload form: %w", err)
	}

	endpoint := strings.TrimRight(u.Endpoint, "/") + "/" + resource + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("client: upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	hc := u.Client
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("client: upload: %w", err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return chat.Attachment{}, fmt.Errorf("client: upload response (%d): %w", resp.StatusCode, err)
	}
	fileURL := out.SecureURL
	if fileURL == "" {
		fileURL = out.URL
	}
	if resp.StatusCode >= 300 || fileURL == "" {
		msg := resp.Status
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return chat.Attachment{}, fmt.Errorf("%w: %s", ErrUploadRejected, msg)
	}

	kind := out.ResourceType
	if kind == "" {
		kind = resource
	}
	return chat.Attachment{URL: fileURL, Name: fileName, Kind: chat.ParseAttachmentKind(kind)}, nil
}
