package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatline/relay/internal/chat"
)

func TestResourceType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/png", "image"},
		{"video/mp4", "video"},
		{"application/pdf", "raw"},
		{"", "raw"},
	}
	for _, tt := range tests {
		if got := ResourceType(tt.contentType); got != tt.want {
			t.Errorf("ResourceType(%q): expected %s, got %s", tt.contentType, tt.want, got)
		}
	}
}

func TestHTTPUploader_Upload(t *testing.T) {
	var gotPath, gotPreset, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		gotBody = string(b)
		gotPreset = r.FormValue("upload_preset")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"secure_url":    "https://cdn.example/cat.png",
			"resource_type": "image",
		})
	}))
	defer srv.Close()

	up := &HTTPUploader{Endpoint: srv.URL + "/v1/demo", Preset: "unsigned"}
	att, err := up.Upload(context.Background(), "cat.png", "image/png", strings.NewReader("PNGDATA"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotPath != "/v1/demo/image/upload" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotPreset != "unsigned" || gotBody != "PNGDATA" {
		t.Errorf("unexpected form preset=%q body=%q", gotPreset, gotBody)
	}
	want := chat.Attachment{URL: "https://cdn.example/cat.png", Name: "cat.png", Kind: chat.KindImage}
	if att != want {
		t.Errorf("expected %+v, got %+v", want, att)
	}
}

func TestHTTPUploader_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Upload preset not found"}}`))
	}))
	defer srv.Close()

	up := &HTTPUploader{Endpoint: srv.URL}
	_, err := up.Upload(context.Background(), "notes.txt", "", strings.NewReader("x"))
	if !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "Upload preset not found") {
		t.Errorf("expected host message in error, got %v", err)
	}
}
