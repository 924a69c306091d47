package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"media-enricher/config"
)

type signingStore struct {
	name   string
	expiry time.Duration
}

func (s *signingStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, nil
}

func (s *signingStore) Exists(context.Context, string) (bool, error) {
	return true, nil
}

func (s *signingStore) PutFile(context.Context, string, string, string) error {
	return nil
}

func (s *signingStore) PresignedURL(_ context.Context, name string, expiry time.Duration) (string, error) {
	s.name, s.expiry = name, expiry
	return "https://blobs.test/" + name + "?sig=abc", nil
}

func TestBlobURL(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantBlob   string
		wantExpiry time.Duration
	}{
		{name: "video", args: []string{"blob-url", "videos/clip.mp4"}, wantBlob: "videos/clip.mp4", wantExpiry: 15 * time.Minute},
		{name: "thumbnail", args: []string{"blob-url", "--thumbnail", "videos/clip.mp4"}, wantBlob: "thumbnails/clip_thumb.jpg", wantExpiry: 15 * time.Minute},
		{name: "custom expiry", args: []string{"blob-url", "--expiry", "1h", "videos/clip.mp4"}, wantBlob: "videos/clip.mp4", wantExpiry: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &signingStore{}
			cfg := &config.Config{Storage: store, Media: config.Media{URLExpiry: 15 * time.Minute}}
			root := Root(cfg)
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetArgs(tt.args)

			if err := root.Execute(); err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if store.name != tt.wantBlob || store.expiry != tt.wantExpiry {
				t.Errorf("signed %s for %v, want %s for %v", store.name, store.expiry, tt.wantBlob, tt.wantExpiry)
			}
			if got := strings.TrimSpace(out.String()); got != "https://blobs.test/"+tt.wantBlob+"?sig=abc" {
				t.Errorf("output = %q", got)
			}
		})
	}
}

func TestWorker_RejectsUnknownRole(t *testing.T) {
	root := Root(&config.Config{})
	root.SetArgs([]string{"worker", "transcoder"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("Execute() error = %v, want unknown role", err)
	}
}

func TestIngest_RequiresFlags(t *testing.T) {
	root := Root(&config.Config{})
	root.SetArgs([]string{"ingest", "--title", "clip"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	if err := root.Execute(); err == nil {
		t.Fatal("Execute() succeeded without --blob and --owner")
	}
}
