package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"media-enricher/constant"
	"media-enricher/dto"
	"media-enricher/pkg/metrics"
	"media-enricher/pkg/process"
)

func uploadEvent(blobName string) dto.UploadEvent {
	return dto.UploadEvent{
		VideoID:     uuid.New(),
		BlobName:    blobName,
		Title:       "clip",
		FileName:    "clip.mp4",
		ContentType: "video/mp4",
		OwnerID:     "owner-1",
		SizeInBytes: 4,
		UploadedAt:  time.Now().UTC(),
	}
}

func testCommands() MediaCommands {
	return MediaCommands{
		Style:     ArgStyleFFmpeg,
		Extractor: "ffmpeg",
		Prober:    "ffprobe",
		Seek:      constant.DefaultSeekOffset,
		Quality:   constant.DefaultThumbnailQuality,
	}
}

func TestThumbnailBlobName(t *testing.T) {
	tests := map[string]string{
		"videos/clip.mp4":      "thumbnails/clip_thumb.jpg",
		"clip.mov":             "thumbnails/clip_thumb.jpg",
		"a/b/holiday.2024.mkv": "thumbnails/holiday.2024_thumb.jpg",
		"uploads/no-extension": "thumbnails/no-extension_thumb.jpg",
	}
	for in, want := range tests {
		if got := ThumbnailBlobName(in); got != want {
			t.Errorf("ThumbnailBlobName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestThumbnailService_Process(t *testing.T) {
	store := newFakeStore()
	store.blobs["videos/clip.mp4"] = storedBlob{data: []byte("mp4!")}
	runner := &fakeRunner{dir: t.TempDir(), output: testJPEG()}
	pub := &fakePublisher{}
	svc := NewThumbnailService(store, runner, pub, testCommands(), time.Minute)

	if err := svc.Process(context.Background(), uploadEvent("videos/clip.mp4")); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if string(runner.input) != "mp4!" {
		t.Errorf("runner input = %q", runner.input)
	}
	args := strings.Join(runner.args[0], " ")
	if !strings.Contains(args, "-ss 00:00:05.000") || !strings.Contains(args, "-frames:v 1") || !strings.Contains(args, "-q:v 2") {
		t.Errorf("extract args = %q", args)
	}

	thumb, ok := store.blobs["thumbnails/clip_thumb.jpg"]
	if !ok {
		t.Fatal("thumbnail not stored")
	}
	if thumb.contentType != "image/jpeg" {
		t.Errorf("content type = %q", thumb.contentType)
	}
	if _, err := jpeg.Decode(bytes.NewReader(thumb.data)); err != nil {
		t.Errorf("stored thumbnail is not a decodable JPEG: %v", err)
	}

	if len(pub.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.sent))
	}
	sent := pub.sent[0]
	if sent.topic != constant.TopicEnrichment || sent.msg.Type != constant.MessageTypeThumbnailGenerated.String() {
		t.Errorf("published %s/%s", sent.topic, sent.msg.Type)
	}
	var event dto.ThumbnailGeneratedEvent
	if err := json.Unmarshal(sent.msg.Body, &event); err != nil {
		t.Fatalf("decode published event: %v", err)
	}
	if event.VideoBlobName != "videos/clip.mp4" || event.ThumbnailBlobName != "thumbnails/clip_thumb.jpg" {
		t.Errorf("event = %+v", event)
	}
}

func TestThumbnailService_ProcessIsRepeatable(t *testing.T) {
	store := newFakeStore()
	store.blobs["videos/clip.mp4"] = storedBlob{data: []byte("mp4!")}
	runner := &fakeRunner{dir: t.TempDir(), output: testJPEG()}
	pub := &fakePublisher{}
	svc := NewThumbnailService(store, runner, pub, testCommands(), time.Minute)

	event := uploadEvent("videos/clip.mp4")
	for i := 0; i < 2; i++ {
		if err := svc.Process(context.Background(), event); err != nil {
			t.Fatalf("Process() #%d error: %v", i, err)
		}
	}
	if len(store.blobs) != 2 {
		t.Errorf("store has %d blobs, want source and one thumbnail", len(store.blobs))
	}
	if pub.sent[0].msg.Body == nil || string(pub.sent[0].msg.Body) != string(pub.sent[1].msg.Body) {
		t.Error("redelivery published a different event")
	}
}

func TestThumbnailService_Failures(t *testing.T) {
	tests := []struct {
		name       string
		sourceMiss bool
		openErr    error
		runErr     error
		putErr     error
		pubErr     error
		wantErr    bool
		reason     string
	}{
		{name: "source shorter than seek offset", runErr: &process.ExitError{Binary: "ffmpeg", ExitCode: 1, Stderr: "seek beyond end"}, reason: "extraction_failed"},
		{name: "extractor wrote nothing", runErr: fmt.Errorf("%w: ffmpeg", process.ErrOutputMissing), reason: "extraction_failed"},
		{name: "source blob missing", sourceMiss: true, reason: "source_missing"},
		{name: "storage unavailable", openErr: errTransient, wantErr: true},
		{name: "binary missing", runErr: fmt.Errorf("%w: ffmpeg", process.ErrBinaryNotFound), wantErr: true},
		{name: "canceled", runErr: context.Canceled, wantErr: true},
		{name: "upload failed", putErr: errTransient, wantErr: true},
		{name: "publish failed", pubErr: errTransient, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if !tt.sourceMiss {
				store.blobs["videos/short.mp4"] = storedBlob{data: []byte("mp4!")}
			}
			store.openErr = tt.openErr
			store.putErr = tt.putErr
			runner := &fakeRunner{dir: t.TempDir(), output: testJPEG(), err: tt.runErr}
			pub := &fakePublisher{err: tt.pubErr}
			svc := NewThumbnailService(store, runner, pub, testCommands(), time.Minute)

			var before float64
			if tt.reason != "" {
				before = testutil.ToFloat64(metrics.EnrichmentSkipped.WithLabelValues(constant.GroupThumbnailWorker, tt.reason))
			}

			err := svc.Process(context.Background(), uploadEvent("videos/short.mp4"))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(err, ErrNonRetryable) {
					t.Error("transient failure classified as non-retryable")
				}
				return
			}
			if err != nil {
				t.Fatalf("Process() error = %v, want nil", err)
			}
			if len(pub.sent) != 0 {
				t.Errorf("published %d messages, want none", len(pub.sent))
			}
			after := testutil.ToFloat64(metrics.EnrichmentSkipped.WithLabelValues(constant.GroupThumbnailWorker, tt.reason))
			if after-before != 1 {
				t.Errorf("skipped counter delta = %v, want 1", after-before)
			}
		})
	}
}

func TestMediaCommands_GenericStyle(t *testing.T) {
	c := MediaCommands{Style: ArgStyleGeneric, Seek: 1500 * time.Millisecond, Quality: 3}

	extract := strings.Join(c.ExtractArgs("in.mp4", "out.jpg"), " ")
	if extract != "--seek 00:00:01.500 --input in.mp4 --frames 1 --quality 3 --output out.jpg" {
		t.Errorf("ExtractArgs() = %q", extract)
	}
	probe := strings.Join(c.ProbeArgs("in.mp4", ""), " ")
	if probe != "--select video-stream --fields width,height,duration --format json --input in.mp4" {
		t.Errorf("ProbeArgs() = %q", probe)
	}
}

func TestFormatSeek(t *testing.T) {
	tests := map[time.Duration]string{
		0:                                      "00:00:00.000",
		5 * time.Second:                        "00:00:05.000",
		90*time.Minute + 1234*time.Millisecond: "01:30:01.234",
		-time.Second:                           "00:00:00.000",
	}
	for in, want := range tests {
		if got := FormatSeek(in); got != want {
			t.Errorf("FormatSeek(%v) = %q, want %q", in, got, want)
		}
	}
}
