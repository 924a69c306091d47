package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"media-enricher/constant"
	"media-enricher/dto"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/process"
	"media-enricher/pkg/storage"
)

var ErrNoVideoStream = errors.New("no video stream")

type MetadataService interface {
	Process(ctx context.Context, event dto.UploadEvent) error
}

type metadataService struct {
	store     storage.BlobStore
	runner    ProcessRunner
	publisher broker.Publisher
	commands  MediaCommands
	timeout   time.Duration
}

func NewMetadataService(store storage.BlobStore, runner ProcessRunner, publisher broker.Publisher, commands MediaCommands, timeout time.Duration) MetadataService {
	return &metadataService{
		store:     store,
		runner:    runner,
		publisher: publisher,
		commands:  commands,
		timeout:   timeout,
	}
}

// ProbeOutput is the JSON document printed by the prober.
type ProbeOutput struct {
	Streams []ProbeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type ProbeStream struct {
	CodecType string `json:"codec_type"`
	Width     int32  `json:"width"`
	Height    int32  `json:"height"`
}

// ParseProbeOutput picks the first video stream and the container duration.
func ParseProbeOutput(raw []byte) (width, height int32, duration float64, err error) {
	var out ProbeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, 0, 0, fmt.Errorf("decode probe output: %w", err)
	}

	found := false
	for _, stream := range out.Streams {
		if stream.CodecType != "" && stream.CodecType != "video" {
			continue
		}
		if stream.Width <= 0 || stream.Height <= 0 {
			continue
		}
		width, height, found = stream.Width, stream.Height, true
		break
	}
	if !found {
		return 0, 0, 0, ErrNoVideoStream
	}

	duration, err = strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
	if err != nil || duration < 0 {
		return 0, 0, 0, fmt.Errorf("invalid duration %q", out.Format.Duration)
	}
	return width, height, duration, nil
}

func (s *metadataService) Process(ctx context.Context, event dto.UploadEvent) (err error) {
	ctx = zerolog.Ctx(ctx).With().Str("blob_name", event.BlobName).Str("video_id", event.VideoID.String()).Logger().WithContext(ctx)
	reason := "probe_failed"
	defer func() {
		acknowledgeNonRetryable(ctx, constant.GroupMetadataWorker, reason, &err)
	}()

	zerolog.Ctx(ctx).Info().Msg("probing metadata")
	src, err := s.store.Open(ctx, event.BlobName)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			reason = "source_missing"
			return errors.Join(ErrNonRetryable, err)
		}
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to download source")
		return err
	}
	defer src.Close()

	res, err := s.runner.Run(ctx, process.Spec{
		Binary:   s.commands.Prober,
		Args:     s.commands.ProbeArgs,
		Input:    src,
		InputExt: sourceExt(event),
		Timeout:  s.timeout,
	})
	if err != nil {
		if process.IsContentFailure(err) {
			return errors.Join(ErrNonRetryable, err)
		}
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to probe metadata")
		return err
	}

	width, height, duration, err := ParseProbeOutput(res.Stdout)
	if err != nil {
		reason = "parse_failed"
		if errors.Is(err, ErrNoVideoStream) {
			reason = "no_video_stream"
		}
		return errors.Join(ErrNonRetryable, err)
	}

	err = publish(ctx, s.publisher, constant.TopicEnrichment, event.BlobName, dto.MetadataExtractedEvent{
		VideoID:           event.VideoID,
		BlobName:          event.BlobName,
		Width:             width,
		Height:            height,
		DurationInSeconds: duration,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to publish metadata event")
		return err
	}

	zerolog.Ctx(ctx).Info().Int32("width", width).Int32("height", height).Float64("duration", duration).Msg("metadata extracted")
	return nil
}
