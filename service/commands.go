package service

import (
	"fmt"
	"strconv"
	"time"
)

const (
	ArgStyleFFmpeg  = "ffmpeg"
	ArgStyleGeneric = "generic"
)

// MediaCommands builds argument lists for the frame extractor and the prober.
// The ffmpeg style targets ffmpeg/ffprobe; the generic style targets tools
// exposing --seek/--input/--output flags.
type MediaCommands struct {
	Style     string
	Extractor string
	Prober    string
	Seek      time.Duration
	Quality   int
}

func (c MediaCommands) ExtractArgs(input, output string) []string {
	seek := FormatSeek(c.Seek)
	quality := strconv.Itoa(c.Quality)
	if c.Style == ArgStyleGeneric {
		return []string{"--seek", seek, "--input", input, "--frames", "1", "--quality", quality, "--output", output}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", seek,
		"-i", input,
		"-frames:v", "1",
		"-q:v", quality,
		"-y", output,
	}
}

func (c MediaCommands) ProbeArgs(input, _ string) []string {
	if c.Style == ArgStyleGeneric {
		return []string{"--select", "video-stream", "--fields", "width,height,duration", "--format", "json", "--input", input}
	}
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,codec_type:format=duration",
		"-of", "json",
		input,
	}
}

// FormatSeek renders d as HH:MM:SS.mmm.
func FormatSeek(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}
