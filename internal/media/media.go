// Package media sniffs uploaded files and prices a batch from the length of
// its audio track.
package media

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"visionbatch/internal/domain"
)

// DefaultAudioDuration is assumed when the clip length cannot be read.
const DefaultAudioDuration = 30 * time.Second

// CreditWindow is the audio length covered by one credit.
const CreditWindow = 30 * time.Second

// Kind is the coarse category of an upload.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Detected holds the sniffed MIME type and its file extension.
type Detected struct {
	MIME      string
	Extension string
}

// Detect sniffs data and checks it against kind. Video containers are
// accepted as audio since the remote service extracts the sound track.
func Detect(data []byte, kind Kind) (Detected, error) {
	if len(data) == 0 {
		return Detected{}, fmt.Errorf("%w: empty %s upload", domain.ErrInvalidInput, kind)
	}
	m := mimetype.Detect(data)
	d := Detected{MIME: m.String(), Extension: m.Extension()}
	base := strings.SplitN(d.MIME, ";", 2)[0]
	switch kind {
	case KindImage:
		if strings.HasPrefix(base, "image/") {
			return d, nil
		}
	case KindAudio:
		if strings.HasPrefix(base, "audio/") || strings.HasPrefix(base, "video/") {
			return d, nil
		}
	}
	return d, fmt.Errorf("%w: %s is not a supported %s type", domain.ErrInvalidInput, base, kind)
}

// AudioDuration reads the clip length from WAV or MP3 data. ok is false when
// the format is unknown or unreadable and DefaultAudioDuration is returned.
func AudioDuration(data []byte) (d time.Duration, ok bool) {
	m := mimetype.Detect(data)
	switch {
	case m.Is("audio/wav"), m.Is("audio/x-wav"):
		if d, err := wavDuration(data); err == nil && d > 0 {
			return d, true
		}
	case m.Is("audio/mpeg"):
		if d, err := mp3Duration(data); err == nil && d > 0 {
			return d, true
		}
	}
	return DefaultAudioDuration, false
}

func wavDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("media: invalid wav file")
	}
	return dec.Duration()
}

func mp3Duration(data []byte) (time.Duration, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("media: decode mp3: %w", err)
	}
	rate := dec.SampleRate()
	length := dec.Length()
	if rate <= 0 || length <= 0 {
		return 0, fmt.Errorf("media: mp3 length unknown")
	}
	// Decoded output is 16-bit stereo: 4 bytes per sample frame.
	frames := length / 4
	return time.Duration(float64(frames) / float64(rate) * float64(time.Second)), nil
}

// CreditsPerUnit prices one generated video: 1 credit up to 30s of audio,
// then one credit per started 30s window.
func CreditsPerUnit(d time.Duration) int {
	if d <= CreditWindow {
		return 1
	}
	return int(math.Ceil(d.Seconds() / CreditWindow.Seconds()))
}
