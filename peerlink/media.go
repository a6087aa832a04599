package peerlink

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"

	"careline/errors"
)

// Constraints mirrors the audio/video request made when a call starts.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia owns the local tracks for the lifetime of one Link. Release
// is called exactly once, during Link.Close; no other component may stop
// these tracks.
type LocalMedia struct {
	Tracks  []webrtc.TrackLocal
	release func()
}

func NewLocalMedia(tracks []webrtc.TrackLocal, release func()) *LocalMedia {
	return &LocalMedia{Tracks: tracks, release: release}
}

func (m *LocalMedia) Release() {
	if m == nil || m.release == nil {
		return
	}
	m.release()
	m.release = nil
}

// MediaProvider abstracts device media acquisition (the getUserMedia
// analogue). Implementations report denial or device absence through an
// error, which the Link converts into ErrMediaUnavailable.
type MediaProvider interface {
	Acquire(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// SampleProvider produces static sample tracks. It backs the console client
// and tests, where no capture hardware is involved.
type SampleProvider struct{}

func (SampleProvider) Acquire(_ context.Context, c Constraints) (*LocalMedia, error) {
	if !c.Audio && !c.Video {
		return NewLocalMedia(nil, nil), nil
	}
	var tracks []webrtc.TrackLocal
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "careline")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrMediaUnavailable, err)
		}
		tracks = append(tracks, audio)
	}
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "careline")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrMediaUnavailable, err)
		}
		tracks = append(tracks, video)
	}
	return NewLocalMedia(tracks, nil), nil
}
