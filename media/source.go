package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	audioSampleInterval = 20 * time.Millisecond
	videoSampleInterval = 33 * time.Millisecond

	audioFrameSize = 960 // bytes per synthetic opus frame
	videoFrameSize = 4096
)

var (
	ErrNoTracks = errors.New("constraints request neither audio nor video")
	ErrAcquire  = errors.New("unable to acquire local media")
)

// Constraints mirrors the audio/video switches of a getUserMedia call.
type Constraints struct {
	Audio bool
	Video bool
}

// Kind discriminates the two track flavors a connection can carry.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is the local media stream. Its tracks are shared by reference
// across every peer connection: muting or replacing is done once here and
// observed by all connections simultaneously.
//
// Samples are synthetic. Real capture devices live behind the UI layer;
// the connection machinery only needs tracks that keep producing frames.
type Source struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	audio        *webrtc.TrackLocalStaticSample
	video        *webrtc.TrackLocalStaticSample
	audioEnabled bool
	videoEnabled bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire builds a local source per constraints and starts the sample
// generators. It is the media-acquisition boundary: callers treat a non-nil
// error as a fatal MediaAcquisitionError for the call attempt.
func Acquire(ctx context.Context, constraints Constraints, logger *zerolog.Logger) (*Source, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, errors.Join(ErrAcquire, ErrNoTracks)
	}

	src := &Source{
		logger:       logger.With().Str("component", "media-source").Logger(),
		audioEnabled: constraints.Audio,
		videoEnabled: constraints.Video,
		done:         make(chan struct{}),
	}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "meshcall")
		if err != nil {
			return nil, errors.Join(ErrAcquire, err)
		}
		src.audio = track
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "meshcall")
		if err != nil {
			return nil, errors.Join(ErrAcquire, err)
		}
		src.video = track
	}

	genCtx, cancel := context.WithCancel(ctx)
	src.cancel = cancel
	go src.generate(genCtx)

	src.logger.Debug().
		Bool("audio", constraints.Audio).
		Bool("video", constraints.Video).
		Msg("local media acquired")
	return src, nil
}

// Tracks returns the current local tracks keyed by kind.
func (s *Source) Tracks() map[Kind]webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Kind]webrtc.TrackLocal, 2)
	if s.audio != nil {
		out[KindAudio] = s.audio
	}
	if s.video != nil {
		out[KindVideo] = s.video
	}
	return out
}

// SetEnabled flips the mute flag for a kind. The track keeps flowing,
// disabled frames are just silence/black, so no renegotiation happens.
func (s *Source) SetEnabled(kind Kind, enabled bool) {
	s.mu.Lock()
	switch kind {
	case KindAudio:
		s.audioEnabled = enabled
	case KindVideo:
		s.videoEnabled = enabled
	}
	s.mu.Unlock()
	s.logger.Debug().Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
}

// Enabled reports the mute flag for a kind.
func (s *Source) Enabled(kind Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == KindAudio {
		return s.audioEnabled
	}
	return s.videoEnabled
}

// Replace swaps the track for a kind, used for device switching. The caller
// is responsible for swapping it into the active peer connections as well.
func (s *Source) Replace(kind Kind, track *webrtc.TrackLocalStaticSample) {
	s.mu.Lock()
	switch kind {
	case KindAudio:
		s.audio = track
	case KindVideo:
		s.video = track
	}
	s.mu.Unlock()
	s.logger.Debug().Str("kind", string(kind)).Msg("track replaced")
}

// Close stops the sample generators. After Close the tracks stop flowing.
func (s *Source) Close() {
	s.cancel()
	<-s.done
	s.logger.Debug().Msg("local media stopped")
}

func (s *Source) generate(ctx context.Context) {
	defer close(s.done)

	audioTicker := time.NewTicker(audioSampleInterval)
	videoTicker := time.NewTicker(videoSampleInterval)
	defer audioTicker.Stop()
	defer videoTicker.Stop()

	audioFrame := patternFrame(audioFrameSize)
	videoFrame := patternFrame(videoFrameSize)

GenLoop:
	for {
		select {
		case <-ctx.Done():
			break GenLoop
		case <-audioTicker.C:
			s.writeSample(KindAudio, audioFrame, audioSampleInterval)
		case <-videoTicker.C:
			s.writeSample(KindVideo, videoFrame, videoSampleInterval)
		}
	}
}

func (s *Source) writeSample(kind Kind, frame []byte, d time.Duration) {
	s.mu.RLock()
	track := s.audio
	enabled := s.audioEnabled
	if kind == KindVideo {
		track = s.video
		enabled = s.videoEnabled
	}
	s.mu.RUnlock()

	if track == nil {
		return
	}
	// A muted track still emits frames, just blank ones.
	data := frame
	if !enabled {
		data = make([]byte, len(frame))
	}
	if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: d}); err != nil {
		s.logger.Debug().Err(err).Str("kind", string(kind)).Msg("sample write failed")
	}
}

func patternFrame(size int) []byte {
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = byte(i)
	}
	return frame
}
