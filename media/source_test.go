package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Constraints(t *testing.T) {
	logger := zerolog.Nop()

	_, err := Acquire(context.Background(), Constraints{}, &logger)
	require.ErrorIs(t, err, ErrAcquire)

	src, err := Acquire(context.Background(), Constraints{Audio: true}, &logger)
	require.NoError(t, err)
	defer src.Close()

	tracks := src.Tracks()
	require.Len(t, tracks, 1)
	_, ok := tracks[KindAudio]
	assert.True(t, ok)
}

func TestSource_ToggleKeepsTrack(t *testing.T) {
	logger := zerolog.Nop()
	src, err := Acquire(context.Background(), Constraints{Audio: true, Video: true}, &logger)
	require.NoError(t, err)
	defer src.Close()

	require.True(t, src.Enabled(KindVideo))
	src.SetEnabled(KindVideo, false)
	assert.False(t, src.Enabled(KindVideo))
	assert.True(t, src.Enabled(KindAudio))

	// Muting never removes the track, it only blanks the frames.
	tracks := src.Tracks()
	assert.Len(t, tracks, 2)

	src.SetEnabled(KindVideo, true)
	assert.True(t, src.Enabled(KindVideo))
}

func TestSource_ReplaceSwapsByReference(t *testing.T) {
	logger := zerolog.Nop()
	src, err := Acquire(context.Background(), Constraints{Video: true}, &logger)
	require.NoError(t, err)
	defer src.Close()

	replacement, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "other-camera")
	require.NoError(t, err)

	src.Replace(KindVideo, replacement)
	tracks := src.Tracks()
	assert.Same(t, webrtc.TrackLocal(replacement), tracks[KindVideo])
}
