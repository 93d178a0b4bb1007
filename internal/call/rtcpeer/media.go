package rtcpeer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mossy-p/webrtc-calling/internal/call"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces local tracks without capture devices: an Opus
// track that sends silence and, when Video is set, an idle VP8 track. Headless
// clients use it to take part in calls.
type SyntheticSource struct {
	Video bool
}

func (s SyntheticSource) Acquire(ctx context.Context, c call.Constraints) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Video && !s.Video {
		return nil, fmt.Errorf("video: %w", call.ErrNoDevices)
	}
	if !c.Audio && !c.Video {
		return nil, call.ErrNoDevices
	}

	streamID := "synthetic-" + uuid.NewString()
	m := &Media{constraints: c, stop: make(chan struct{})}

	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		m.tracks = append(m.tracks, audio)
		m.wg.Add(1)
		go m.writeSilence(audio)
	}
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			m.Stop()
			return nil, fmt.Errorf("video track: %w", err)
		}
		m.tracks = append(m.tracks, video)
	}
	return m, nil
}

// Media is acquired local media exposing pion tracks.
type Media struct {
	constraints call.Constraints
	tracks      []webrtc.TrackLocal
	stop        chan struct{}
	once        sync.Once
	wg          sync.WaitGroup
}

func (m *Media) Constraints() call.Constraints { return m.constraints }

func (m *Media) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *Media) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Media) writeSilence(track *webrtc.TrackLocalStaticSample) {
	defer m.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// errors only mean nobody is bound yet
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}
