// Package rtcpeer runs call negotiations over pion/webrtc. Gathering is not
// trickled: each side sends exactly one SessionDescription with every
// candidate already in it.
package rtcpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/internal/call"
	"github.com/mossy-p/webrtc-calling/internal/logging"
)

var ErrPeerFailed = errors.New("peer connection failed")

// TrackProvider is implemented by LocalMedia that can hand pion tracks to a
// peer connection.
type TrackProvider interface {
	Tracks() []webrtc.TrackLocal
}

func DefaultConfig(stunURLs ...string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Factory creates one PeerConnection per negotiation.
type Factory struct {
	config webrtc.Configuration
	logger zerolog.Logger
}

func NewFactory(config webrtc.Configuration) *Factory {
	return &Factory{config: config, logger: logging.Module("rtcpeer")}
}

func (f *Factory) NewTransport(role call.Role, media call.LocalMedia, sink call.TransportSink) (call.Transport, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &Peer{
		pc:     pc,
		sink:   sink,
		logger: f.logger.With().Str("role", role.String()).Logger(),
	}

	if err := p.addMedia(media); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed && !p.closed.Load() {
			sink.Failed(ErrPeerFailed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if p.closed.Load() {
			return
		}
		sink.RemoteStream(call.Stream{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Track:    track,
		})
		go p.drain(track)
	})

	return p, nil
}

// Peer is a call.Transport backed by a pion PeerConnection.
type Peer struct {
	pc     *webrtc.PeerConnection
	sink   call.TransportSink
	logger zerolog.Logger
	closed atomic.Bool
}

// addMedia sends whatever local tracks exist and adds a recvonly transceiver
// for each kind that has none, so the peer's audio and video still arrive.
func (p *Peer) addMedia(media call.LocalMedia) error {
	sending := map[webrtc.RTPCodecType]bool{}
	if tp, ok := media.(TrackProvider); ok {
		for _, track := range tp.Tracks() {
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			sending[track.Kind()] = true
			go readRTCP(sender)
		}
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if sending[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *Peer) Offer(ctx context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return p.localDescription(ctx, offer)
}

func (p *Peer) Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return p.localDescription(ctx, answer)
}

func (p *Peer) Apply(answer json.RawMessage) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}

// localDescription sets desc and waits for ICE gathering to finish.
func (p *Peer) localDescription(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encode description: %w", err)
	}
	return raw, nil
}

// drain reads the remote track until it ends so its buffers never fill.
func (p *Peer) drain(track *webrtc.TrackRemote) {
	var packets int
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			p.logger.Debug().Str("track_id", track.ID()).Int("packets", packets).Msg("remote track ended")
			return
		}
		packets++
	}
}

// readRTCP services incoming RTCP for a sender; interceptors only run when it
// is read.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
