package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
)

// Connection wraps one pion PeerConnection as a core.MediaTransport.
type Connection struct {
	pc   *webrtc.PeerConnection
	peer domain.PeerID

	// gatherTimeout bounds the wait for ICE candidate gathering before an
	// SDP is handed back for transmission; trickle continues afterwards via
	// OnICECandidate.
	gatherTimeout time.Duration

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	onState   func(webrtc.ICEConnectionState)
	onTrack   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	closed    bool
	closeOnce sync.Once
}

func DefaultConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// New creates a peer connection that always requests to receive both audio
// and video, so an audio-only caller still receives others' video.
func New(cfg webrtc.Configuration, peer domain.PeerID, gatherTimeout time.Duration) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	c := &Connection{pc: pc, peer: peer, gatherTimeout: gatherTimeout}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return c, nil
}

// CreateOffer builds and applies a local offer, then waits briefly for
// candidate gathering before returning it.
func (c *Connection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.waitGather(gathered)
	return *c.pc.LocalDescription(), nil
}

// ApplyOfferCreateAnswer applies a remote offer and returns the local answer,
// again with a bounded candidate-gathering wait.
func (c *Connection) ApplyOfferCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.waitGather(gathered)
	return *c.pc.LocalDescription(), nil
}

func (c *Connection) waitGather(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(c.gatherTimeout):
		log.Debug().Str("module", "rtc").Str("peer", string(c.peer)).Msg("gather timeout, trickling remainder")
	}
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *Connection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peer)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Msg("closed")
		}
	})
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NewFactory returns the TransportFactory the registry uses for real
// connections.
func NewFactory(cfg webrtc.Configuration, gatherTimeout time.Duration) core.TransportFactory {
	return func(peer domain.PeerID) (core.MediaTransport, error) {
		return New(cfg, peer, gatherTimeout)
	}
}
