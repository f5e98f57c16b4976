// Package rtc wraps pion/webrtc/v4 behind the narrow peer connection and
// data channel surface spec'd in §6 ("External interfaces"), so the
// signaling state machine in internal/peerstate depends on the
// PeerConnection/DataChannel interfaces below rather than on concrete
// pion objects. The interfaces still carry pion value types (session
// descriptions, ICE candidates, connection states), which peerstate
// imports directly. Grounded on the teacher's internal/voice/engine.go, which
// wraps the same library for its own (audio-mixing) purposes.
package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of the WebRTC peer connection API the
// signaling state machine needs.
type PeerConnection interface {
	CreateDataChannel(label string, ordered bool) (DataChannel, error)
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	GetStats() webrtc.StatsReport
	Close() error

	// AddTrack, GetSenders, and RemoveTrack back the audio-routing mode
	// switch of spec §4.7: attaching the local microphone track in
	// broadcast mode, or to a single target peer in exclusive mode.
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	GetSenders() []*webrtc.RTPSender
	RemoveTrack(sender *webrtc.RTPSender) error

	OnICECandidate(func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnDataChannel(func(DataChannel))

	// OnTrack surfaces inbound remote media tracks, backing the
	// remoteStream event of the facade once a peer's audio starts
	// flowing.
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
}

// pionPeerConnection is the concrete implementation backed by a real
// *webrtc.PeerConnection.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

// NewPeerConnection constructs a peer connection configured with the
// given ICE servers.
func NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}
	return &pionPeerConnection{pc: pc}, nil
}

func (p *pionPeerConnection) CreateDataChannel(label string, ordered bool) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("rtc: create data channel %q: %w", label, err)
	}
	return wrapDataChannel(dc), nil
}

func (p *pionPeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *pionPeerConnection) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("rtc: add track: %w", err)
	}
	return sender, nil
}

func (p *pionPeerConnection) GetSenders() []*webrtc.RTPSender {
	return p.pc.GetSenders()
}

func (p *pionPeerConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	if err := p.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("rtc: remove track: %w", err)
	}
	return nil
}

func (p *pionPeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *pionPeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(wrapDataChannel(dc))
	})
}

func (p *pionPeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}
