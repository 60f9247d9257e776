package collabkit

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

type PionSettings struct {
	// STUN/TURN urls. Empty uses the public Google STUN server.
	IceServers []webrtc.ICEServer
}

func DefaultPionSettings() *PionSettings {
	return &PionSettings{
		IceServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PionPeerConnector is the default PeerConnector, backed by pion.
type PionPeerConnector struct {
	settings *PionSettings
}

func NewPionPeerConnector(settings *PionSettings) *PionPeerConnector {
	if settings == nil {
		settings = DefaultPionSettings()
	}
	return &PionPeerConnector{
		settings: settings,
	}
}

func (self *PionPeerConnector) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: self.settings.IceServers,
	})
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{
		pc: pc,
	}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	stateLock sync.Mutex
	senders   []*webrtc.RTPSender
}

// AttachStream accepts a single webrtc.TrackLocal or a slice of them.
func (self *pionPeerConnection) AttachStream(stream any) error {
	tracks, err := localTracks(stream)
	if err != nil {
		return err
	}
	for _, track := range tracks {
		sender, err := self.pc.AddTrack(track)
		if err != nil {
			return err
		}
		self.stateLock.Lock()
		self.senders = append(self.senders, sender)
		self.stateLock.Unlock()
	}
	return nil
}

func (self *pionPeerConnection) ReplaceStream(stream any) error {
	tracks, err := localTracks(stream)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	senders := self.senders
	self.stateLock.Unlock()

	if len(tracks) != len(senders) {
		return fmt.Errorf("have %d senders, got %d tracks", len(senders), len(tracks))
	}
	for i, sender := range senders {
		if err := sender.ReplaceTrack(tracks[i]); err != nil {
			return err
		}
	}
	return nil
}

func localTracks(stream any) ([]webrtc.TrackLocal, error) {
	switch v := stream.(type) {
	case webrtc.TrackLocal:
		return []webrtc.TrackLocal{v}, nil
	case []webrtc.TrackLocal:
		return v, nil
	default:
		return nil, fmt.Errorf("stream must be a webrtc.TrackLocal or []webrtc.TrackLocal, got %T", stream)
	}
}

func (self *pionPeerConnection) CreateOffer() (string, error) {
	offer, err := self.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := self.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (self *pionPeerConnection) CreateAnswer(offerSdp string) (string, error) {
	err := self.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSdp,
	})
	if err != nil {
		return "", err
	}
	answer, err := self.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := self.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (self *pionPeerConnection) SetRemoteAnswer(answerSdp string) error {
	return self.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSdp,
	})
}

func (self *pionPeerConnection) AddIceCandidate(candidate string, sdpMid string, sdpMLineIndex *int) error {
	init := webrtc.ICECandidateInit{
		Candidate: candidate,
	}
	if sdpMid != "" {
		init.SDPMid = &sdpMid
	}
	if sdpMLineIndex != nil {
		index := uint16(*sdpMLineIndex)
		init.SDPMLineIndex = &index
	}
	return self.pc.AddICECandidate(init)
}

func (self *pionPeerConnection) CreateDataChannel(label string, ordered bool) (DataChannel, error) {
	dc, err := self.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{
		dc: dc,
	}, nil
}

func (self *pionPeerConnection) OnDataChannel(callback func(dc DataChannel)) {
	self.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		callback(&pionDataChannel{
			dc: dc,
		})
	})
}

func (self *pionPeerConnection) OnIceCandidate(callback func(candidate string, sdpMid string, sdpMLineIndex *int)) {
	self.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// end of gathering
			return
		}
		init := candidate.ToJSON()
		sdpMid := ""
		if init.SDPMid != nil {
			sdpMid = *init.SDPMid
		}
		var index *int
		if init.SDPMLineIndex != nil {
			value := int(*init.SDPMLineIndex)
			index = &value
		}
		callback(init.Candidate, sdpMid, index)
	})
}

// OnRemoteStream fires once per incoming track with the
// *webrtc.TrackRemote as the opaque stream.
func (self *pionPeerConnection) OnRemoteStream(callback func(stream any)) {
	self.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		callback(track)
	})
}

func (self *pionPeerConnection) Close() error {
	return self.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (self *pionDataChannel) Send(data []byte) error {
	return self.dc.Send(data)
}

func (self *pionDataChannel) OnMessage(callback func(data []byte)) {
	self.dc.OnMessage(func(message webrtc.DataChannelMessage) {
		callback(message.Data)
	})
}

func (self *pionDataChannel) Close() error {
	return self.dc.Close()
}
