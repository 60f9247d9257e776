package collabkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ScreenShareRole string

const (
	ScreenShareRoleIdle   ScreenShareRole = "idle"
	ScreenShareRoleSharer ScreenShareRole = "sharer"
	ScreenShareRoleViewer ScreenShareRole = "viewer"
)

var ErrNotSharing = errors.New("not sharing")
var ErrAlreadySharing = errors.New("already sharing")

// DataChannel is the ordered annotations channel between two peers.
type DataChannel interface {
	Send(data []byte) error
	OnMessage(callback func(data []byte))
	Close() error
}

// PeerConnection abstracts one WebRTC peer handle. Media payloads are
// opaque to the coordinator; only signaling and the data channel are
// touched here.
type PeerConnection interface {
	// AttachStream adds the local media before the offer is created.
	AttachStream(stream any) error
	// ReplaceStream swaps the outgoing media without renegotiating.
	ReplaceStream(stream any) error
	CreateOffer() (string, error)
	// CreateAnswer applies the remote offer and produces the answer.
	CreateAnswer(offerSdp string) (string, error)
	// SetRemoteAnswer applies the answer on the offering side.
	SetRemoteAnswer(answerSdp string) error
	AddIceCandidate(candidate string, sdpMid string, sdpMLineIndex *int) error
	CreateDataChannel(label string, ordered bool) (DataChannel, error)
	OnDataChannel(callback func(dc DataChannel))
	OnIceCandidate(callback func(candidate string, sdpMid string, sdpMLineIndex *int))
	OnRemoteStream(callback func(stream any))
	Close() error
}

// PeerConnector creates peer connections. The default implementation
// is PionPeerConnector.
type PeerConnector interface {
	NewPeerConnection() (PeerConnection, error)
}

const annotationsChannelLabel = "annotations"

const (
	packetKindAnnotation       = "annotation"
	packetKindCursor           = "cursor"
	packetKindClearAnnotations = "clear_annotations"
)

// AnnotationPoint is normalized to the shared viewport; both
// coordinates are in [0, 1].
type AnnotationPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Annotation struct {
	Id        string            `json:"id"`
	AuthorId  string            `json:"author_id"`
	Color     string            `json:"color"`
	Points    []AnnotationPoint `json:"points"`
	Timestamp float64           `json:"timestamp"`
}

type annotationPacket struct {
	Kind       string           `json:"kind"`
	Annotation *Annotation      `json:"annotation,omitempty"`
	Cursor     *AnnotationPoint `json:"cursor,omitempty"`
	UserId     string           `json:"user_id,omitempty"`
}

type sharePeer struct {
	userId      string
	conn        PeerConnection
	annotations DataChannel
	// remote description applied; ICE can flow
	remoteSet  bool
	pendingIce []*RtcIceCandidateMessage
	// viewer side only
	remoteStream any
}

type ScreenShareSettings struct {
	// host hook that acquires the local media stream
	AcquireMedia func(ctx context.Context) (any, error)
}

// ScreenShare coordinates screen sharing for one room over the
// client's socket: role state machine, per-peer connections, ICE
// buffering, the annotations channel, and remote-control grants.
type ScreenShare struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    *Client
	roomId    string
	connector PeerConnector
	settings  *ScreenShareSettings

	unsubscribe func()

	stateLock    sync.Mutex
	role         ScreenShareRole
	sharerUserId string
	shareName    string
	localStream  any
	peers        map[string]*sharePeer
	// sharer side: viewers awaiting a control decision
	pendingControl map[string]bool
	// sharer side: the single viewer granted control
	controlGrantedTo string
	// viewer side: whether we currently hold control
	hasControl bool

	roleCallbacks           CallbackList[func(role ScreenShareRole)]
	remoteStreamCallbacks   CallbackList[func(userId string, stream any)]
	annotationCallbacks     CallbackList[func(fromUserId string, annotation *Annotation)]
	cursorCallbacks         CallbackList[func(fromUserId string, point *AnnotationPoint)]
	clearCallbacks          CallbackList[func(fromUserId string)]
	controlRequestCallbacks CallbackList[func(fromUserId string)]
	controlChangeCallbacks  CallbackList[func(granted bool)]
}

func NewScreenShare(ctx context.Context, client *Client, roomId string, connector PeerConnector, settings *ScreenShareSettings) *ScreenShare {
	cancelCtx, cancel := context.WithCancel(ctx)
	share := &ScreenShare{
		ctx:            cancelCtx,
		cancel:         cancel,
		client:         client,
		roomId:         roomId,
		connector:      connector,
		settings:       settings,
		role:           ScreenShareRoleIdle,
		peers:          map[string]*sharePeer{},
		pendingControl: map[string]bool{},
	}
	share.unsubscribe = client.AddMessageCallback(share.handleMessage)
	return share
}

func (self *ScreenShare) Close() {
	self.unsubscribe()
	self.cancel()
	self.teardownAllPeers()
}

func (self *ScreenShare) Role() ScreenShareRole {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.role
}

func (self *ScreenShare) SharerUserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sharerUserId
}

func (self *ScreenShare) HasControl() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.hasControl
}

func (self *ScreenShare) PendingControlRequests() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	userIds := maps.Keys(self.pendingControl)
	slices.Sort(userIds)
	return userIds
}

func (self *ScreenShare) ControlGrantedTo() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.controlGrantedTo
}

func (self *ScreenShare) AddRoleCallback(callback func(role ScreenShareRole)) func() {
	return self.roleCallbacks.Add(callback)
}

func (self *ScreenShare) AddRemoteStreamCallback(callback func(userId string, stream any)) func() {
	return self.remoteStreamCallbacks.Add(callback)
}

func (self *ScreenShare) AddAnnotationCallback(callback func(fromUserId string, annotation *Annotation)) func() {
	return self.annotationCallbacks.Add(callback)
}

func (self *ScreenShare) AddCursorCallback(callback func(fromUserId string, point *AnnotationPoint)) func() {
	return self.cursorCallbacks.Add(callback)
}

func (self *ScreenShare) AddClearAnnotationsCallback(callback func(fromUserId string)) func() {
	return self.clearCallbacks.Add(callback)
}

func (self *ScreenShare) AddControlRequestCallback(callback func(fromUserId string)) func() {
	return self.controlRequestCallbacks.Add(callback)
}

func (self *ScreenShare) AddControlChangeCallback(callback func(granted bool)) func() {
	return self.controlChangeCallbacks.Add(callback)
}

func (self *ScreenShare) setRole(role ScreenShareRole) {
	self.stateLock.Lock()
	changed := self.role != role
	self.role = role
	self.stateLock.Unlock()

	if changed {
		for _, callback := range self.roleCallbacks.Get() {
			callback := callback
			safeCall("role", func() {
				callback(role)
			})
		}
	}
}

// StartSharing acquires media from the host and announces the share.
// Offer creation waits for the broker's screenshare_started echo. An
// active sharer swaps the outgoing track on every peer instead.
func (self *ScreenShare) StartSharing(ctx context.Context, shareName string) error {
	self.stateLock.Lock()
	alreadySharing := self.role == ScreenShareRoleSharer
	peers := maps.Values(self.peers)
	self.stateLock.Unlock()

	stream, err := self.settings.AcquireMedia(ctx)
	if err != nil {
		return err
	}

	if alreadySharing {
		// track replacement, no renegotiation or teardown
		self.stateLock.Lock()
		self.localStream = stream
		self.stateLock.Unlock()
		for _, peer := range peers {
			if err := peer.conn.ReplaceStream(stream); err != nil {
				glog.Infof("[share %s]replace stream for %s error = %v\n", self.roomId, peer.userId, err)
			}
		}
		return nil
	}

	self.stateLock.Lock()
	self.localStream = stream
	self.shareName = shareName
	self.stateLock.Unlock()

	return self.client.sendMessage(&ScreenShareStartMessage{
		RoomId:    self.roomId,
		ShareName: shareName,
	})
}

func (self *ScreenShare) StopSharing() error {
	self.stateLock.Lock()
	sharing := self.role == ScreenShareRoleSharer
	self.stateLock.Unlock()

	if !sharing {
		return ErrNotSharing
	}

	err := self.client.sendMessage(&ScreenShareStopMessage{
		RoomId: self.roomId,
	})
	self.resetToIdle()
	return err
}

func (self *ScreenShare) resetToIdle() {
	self.teardownAllPeers()

	self.stateLock.Lock()
	self.sharerUserId = ""
	self.localStream = nil
	self.pendingControl = map[string]bool{}
	self.controlGrantedTo = ""
	hadControl := self.hasControl
	self.hasControl = false
	self.stateLock.Unlock()

	if hadControl {
		for _, callback := range self.controlChangeCallbacks.Get() {
			callback := callback
			safeCall("control", func() {
				callback(false)
			})
		}
	}
	self.setRole(ScreenShareRoleIdle)
}

func (self *ScreenShare) teardownAllPeers() {
	self.stateLock.Lock()
	peers := maps.Values(self.peers)
	self.peers = map[string]*sharePeer{}
	self.stateLock.Unlock()

	for _, peer := range peers {
		peer.conn.Close()
	}
}

func (self *ScreenShare) teardownPeer(userId string) {
	self.stateLock.Lock()
	peer := self.peers[userId]
	delete(self.peers, userId)
	delete(self.pendingControl, userId)
	if self.controlGrantedTo == userId {
		self.controlGrantedTo = ""
	}
	self.stateLock.Unlock()

	if peer != nil {
		peer.conn.Close()
	}
}

// RequestControl asks the sharer for remote control.
func (self *ScreenShare) RequestControl() error {
	self.stateLock.Lock()
	sharerUserId := self.sharerUserId
	viewer := self.role == ScreenShareRoleViewer
	self.stateLock.Unlock()

	if !viewer || sharerUserId == "" {
		return ErrNotSharing
	}
	return self.client.sendMessage(&RemoteControlRequestMessage{
		RoomId:       self.roomId,
		TargetUserId: sharerUserId,
	})
}

// RespondControl grants or denies a viewer's pending request. At most
// one viewer holds control; granting revokes any previous grant.
func (self *ScreenShare) RespondControl(userId string, granted bool) error {
	self.stateLock.Lock()
	delete(self.pendingControl, userId)
	previous := ""
	if granted {
		if self.controlGrantedTo != "" && self.controlGrantedTo != userId {
			previous = self.controlGrantedTo
		}
		self.controlGrantedTo = userId
	}
	self.stateLock.Unlock()

	if previous != "" {
		err := self.client.sendMessage(&RemoteControlResponseMessage{
			RoomId:       self.roomId,
			TargetUserId: previous,
			Granted:      false,
		})
		if err != nil {
			return err
		}
	}
	return self.client.sendMessage(&RemoteControlResponseMessage{
		RoomId:       self.roomId,
		TargetUserId: userId,
		Granted:      granted,
	})
}

// RevokeControl withdraws the current grant.
func (self *ScreenShare) RevokeControl() error {
	self.stateLock.Lock()
	granted := self.controlGrantedTo
	self.controlGrantedTo = ""
	self.stateLock.Unlock()

	if granted == "" {
		return nil
	}
	return self.client.sendMessage(&RemoteControlResponseMessage{
		RoomId:       self.roomId,
		TargetUserId: granted,
		Granted:      false,
	})
}

// SendAnnotation draws on every connected peer's channel.
func (self *ScreenShare) SendAnnotation(color string, points []AnnotationPoint) (*Annotation, error) {
	annotation := &Annotation{
		Id:        NewId().String(),
		AuthorId:  self.client.UserId(),
		Color:     color,
		Points:    points,
		Timestamp: nowSeconds(),
	}
	err := self.sendPacket(&annotationPacket{
		Kind:       packetKindAnnotation,
		Annotation: annotation,
		UserId:     annotation.AuthorId,
	})
	if err != nil {
		return nil, err
	}
	return annotation, nil
}

func (self *ScreenShare) SendCursor(point AnnotationPoint) error {
	return self.sendPacket(&annotationPacket{
		Kind:   packetKindCursor,
		Cursor: &point,
		UserId: self.client.UserId(),
	})
}

func (self *ScreenShare) ClearAnnotations() error {
	return self.sendPacket(&annotationPacket{
		Kind:   packetKindClearAnnotations,
		UserId: self.client.UserId(),
	})
}

func (self *ScreenShare) sendPacket(packet *annotationPacket) error {
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	peers := maps.Values(self.peers)
	self.stateLock.Unlock()

	sent := 0
	for _, peer := range peers {
		if peer.annotations == nil {
			continue
		}
		if err := peer.annotations.Send(data); err != nil {
			glog.V(2).Infof("[share %s]packet to %s error = %v\n", self.roomId, peer.userId, err)
			continue
		}
		sent += 1
	}
	if sent == 0 {
		return fmt.Errorf("no open annotation channels")
	}
	return nil
}

func (self *ScreenShare) handlePacket(fromUserId string, data []byte) {
	var packet annotationPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		glog.V(2).Infof("[share %s]bad packet from %s = %v\n", self.roomId, fromUserId, err)
		return
	}
	if packet.UserId != "" {
		fromUserId = packet.UserId
	}

	switch packet.Kind {
	case packetKindAnnotation:
		if packet.Annotation == nil {
			return
		}
		for _, callback := range self.annotationCallbacks.Get() {
			callback := callback
			safeCall("annotation", func() {
				callback(fromUserId, packet.Annotation)
			})
		}
	case packetKindCursor:
		if packet.Cursor == nil {
			return
		}
		for _, callback := range self.cursorCallbacks.Get() {
			callback := callback
			safeCall("cursor", func() {
				callback(fromUserId, packet.Cursor)
			})
		}
	case packetKindClearAnnotations:
		for _, callback := range self.clearCallbacks.Get() {
			callback := callback
			safeCall("clear", func() {
				callback(fromUserId)
			})
		}
	}
}

// handleMessage drives the state machine from broker messages. No
// transition depends on timing except the buffered-ICE flush.
func (self *ScreenShare) handleMessage(message Message) {
	switch v := message.(type) {
	case *ScreenShareStartedBroadcast:
		if v.RoomId != self.roomId {
			return
		}
		self.handleStarted(v)
	case *ScreenShareStoppedBroadcast:
		if v.RoomId != self.roomId {
			return
		}
		self.handleStopped(v)
	case *RtcOfferMessage:
		if v.RoomId != self.roomId {
			return
		}
		self.handleOffer(v)
	case *RtcAnswerMessage:
		if v.RoomId != self.roomId {
			return
		}
		self.handleAnswer(v)
	case *RtcIceCandidateMessage:
		if v.RoomId != self.roomId {
			return
		}
		self.handleIceCandidate(v)
	case *RemoteControlRequestMessage:
		if v.RoomId != self.roomId {
			return
		}
		self.handleControlRequest(v)
	case *RemoteControlResponseMessage:
		if v.RoomId != self.roomId {
			return
		}
		self.handleControlResponse(v)
	case *UserJoinedMessage:
		if v.RoomId != self.roomId {
			return
		}
		if self.Role() == ScreenShareRoleSharer {
			// late joiner gets exactly one offer
			self.createOfferFor(v.User.Id)
		}
	case *UserLeftMessage:
		if v.RoomId != self.roomId {
			return
		}
		if v.UserId == self.SharerUserId() && self.Role() == ScreenShareRoleViewer {
			self.resetToIdle()
		} else {
			self.teardownPeer(v.UserId)
		}
	}
}

func (self *ScreenShare) handleStarted(message *ScreenShareStartedBroadcast) {
	selfUserId := self.client.UserId()

	self.stateLock.Lock()
	self.sharerUserId = message.UserId
	self.stateLock.Unlock()

	if message.UserId == selfUserId {
		// our own echo. now create one offer per other member.
		self.setRole(ScreenShareRoleSharer)
		room := self.client.room(self.roomId)
		if room == nil {
			return
		}
		for _, member := range room.Members() {
			if member.Id == selfUserId {
				continue
			}
			self.createOfferFor(member.Id)
		}
	} else {
		self.setRole(ScreenShareRoleViewer)
	}
}

func (self *ScreenShare) handleStopped(message *ScreenShareStoppedBroadcast) {
	if message.UserId == self.SharerUserId() && self.Role() != ScreenShareRoleSharer {
		self.resetToIdle()
	}
}

// createOfferFor builds the sharer-side peer: attach media, open the
// annotations channel, emit the offer.
func (self *ScreenShare) createOfferFor(targetUserId string) {
	self.stateLock.Lock()
	if _, ok := self.peers[targetUserId]; ok {
		self.stateLock.Unlock()
		return
	}
	localStream := self.localStream
	self.stateLock.Unlock()

	conn, err := self.connector.NewPeerConnection()
	if err != nil {
		glog.Infof("[share %s]peer connection for %s error = %v\n", self.roomId, targetUserId, err)
		return
	}

	if localStream != nil {
		if err := conn.AttachStream(localStream); err != nil {
			glog.Infof("[share %s]attach stream for %s error = %v\n", self.roomId, targetUserId, err)
			conn.Close()
			return
		}
	}

	annotations, err := conn.CreateDataChannel(annotationsChannelLabel, true)
	if err != nil {
		glog.Infof("[share %s]data channel for %s error = %v\n", self.roomId, targetUserId, err)
		conn.Close()
		return
	}
	annotations.OnMessage(func(data []byte) {
		self.handlePacket(targetUserId, data)
	})

	conn.OnIceCandidate(func(candidate string, sdpMid string, sdpMLineIndex *int) {
		self.client.sendMessage(&RtcIceCandidateMessage{
			RoomId:        self.roomId,
			TargetUserId:  targetUserId,
			Candidate:     candidate,
			SdpMid:        sdpMid,
			SdpMLineIndex: sdpMLineIndex,
		})
	})

	offerSdp, err := conn.CreateOffer()
	if err != nil {
		glog.Infof("[share %s]offer for %s error = %v\n", self.roomId, targetUserId, err)
		conn.Close()
		return
	}

	self.stateLock.Lock()
	self.peers[targetUserId] = &sharePeer{
		userId:      targetUserId,
		conn:        conn,
		annotations: annotations,
	}
	self.stateLock.Unlock()

	self.client.sendMessage(&RtcOfferMessage{
		RoomId:       self.roomId,
		TargetUserId: targetUserId,
		Sdp:          offerSdp,
	})
}

// handleOffer builds the viewer-side peer and answers.
func (self *ScreenShare) handleOffer(message *RtcOfferMessage) {
	fromUserId := message.FromUserId
	if fromUserId == "" {
		return
	}

	conn, err := self.connector.NewPeerConnection()
	if err != nil {
		glog.Infof("[share %s]peer connection for %s error = %v\n", self.roomId, fromUserId, err)
		return
	}

	peer := &sharePeer{
		userId: fromUserId,
		conn:   conn,
	}

	conn.OnDataChannel(func(dc DataChannel) {
		self.stateLock.Lock()
		peer.annotations = dc
		self.stateLock.Unlock()
		dc.OnMessage(func(data []byte) {
			self.handlePacket(fromUserId, data)
		})
	})
	conn.OnRemoteStream(func(stream any) {
		self.stateLock.Lock()
		peer.remoteStream = stream
		self.stateLock.Unlock()
		for _, callback := range self.remoteStreamCallbacks.Get() {
			callback := callback
			safeCall("remote_stream", func() {
				callback(fromUserId, stream)
			})
		}
	})
	conn.OnIceCandidate(func(candidate string, sdpMid string, sdpMLineIndex *int) {
		self.client.sendMessage(&RtcIceCandidateMessage{
			RoomId:        self.roomId,
			TargetUserId:  fromUserId,
			Candidate:     candidate,
			SdpMid:        sdpMid,
			SdpMLineIndex: sdpMLineIndex,
		})
	})

	self.stateLock.Lock()
	self.peers[fromUserId] = peer
	self.stateLock.Unlock()

	answerSdp, err := conn.CreateAnswer(message.Sdp)
	if err != nil {
		glog.Infof("[share %s]answer for %s error = %v\n", self.roomId, fromUserId, err)
		self.teardownPeer(fromUserId)
		return
	}

	// remote description is set; buffered candidates can flow
	self.markRemoteSet(fromUserId)

	self.client.sendMessage(&RtcAnswerMessage{
		RoomId:       self.roomId,
		TargetUserId: fromUserId,
		Sdp:          answerSdp,
	})
}

func (self *ScreenShare) handleAnswer(message *RtcAnswerMessage) {
	self.stateLock.Lock()
	peer := self.peers[message.FromUserId]
	self.stateLock.Unlock()

	if peer == nil {
		return
	}
	if err := peer.conn.SetRemoteAnswer(message.Sdp); err != nil {
		glog.Infof("[share %s]set answer from %s error = %v\n", self.roomId, message.FromUserId, err)
		return
	}
	self.markRemoteSet(message.FromUserId)
}

// markRemoteSet flips the peer to remote-ready and flushes the ICE
// buffer in arrival order.
func (self *ScreenShare) markRemoteSet(userId string) {
	self.stateLock.Lock()
	peer := self.peers[userId]
	var buffered []*RtcIceCandidateMessage
	if peer != nil {
		peer.remoteSet = true
		buffered = peer.pendingIce
		peer.pendingIce = nil
	}
	self.stateLock.Unlock()

	if peer == nil {
		return
	}
	for _, candidate := range buffered {
		if err := peer.conn.AddIceCandidate(candidate.Candidate, candidate.SdpMid, candidate.SdpMLineIndex); err != nil {
			glog.V(2).Infof("[share %s]flush candidate from %s error = %v\n", self.roomId, userId, err)
		}
	}
}

// handleIceCandidate applies or buffers a candidate depending on
// whether the remote description has been set.
func (self *ScreenShare) handleIceCandidate(message *RtcIceCandidateMessage) {
	self.stateLock.Lock()
	peer := self.peers[message.FromUserId]
	if peer != nil && !peer.remoteSet {
		peer.pendingIce = append(peer.pendingIce, message)
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	if peer == nil {
		return
	}
	if err := peer.conn.AddIceCandidate(message.Candidate, message.SdpMid, message.SdpMLineIndex); err != nil {
		glog.V(2).Infof("[share %s]candidate from %s error = %v\n", self.roomId, message.FromUserId, err)
	}
}

func (self *ScreenShare) handleControlRequest(message *RemoteControlRequestMessage) {
	if self.Role() != ScreenShareRoleSharer {
		return
	}

	self.stateLock.Lock()
	self.pendingControl[message.FromUserId] = true
	self.stateLock.Unlock()

	for _, callback := range self.controlRequestCallbacks.Get() {
		callback := callback
		safeCall("control_request", func() {
			callback(message.FromUserId)
		})
	}
}

func (self *ScreenShare) handleControlResponse(message *RemoteControlResponseMessage) {
	self.stateLock.Lock()
	changed := self.hasControl != message.Granted
	self.hasControl = message.Granted
	self.stateLock.Unlock()

	if changed {
		for _, callback := range self.controlChangeCallbacks.Get() {
			callback := callback
			safeCall("control", func() {
				callback(message.Granted)
			})
		}
	}
}
