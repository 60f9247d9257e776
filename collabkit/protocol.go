package collabkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// One JSON envelope per wire message, discriminated by `type`.
// Every decoded message is validated before dispatch; the dispatcher
// never sees a message with a dangerous path or an oversize payload.

type MessageType string

const (
	// client -> broker
	MessageTypeAuth                  MessageType = "auth"
	MessageTypeJoin                  MessageType = "join"
	MessageTypeLeave                 MessageType = "leave"
	MessageTypeOperation             MessageType = "operation"
	MessageTypeSyncRequest           MessageType = "sync_request"
	MessageTypeCall                  MessageType = "call"
	MessageTypePresence              MessageType = "presence"
	MessageTypePing                  MessageType = "ping"
	MessageTypeScreenShareStart      MessageType = "screenshare_start"
	MessageTypeScreenShareStop       MessageType = "screenshare_stop"
	MessageTypeRtcOffer              MessageType = "rtc_offer"
	MessageTypeRtcAnswer             MessageType = "rtc_answer"
	MessageTypeRtcIceCandidate       MessageType = "rtc_ice_candidate"
	MessageTypeRemoteControlRequest  MessageType = "remote_control_request"
	MessageTypeRemoteControlResponse MessageType = "remote_control_response"

	// broker -> client
	MessageTypeAuthenticated      MessageType = "authenticated"
	MessageTypeJoined             MessageType = "joined"
	MessageTypeSync               MessageType = "sync"
	MessageTypeCallResult         MessageType = "call_result"
	MessageTypeUserJoined         MessageType = "user_joined"
	MessageTypeUserLeft           MessageType = "user_left"
	MessageTypeError              MessageType = "error"
	MessageTypePong               MessageType = "pong"
	MessageTypeScreenShareStarted MessageType = "screenshare_started"
	MessageTypeScreenShareStopped MessageType = "screenshare_stopped"
)

type ErrorCode string

const (
	ErrorCodeAuthenticationFailed ErrorCode = "authentication_failed"
	ErrorCodePermissionDenied     ErrorCode = "permission_denied"
	ErrorCodeRoomNotFound         ErrorCode = "room_not_found"
	ErrorCodeInvalidMessage       ErrorCode = "invalid_message"
	ErrorCodeInvalidOperation     ErrorCode = "invalid_operation"
	ErrorCodeFunctionNotFound     ErrorCode = "function_not_found"
	ErrorCodeFunctionError        ErrorCode = "function_error"
	ErrorCodeRateLimited          ErrorCode = "rate_limited"
	ErrorCodeInternalError        ErrorCode = "internal_error"
)

var ErrUnknownMessageType = errors.New("unknown message type")
var ErrInvalidMessage = errors.New("invalid message")

var functionNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const maxSdpLength = 65536
const maxCandidateLength = 4096
const maxArgsCount = 100

type Message interface {
	MessageType() MessageType
	Validate() error
}

// User is the member descriptor carried on the wire.
type User struct {
	Id       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (self *User) Validate() error {
	if err := requireId("id", self.Id); err != nil {
		return err
	}
	if MaxNameLength < len(self.Name) {
		return fmt.Errorf("%w: name too long", ErrInvalidMessage)
	}
	if self.Metadata != nil {
		if err := CheckValue(self.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func requireId(field string, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, field)
	}
	if MaxIdLength < len(value) {
		return fmt.Errorf("%w: %s too long", ErrInvalidMessage, field)
	}
	return nil
}

type AuthMessage struct {
	Token string `json:"token"`
}

func (self *AuthMessage) MessageType() MessageType {
	return MessageTypeAuth
}

func (self *AuthMessage) Validate() error {
	if MaxIdLength*4 < len(self.Token) {
		return fmt.Errorf("%w: token too long", ErrInvalidMessage)
	}
	return nil
}

type JoinMessage struct {
	RoomId   string         `json:"room_id"`
	UserInfo map[string]any `json:"user_info,omitempty"`
}

func (self *JoinMessage) MessageType() MessageType {
	return MessageTypeJoin
}

func (self *JoinMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if self.UserInfo != nil {
		if err := CheckValue(self.UserInfo); err != nil {
			return err
		}
	}
	return nil
}

type LeaveMessage struct {
	RoomId string `json:"room_id"`
}

func (self *LeaveMessage) MessageType() MessageType {
	return MessageTypeLeave
}

func (self *LeaveMessage) Validate() error {
	return requireId("room_id", self.RoomId)
}

type OperationMessage struct {
	RoomId    string     `json:"room_id"`
	Operation *Operation `json:"operation"`
}

func (self *OperationMessage) MessageType() MessageType {
	return MessageTypeOperation
}

func (self *OperationMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if self.Operation == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalidMessage)
	}
	return self.Operation.Validate()
}

type SyncRequestMessage struct {
	RoomId         string             `json:"room_id"`
	SinceTimestamp float64            `json:"since_timestamp,omitempty"`
	VersionVector  map[string]float64 `json:"version_vector,omitempty"`
}

func (self *SyncRequestMessage) MessageType() MessageType {
	return MessageTypeSyncRequest
}

func (self *SyncRequestMessage) Validate() error {
	return requireId("room_id", self.RoomId)
}

type CallMessage struct {
	RoomId       string         `json:"room_id"`
	CallId       string         `json:"call_id"`
	FunctionName string         `json:"function_name"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

func (self *CallMessage) MessageType() MessageType {
	return MessageTypeCall
}

func (self *CallMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if err := requireId("call_id", self.CallId); err != nil {
		return err
	}
	if !functionNameRe.MatchString(self.FunctionName) || MaxNameLength < len(self.FunctionName) {
		return fmt.Errorf("%w: bad function name %q", ErrInvalidMessage, self.FunctionName)
	}
	if maxArgsCount < len(self.Args) {
		return fmt.Errorf("%w: too many args", ErrInvalidMessage)
	}
	for _, arg := range self.Args {
		if err := CheckValue(arg); err != nil {
			return err
		}
	}
	if self.Kwargs != nil {
		if err := CheckValue(self.Kwargs); err != nil {
			return err
		}
	}
	return nil
}

type PresenceMessage struct {
	RoomId string         `json:"room_id"`
	Data   map[string]any `json:"data"`
}

func (self *PresenceMessage) MessageType() MessageType {
	return MessageTypePresence
}

func (self *PresenceMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if self.Data == nil {
		return fmt.Errorf("%w: missing data", ErrInvalidMessage)
	}
	return CheckValueWithMaxSize(self.Data, MaxPresenceDataSize)
}

type PingMessage struct {
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (self *PingMessage) MessageType() MessageType {
	return MessageTypePing
}

func (self *PingMessage) Validate() error {
	return nil
}

type ScreenShareStartMessage struct {
	RoomId    string `json:"room_id"`
	ShareName string `json:"share_name,omitempty"`
}

func (self *ScreenShareStartMessage) MessageType() MessageType {
	return MessageTypeScreenShareStart
}

func (self *ScreenShareStartMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if MaxNameLength < len(self.ShareName) {
		return fmt.Errorf("%w: share_name too long", ErrInvalidMessage)
	}
	return nil
}

type ScreenShareStopMessage struct {
	RoomId string `json:"room_id"`
}

func (self *ScreenShareStopMessage) MessageType() MessageType {
	return MessageTypeScreenShareStop
}

func (self *ScreenShareStopMessage) Validate() error {
	return requireId("room_id", self.RoomId)
}

// signaling payloads are opaque to the broker. FromUserId is empty
// from the emitter and filled in by the broker on relay.

type RtcOfferMessage struct {
	RoomId       string `json:"room_id"`
	TargetUserId string `json:"target_user_id"`
	Sdp          string `json:"sdp"`
	FromUserId   string `json:"from_user_id,omitempty"`
}

func (self *RtcOfferMessage) MessageType() MessageType {
	return MessageTypeRtcOffer
}

func (self *RtcOfferMessage) Validate() error {
	return validateSignaling(self.RoomId, self.TargetUserId, self.Sdp)
}

type RtcAnswerMessage struct {
	RoomId       string `json:"room_id"`
	TargetUserId string `json:"target_user_id"`
	Sdp          string `json:"sdp"`
	FromUserId   string `json:"from_user_id,omitempty"`
}

func (self *RtcAnswerMessage) MessageType() MessageType {
	return MessageTypeRtcAnswer
}

func (self *RtcAnswerMessage) Validate() error {
	return validateSignaling(self.RoomId, self.TargetUserId, self.Sdp)
}

type RtcIceCandidateMessage struct {
	RoomId        string `json:"room_id"`
	TargetUserId  string `json:"target_user_id"`
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdp_mid,omitempty"`
	SdpMLineIndex *int   `json:"sdp_m_line_index,omitempty"`
	FromUserId    string `json:"from_user_id,omitempty"`
}

func (self *RtcIceCandidateMessage) MessageType() MessageType {
	return MessageTypeRtcIceCandidate
}

func (self *RtcIceCandidateMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if err := requireId("target_user_id", self.TargetUserId); err != nil {
		return err
	}
	if maxCandidateLength < len(self.Candidate) {
		return fmt.Errorf("%w: candidate too long", ErrInvalidMessage)
	}
	return nil
}

func validateSignaling(roomId string, targetUserId string, sdp string) error {
	if err := requireId("room_id", roomId); err != nil {
		return err
	}
	if err := requireId("target_user_id", targetUserId); err != nil {
		return err
	}
	if sdp == "" {
		return fmt.Errorf("%w: missing sdp", ErrInvalidMessage)
	}
	if maxSdpLength < len(sdp) {
		return fmt.Errorf("%w: sdp too long", ErrInvalidMessage)
	}
	return nil
}

type RemoteControlRequestMessage struct {
	RoomId       string `json:"room_id"`
	TargetUserId string `json:"target_user_id"`
	FromUserId   string `json:"from_user_id,omitempty"`
}

func (self *RemoteControlRequestMessage) MessageType() MessageType {
	return MessageTypeRemoteControlRequest
}

func (self *RemoteControlRequestMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	return requireId("target_user_id", self.TargetUserId)
}

type RemoteControlResponseMessage struct {
	RoomId       string `json:"room_id"`
	TargetUserId string `json:"target_user_id"`
	Granted      bool   `json:"granted"`
	FromUserId   string `json:"from_user_id,omitempty"`
}

func (self *RemoteControlResponseMessage) MessageType() MessageType {
	return MessageTypeRemoteControlResponse
}

func (self *RemoteControlResponseMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	return requireId("target_user_id", self.TargetUserId)
}

type AuthenticatedMessage struct {
	UserId string `json:"user_id"`
}

func (self *AuthenticatedMessage) MessageType() MessageType {
	return MessageTypeAuthenticated
}

func (self *AuthenticatedMessage) Validate() error {
	return requireId("user_id", self.UserId)
}

type JoinedMessage struct {
	RoomId string       `json:"room_id"`
	UserId string       `json:"user_id"`
	Users  []*User      `json:"users"`
	State  *MapSnapshot `json:"state"`
}

func (self *JoinedMessage) MessageType() MessageType {
	return MessageTypeJoined
}

func (self *JoinedMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	return requireId("user_id", self.UserId)
}

type OperationBroadcast struct {
	RoomId    string     `json:"room_id"`
	UserId    string     `json:"user_id"`
	Operation *Operation `json:"operation"`
}

func (self *OperationBroadcast) MessageType() MessageType {
	return MessageTypeOperation
}

func (self *OperationBroadcast) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if self.Operation == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalidMessage)
	}
	return self.Operation.Validate()
}

type SyncMessage struct {
	RoomId        string             `json:"room_id"`
	State         *MapSnapshot       `json:"state"`
	Operations    []*Operation       `json:"operations,omitempty"`
	VersionVector map[string]float64 `json:"version_vector,omitempty"`
}

func (self *SyncMessage) MessageType() MessageType {
	return MessageTypeSync
}

func (self *SyncMessage) Validate() error {
	return requireId("room_id", self.RoomId)
}

type CallResultMessage struct {
	CallId  string `json:"call_id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (self *CallResultMessage) MessageType() MessageType {
	return MessageTypeCallResult
}

func (self *CallResultMessage) Validate() error {
	return requireId("call_id", self.CallId)
}

type PresenceBroadcast struct {
	RoomId string         `json:"room_id"`
	UserId string         `json:"user_id"`
	Data   map[string]any `json:"data"`
}

func (self *PresenceBroadcast) MessageType() MessageType {
	return MessageTypePresence
}

func (self *PresenceBroadcast) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if err := requireId("user_id", self.UserId); err != nil {
		return err
	}
	if self.Data != nil {
		return CheckValueWithMaxSize(self.Data, MaxPresenceDataSize)
	}
	return nil
}

type UserJoinedMessage struct {
	RoomId string `json:"room_id"`
	User   *User  `json:"user"`
}

func (self *UserJoinedMessage) MessageType() MessageType {
	return MessageTypeUserJoined
}

func (self *UserJoinedMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	if self.User == nil {
		return fmt.Errorf("%w: missing user", ErrInvalidMessage)
	}
	return self.User.Validate()
}

type UserLeftMessage struct {
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
}

func (self *UserLeftMessage) MessageType() MessageType {
	return MessageTypeUserLeft
}

func (self *UserLeftMessage) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	return requireId("user_id", self.UserId)
}

type ErrorMessage struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	RoomId  string         `json:"room_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (self *ErrorMessage) MessageType() MessageType {
	return MessageTypeError
}

func (self *ErrorMessage) Validate() error {
	if self.Code == "" {
		return fmt.Errorf("%w: missing code", ErrInvalidMessage)
	}
	return nil
}

type PongMessage struct {
	Timestamp float64 `json:"timestamp"`
}

func (self *PongMessage) MessageType() MessageType {
	return MessageTypePong
}

func (self *PongMessage) Validate() error {
	return nil
}

type ScreenShareStartedBroadcast struct {
	RoomId    string `json:"room_id"`
	UserId    string `json:"user_id"`
	ShareName string `json:"share_name,omitempty"`
}

func (self *ScreenShareStartedBroadcast) MessageType() MessageType {
	return MessageTypeScreenShareStarted
}

func (self *ScreenShareStartedBroadcast) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	return requireId("user_id", self.UserId)
}

type ScreenShareStoppedBroadcast struct {
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
}

func (self *ScreenShareStoppedBroadcast) MessageType() MessageType {
	return MessageTypeScreenShareStopped
}

func (self *ScreenShareStoppedBroadcast) Validate() error {
	if err := requireId("room_id", self.RoomId); err != nil {
		return err
	}
	return requireId("user_id", self.UserId)
}

// EncodeMessage marshals a message and splices in its `type`
// discriminator. The encoded form is bounded by the wire size cap.
func EncodeMessage(message Message) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typeValue, err := json.Marshal(message.MessageType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeValue

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if err := CheckMessageSize(data); err != nil {
		return nil, err
	}
	return data, nil
}

type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeClientMessage parses a broker-bound wire message. Unknown
// types, oversize frames, and structurally invalid payloads fail with
// a typed error; nothing is silently dropped at this layer.
func DecodeClientMessage(data []byte) (Message, error) {
	if err := CheckMessageSize(data); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var message Message
	switch env.Type {
	case MessageTypeAuth:
		message = &AuthMessage{}
	case MessageTypeJoin:
		message = &JoinMessage{}
	case MessageTypeLeave:
		message = &LeaveMessage{}
	case MessageTypeOperation:
		message = &OperationMessage{}
	case MessageTypeSyncRequest:
		message = &SyncRequestMessage{}
	case MessageTypeCall:
		message = &CallMessage{}
	case MessageTypePresence:
		message = &PresenceMessage{}
	case MessageTypePing:
		message = &PingMessage{}
	case MessageTypeScreenShareStart:
		message = &ScreenShareStartMessage{}
	case MessageTypeScreenShareStop:
		message = &ScreenShareStopMessage{}
	case MessageTypeRtcOffer:
		message = &RtcOfferMessage{}
	case MessageTypeRtcAnswer:
		message = &RtcAnswerMessage{}
	case MessageTypeRtcIceCandidate:
		message = &RtcIceCandidateMessage{}
	case MessageTypeRemoteControlRequest:
		message = &RemoteControlRequestMessage{}
	case MessageTypeRemoteControlResponse:
		message = &RemoteControlResponseMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	return decodeInto(data, message)
}

// DecodeServerMessage parses a client-bound wire message, including
// the relayed signaling kinds.
func DecodeServerMessage(data []byte) (Message, error) {
	if err := CheckMessageSize(data); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var message Message
	switch env.Type {
	case MessageTypeAuthenticated:
		message = &AuthenticatedMessage{}
	case MessageTypeJoined:
		message = &JoinedMessage{}
	case MessageTypeOperation:
		message = &OperationBroadcast{}
	case MessageTypeSync:
		message = &SyncMessage{}
	case MessageTypeCallResult:
		message = &CallResultMessage{}
	case MessageTypePresence:
		message = &PresenceBroadcast{}
	case MessageTypeUserJoined:
		message = &UserJoinedMessage{}
	case MessageTypeUserLeft:
		message = &UserLeftMessage{}
	case MessageTypeError:
		message = &ErrorMessage{}
	case MessageTypePong:
		message = &PongMessage{}
	case MessageTypePing:
		// the broker pings idle connections
		message = &PingMessage{}
	case MessageTypeScreenShareStarted:
		message = &ScreenShareStartedBroadcast{}
	case MessageTypeScreenShareStopped:
		message = &ScreenShareStoppedBroadcast{}
	case MessageTypeRtcOffer:
		message = &RtcOfferMessage{}
	case MessageTypeRtcAnswer:
		message = &RtcAnswerMessage{}
	case MessageTypeRtcIceCandidate:
		message = &RtcIceCandidateMessage{}
	case MessageTypeRemoteControlRequest:
		message = &RemoteControlRequestMessage{}
	case MessageTypeRemoteControlResponse:
		message = &RemoteControlResponseMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	return decodeInto(data, message)
}

func decodeInto(data []byte, message Message) (Message, error) {
	if err := json.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	return message, nil
}
