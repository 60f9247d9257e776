package collabkit

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	op, err := NewOperation("node-1", []string{"doc", "title"}, OpSet, "hello")
	assert.Equal(t, err, nil)

	data, err := EncodeMessage(&OperationMessage{
		RoomId:    "room-1",
		Operation: op,
	})
	assert.Equal(t, err, nil)

	// the discriminator rides in the envelope
	var fields map[string]any
	err = json.Unmarshal(data, &fields)
	assert.Equal(t, err, nil)
	assert.Equal(t, fields["type"], "operation")

	decoded, err := DecodeClientMessage(data)
	assert.Equal(t, err, nil)

	opMessage, ok := decoded.(*OperationMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, opMessage.RoomId, "room-1")
	assert.Equal(t, opMessage.Operation.Id, op.Id)
	assert.Equal(t, opMessage.Operation.Path, []string{"doc", "title"})
	assert.Equal(t, opMessage.Operation.Value, "hello")
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"bogus"}`))
	assert.Equal(t, errors.Is(err, ErrUnknownMessageType), true)

	_, err = DecodeServerMessage([]byte(`{"type":"bogus"}`))
	assert.Equal(t, errors.Is(err, ErrUnknownMessageType), true)

	// server-only types are not accepted from clients
	_, err = DecodeClientMessage([]byte(`{"type":"joined","room_id":"r","user_id":"u"}`))
	assert.Equal(t, errors.Is(err, ErrUnknownMessageType), true)
}

func TestDecodeValidates(t *testing.T) {
	// join without a room id
	_, err := DecodeClientMessage([]byte(`{"type":"join"}`))
	assert.Equal(t, errors.Is(err, ErrInvalidMessage), true)

	// operation with a dangerous path segment
	frame := `{"type":"operation","room_id":"r","operation":{` +
		`"id":"01234567-0123-0123-0123-0123456789ab",` +
		`"timestamp":100,"node_id":"n","path":["__proto__"],"op_type":"set","value":1}}`
	_, err = DecodeClientMessage([]byte(frame))
	assert.Equal(t, errors.Is(err, ErrDangerousKey), true)

	// operation with an unknown kind
	frame = `{"type":"operation","room_id":"r","operation":{` +
		`"id":"01234567-0123-0123-0123-0123456789ab",` +
		`"timestamp":100,"node_id":"n","path":["x"],"op_type":"explode"}}`
	_, err = DecodeClientMessage([]byte(frame))
	assert.Equal(t, errors.Is(err, ErrUnsupportedOp), true)
}

func TestDecodeOversizeFrame(t *testing.T) {
	frame := `{"type":"ping","pad":"` + strings.Repeat("x", int(MaxWireMessageSize)) + `"}`
	_, err := DecodeClientMessage([]byte(frame))
	assert.Equal(t, errors.Is(err, ErrMessageTooLarge), true)
}

func TestCallMessageValidation(t *testing.T) {
	call := &CallMessage{
		RoomId:       "r",
		CallId:       "c",
		FunctionName: "sum_values",
	}
	assert.Equal(t, call.Validate(), nil)

	call.FunctionName = "bad name"
	assert.NotEqual(t, call.Validate(), nil)

	call.FunctionName = "1leading"
	assert.NotEqual(t, call.Validate(), nil)

	call.FunctionName = "_ok"
	call.Args = make([]any, maxArgsCount+1)
	assert.NotEqual(t, call.Validate(), nil)
}

func TestSignalingValidation(t *testing.T) {
	offer := &RtcOfferMessage{
		RoomId:       "r",
		TargetUserId: "u",
		Sdp:          "v=0",
	}
	assert.Equal(t, offer.Validate(), nil)

	offer.Sdp = ""
	assert.NotEqual(t, offer.Validate(), nil)

	offer.Sdp = strings.Repeat("a", maxSdpLength+1)
	assert.NotEqual(t, offer.Validate(), nil)

	index := 0
	candidate := &RtcIceCandidateMessage{
		RoomId:        "r",
		TargetUserId:  "u",
		Candidate:     "candidate:1",
		SdpMid:        "0",
		SdpMLineIndex: &index,
	}
	assert.Equal(t, candidate.Validate(), nil)

	candidate.Candidate = strings.Repeat("a", maxCandidateLength+1)
	assert.NotEqual(t, candidate.Validate(), nil)
}

func TestPresenceSizeBound(t *testing.T) {
	presence := &PresenceMessage{
		RoomId: "r",
		Data: map[string]any{
			"cursor": map[string]any{"x": 1, "y": 2},
		},
	}
	assert.Equal(t, presence.Validate(), nil)

	presence.Data = map[string]any{
		"pad": strings.Repeat("x", int(MaxPresenceDataSize)+1),
	}
	assert.Equal(t, errors.Is(presence.Validate(), ErrValueTooLarge), true)
}

func TestServerMessageDecode(t *testing.T) {
	data, err := EncodeMessage(&CallResultMessage{
		CallId:  "c-1",
		Success: true,
		Result:  map[string]any{"sum": 3},
	})
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(data)
	assert.Equal(t, err, nil)
	result, ok := decoded.(*CallResultMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, result.Success, true)

	// relayed signaling decodes on the client side with the stamped sender
	data, err = EncodeMessage(&RtcAnswerMessage{
		RoomId:       "r",
		TargetUserId: "u",
		Sdp:          "v=0",
		FromUserId:   "sharer",
	})
	assert.Equal(t, err, nil)
	decoded, err = DecodeServerMessage(data)
	assert.Equal(t, err, nil)
	answer, ok := decoded.(*RtcAnswerMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, answer.FromUserId, "sharer")
}

func TestValueDepthBound(t *testing.T) {
	value := any("leaf")
	for i := 0; i < MaxValueDepth; i += 1 {
		value = map[string]any{"nest": value}
	}
	assert.Equal(t, CheckValue(value), nil)

	value = map[string]any{"nest": value}
	assert.Equal(t, errors.Is(CheckValue(value), ErrValueTooDeep), true)
}
