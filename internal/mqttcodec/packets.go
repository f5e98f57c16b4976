package mqttcodec

import "fmt"

// ConnectOptions configures an outbound CONNECT frame.
type ConnectOptions struct {
	ClientID     string
	Username     string
	Password     string
	KeepAlive    uint16 // seconds, 60 per the client's fixed policy
	CleanSession bool
}

const protocolName = "MQTT" // 3.1.1 protocol name field used by this client's wire profile
const protocolLevel = 4

// EncodeConnect builds a CONNECT frame. Clean session is always set per
// this client's policy; username/password are included only if non-empty.
func EncodeConnect(opts ConnectOptions) []byte {
	var variableHeader []byte
	variableHeader = append(variableHeader, encodeString(protocolName)...)
	variableHeader = append(variableHeader, protocolLevel)

	var flags byte
	if opts.CleanSession {
		flags |= 0x02
	}
	if opts.Username != "" {
		flags |= 0x80
	}
	if opts.Password != "" {
		flags |= 0x40
	}
	variableHeader = append(variableHeader, flags)
	variableHeader = append(variableHeader, byte(opts.KeepAlive>>8), byte(opts.KeepAlive))

	var payload []byte
	payload = append(payload, encodeString(opts.ClientID)...)
	if opts.Username != "" {
		payload = append(payload, encodeString(opts.Username)...)
	}
	if opts.Password != "" {
		payload = append(payload, encodeString(opts.Password)...)
	}

	return buildFrame(TypeConnect, 0, append(variableHeader, payload...))
}

// DecodeConnAck reads the CONNACK return code out of a frame's
// remaining bytes (byte index 1; byte 0 is the session-present flag).
func DecodeConnAck(remaining []byte) (returnCode byte, err error) {
	if len(remaining) < 2 {
		return 0, fmt.Errorf("mqttcodec: short connack: %w", ErrMalformedFrame)
	}
	returnCode = remaining[1]
	if returnCode != 0 {
		return returnCode, &ConnackError{Code: returnCode}
	}
	return 0, nil
}

// EncodePublish builds a QoS-0 PUBLISH frame carrying payload verbatim.
func EncodePublish(topic string, payload []byte, dup, retain bool) []byte {
	var flags byte
	if dup {
		flags |= 0x08
	}
	if retain {
		flags |= 0x01
	}
	// QoS bits (1-2) are left at 0 — this client only ever sends QoS 0.

	var body []byte
	body = append(body, encodeString(topic)...)
	body = append(body, payload...)

	return buildFrame(TypePublish, flags, body)
}

// PublishMessage is a decoded inbound PUBLISH.
type PublishMessage struct {
	Topic   string
	Payload []byte
	DUP     bool
	Retain  bool
	QoS     byte
}

// DecodePublish parses a PUBLISH frame's remaining bytes. When qos > 0
// a 2-byte packet id follows the topic and precedes the payload; this
// client never subscribes at QoS>0 but must still decode frames a
// broker may deliver with the RETAIN flag set.
func DecodePublish(flags byte, remaining []byte) (PublishMessage, error) {
	qos := (flags >> 1) & 0x03
	topic, n, err := decodeString(remaining)
	if err != nil {
		return PublishMessage{}, err
	}
	rest := remaining[n:]
	if qos > 0 {
		if len(rest) < 2 {
			return PublishMessage{}, fmt.Errorf("mqttcodec: publish missing packet id: %w", ErrMalformedFrame)
		}
		rest = rest[2:]
	}
	return PublishMessage{
		Topic:   topic,
		Payload: append([]byte(nil), rest...),
		DUP:     flags&0x08 != 0,
		Retain:  flags&0x01 != 0,
		QoS:     qos,
	}, nil
}

// EncodeSubscribe builds a SUBSCRIBE frame for a single topic filter at QoS 0.
func EncodeSubscribe(packetID uint16, topic string) []byte {
	var body []byte
	body = append(body, byte(packetID>>8), byte(packetID))
	body = append(body, encodeString(topic)...)
	body = append(body, 0x00) // requested QoS 0

	// SUBSCRIBE fixed header flags are reserved bits fixed at 0b0010.
	return buildFrame(TypeSubscribe, 0x02, body)
}

// DecodeSubAck parses a SUBACK frame, returning the packet id it
// acknowledges and whether the subscription was granted.
func DecodeSubAck(remaining []byte) (packetID uint16, err error) {
	if len(remaining) < 3 {
		return 0, fmt.Errorf("mqttcodec: short suback: %w", ErrMalformedFrame)
	}
	packetID = uint16(remaining[0])<<8 | uint16(remaining[1])
	returnCode := remaining[2]
	if returnCode >= 0x80 {
		return packetID, ErrSubackRejected
	}
	return packetID, nil
}

// EncodePingReq builds a PINGREQ frame.
func EncodePingReq() []byte {
	return buildFrame(TypePingReq, 0, nil)
}

// EncodeDisconnect builds a DISCONNECT frame.
func EncodeDisconnect() []byte {
	return buildFrame(TypeDisconnect, 0, nil)
}

func buildFrame(t PacketType, flags byte, body []byte) []byte {
	rl, err := encodeRemainingLength(len(body))
	if err != nil {
		// Callers only ever pass bodies far below the 4-byte VLQ ceiling;
		// a failure here means a construction bug, not a runtime condition.
		panic(err)
	}
	out := make([]byte, 0, 1+len(rl)+len(body))
	out = append(out, byte(t)<<4|flags)
	out = append(out, rl...)
	out = append(out, body...)
	return out
}
