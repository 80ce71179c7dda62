package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c360/devicebridge/errors"
)

// Framing selects one of the two on-wire encodings.
type Framing int

const (
	// FramingLegacy is the fixed single-type-byte format predating the
	// JSON envelope. It cannot carry the action or heartbeat kinds.
	FramingLegacy Framing = iota

	// FramingJSON is the length-prefixed JSON envelope format. It can
	// carry every kind and is the only framing for action and heartbeat.
	FramingJSON
)

// String returns a human-readable representation of the framing.
func (f Framing) String() string {
	switch f {
	case FramingLegacy:
		return "legacy"
	case FramingJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Legacy type bytes. The placeholder byte emitted for JSON frames is any
// byte outside this set; encoding fixes it to 'J' for determinism.
const (
	typeInstruction = 'I'
	typeXML         = 'X'
	typeScreenshot  = 'S'
	typeQA          = 'A'
	typeError       = 'E'
	typeGetActions  = 'G'
	typeJSON        = 'J'
)

// maxBodyLength bounds the declared body length a decoder will accept.
// Screenshots dominate frame size; 16 MiB leaves generous headroom.
const maxBodyLength = 16 << 20

// envelope is the decode-side view of the JSON framing payload. Only the
// field matching messageType is read.
type envelope struct {
	MessageType Kind              `json:"messageType"`
	Instruction string            `json:"instruction"`
	XML         string            `json:"xml"`
	Screenshot  []byte            `json:"screenshot"`
	QA          string            `json:"qa"`
	Error       string            `json:"error"`
	Action      *ActionDescriptor `json:"action"`
	DeviceID    string            `json:"device_id"`
}

// Encode serializes a message in the requested framing.
// Encoding is deterministic: the same message and framing always produce
// byte-identical output. Frames never embed timestamps or randomness.
func Encode(m Message, f Framing) ([]byte, error) {
	switch f {
	case FramingLegacy:
		return encodeLegacy(m)
	case FramingJSON:
		return encodeJSON(m)
	default:
		return nil, errors.WrapProtocol(
			fmt.Errorf("unknown framing %d", f),
			"Codec", "Encode", "select framing")
	}
}

func encodeLegacy(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case Instruction:
		if strings.ContainsRune(msg.Text, '\n') {
			return nil, errors.WrapValidation(
				fmt.Errorf("instruction text contains newline terminator"),
				"Codec", "Encode", "validate instruction text")
		}
		frame := make([]byte, 0, len(msg.Text)+2)
		frame = append(frame, typeInstruction)
		frame = append(frame, msg.Text...)
		frame = append(frame, '\n')
		return frame, nil

	case XML:
		return encodeLengthPrefixed(typeXML, []byte(msg.Content)), nil

	case Screenshot:
		return encodeLengthPrefixed(typeScreenshot, msg.Data), nil

	case QA:
		return encodeLengthPrefixed(typeQA, []byte(msg.Text)), nil

	case ErrorReport:
		return encodeLengthPrefixed(typeError, []byte(msg.Text)), nil

	case GetActions:
		return []byte{typeGetActions}, nil

	default:
		return nil, errors.WrapProtocol(
			fmt.Errorf("kind %q has no legacy framing", m.Kind()),
			"Codec", "Encode", "select legacy layout")
	}
}

// encodeJSON marshals per-kind payload structs so required fields are
// present even when empty, and the field set stays minimal per kind.
func encodeJSON(m Message) ([]byte, error) {
	type tag struct {
		MessageType Kind `json:"messageType"`
	}

	var payload any
	switch msg := m.(type) {
	case Instruction:
		payload = struct {
			tag
			Instruction string `json:"instruction"`
		}{tag{m.Kind()}, msg.Text}
	case XML:
		payload = struct {
			tag
			XML string `json:"xml"`
		}{tag{m.Kind()}, msg.Content}
	case Screenshot:
		// nil would marshal as JSON null and fail the kind schema.
		data := msg.Data
		if data == nil {
			data = []byte{}
		}
		payload = struct {
			tag
			Screenshot []byte `json:"screenshot"`
		}{tag{m.Kind()}, data}
	case QA:
		payload = struct {
			tag
			QA string `json:"qa"`
		}{tag{m.Kind()}, msg.Text}
	case ErrorReport:
		payload = struct {
			tag
			Error string `json:"error"`
		}{tag{m.Kind()}, msg.Text}
	case GetActions:
		payload = tag{m.Kind()}
	case Action:
		payload = struct {
			tag
			Action ActionDescriptor `json:"action"`
		}{tag{m.Kind()}, msg.Descriptor}
	case Heartbeat:
		payload = struct {
			tag
			DeviceID string `json:"device_id"`
		}{tag{m.Kind()}, msg.DeviceID}
	default:
		return nil, errors.WrapProtocol(
			fmt.Errorf("unknown kind %q", m.Kind()),
			"Codec", "Encode", "build envelope")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapProtocol(err, "Codec", "Encode", "marshal envelope")
	}
	return encodeLengthPrefixed(typeJSON, body), nil
}

func encodeLengthPrefixed(typeByte byte, body []byte) []byte {
	length := strconv.Itoa(len(body))
	frame := make([]byte, 0, 1+len(length)+1+len(body))
	frame = append(frame, typeByte)
	frame = append(frame, length...)
	frame = append(frame, '\n')
	frame = append(frame, body...)
	return frame
}

// Decode parses exactly one complete frame. Trailing bytes after the
// declared frame end are a protocol error: a frame is one WebSocket
// message, not a stream fragment.
func Decode(frame []byte) (Message, error) {
	br := bufio.NewReader(bytes.NewReader(frame))
	m, err := DecodeFrom(br)
	if err != nil {
		return nil, err
	}
	if br.Buffered() > 0 {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: %d trailing bytes after frame", errors.ErrMalformedFrame, br.Buffered()),
			"Codec", "Decode", "check frame end")
	}
	return m, nil
}

// DecodeFrom reads exactly one frame from a byte stream and returns the
// decoded message. It never reads past the declared body length.
func DecodeFrom(br *bufio.Reader) (Message, error) {
	typeByte, err := br.ReadByte()
	if err != nil {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: empty frame", errors.ErrMalformedFrame),
			"Codec", "DecodeFrom", "read type byte")
	}

	switch typeByte {
	case typeInstruction:
		line, err := br.ReadBytes('\n')
		if err != nil {
			return nil, errors.WrapProtocol(
				fmt.Errorf("%w: instruction missing newline terminator", errors.ErrTruncatedBody),
				"Codec", "DecodeFrom", "read instruction text")
		}
		return Instruction{Text: string(line[:len(line)-1])}, nil

	case typeXML:
		body, err := readLengthPrefixedBody(br)
		if err != nil {
			return nil, err
		}
		return XML{Content: string(body)}, nil

	case typeScreenshot:
		body, err := readLengthPrefixedBody(br)
		if err != nil {
			return nil, err
		}
		return Screenshot{Data: body}, nil

	case typeQA:
		body, err := readLengthPrefixedBody(br)
		if err != nil {
			return nil, err
		}
		return QA{Text: string(body)}, nil

	case typeError:
		body, err := readLengthPrefixedBody(br)
		if err != nil {
			return nil, err
		}
		return ErrorReport{Text: string(body)}, nil

	case typeGetActions:
		return GetActions{}, nil

	default:
		// Any non-legacy first byte is a JSON framing placeholder.
		body, err := readLengthPrefixedBody(br)
		if err != nil {
			return nil, err
		}
		return decodeJSONEnvelope(body)
	}
}

// readLengthPrefixedBody reads "<decimal length>\n<length bytes>".
func readLengthPrefixedBody(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: length prefix missing newline", errors.ErrBadLength),
			"Codec", "DecodeFrom", "read length prefix")
	}

	digits := string(line[:len(line)-1])
	length, err := strconv.Atoi(digits)
	if err != nil || length < 0 {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: %q is not a decimal length", errors.ErrBadLength, digits),
			"Codec", "DecodeFrom", "parse length prefix")
	}
	if length > maxBodyLength {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: declared length %d exceeds limit %d", errors.ErrBadLength, length, maxBodyLength),
			"Codec", "DecodeFrom", "bound length prefix")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: declared %d bytes", errors.ErrTruncatedBody, length),
			"Codec", "DecodeFrom", "read body")
	}
	return body, nil
}

func decodeJSONEnvelope(body []byte) (Message, error) {
	var probe struct {
		MessageType Kind `json:"messageType"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrInvalidJSON, err),
			"Codec", "DecodeFrom", "parse JSON envelope")
	}

	switch probe.MessageType {
	case KindInstruction, KindXML, KindScreenshot, KindQA, KindError,
		KindGetActions, KindAction, KindHeartbeat:
	case "":
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: missing messageType", errors.ErrInvalidJSON),
			"Codec", "DecodeFrom", "read messageType")
	default:
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: %q", errors.ErrUnknownKind, probe.MessageType),
			"Codec", "DecodeFrom", "match messageType")
	}

	if err := validateEnvelope(probe.MessageType, body); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrInvalidJSON, err),
			"Codec", "DecodeFrom", "unmarshal envelope")
	}

	switch probe.MessageType {
	case KindInstruction:
		return Instruction{Text: env.Instruction}, nil
	case KindXML:
		return XML{Content: env.XML}, nil
	case KindScreenshot:
		return Screenshot{Data: env.Screenshot}, nil
	case KindQA:
		return QA{Text: env.QA}, nil
	case KindError:
		return ErrorReport{Text: env.Error}, nil
	case KindGetActions:
		return GetActions{}, nil
	case KindAction:
		return Action{Descriptor: *env.Action}, nil
	default:
		return Heartbeat{DeviceID: env.DeviceID}, nil
	}
}
