// Package protocol implements the framed binary wire format from spec
// §5: a fixed magic/length/type/request-id header followed by a JSON or
// raw-binary payload. Grounded on the teacher's lib/protocol message
// framing (magic number, 4-byte length prefix, varint-free fixed header)
// generalized from syncthing's BEP to this engine's message set.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Magic identifies the start of a frame. Any other value means the peer
// is speaking a different protocol or the stream has desynced.
const Magic uint32 = 0x46564C31 // "FVL1"

// MaxMessageSize bounds a single frame's payload, per spec §5.1, guarding
// against a malicious or corrupted length field allocating unbounded memory.
const MaxMessageSize = 64 * 1024 * 1024

type MessageType uint16

const (
	TypeHello MessageType = iota + 1
	TypeHelloAck
	TypeIndexSyncRequest
	TypeIndexDelta
	TypeIndexDeltaAck
	TypeFileRequest
	TypeFileChunk
	TypeFileComplete
	TypeFileError
	TypeHeartbeat
	TypeHeartbeatAck
	TypeAuthChallenge
	TypeAuthResponse
	TypeError
	// TypeFileNotFound is the distinct "no such file" response to a
	// FileRequest, kept separate from the generic TypeFileError so a
	// requester can tell a missing file apart from a mid-transfer failure.
	TypeFileNotFound
	// TypeFileChunkAck acknowledges receipt of a FileChunk, per spec §5's
	// chunk backpressure requirement.
	TypeFileChunkAck
	// TypeDisconnect is sent as a control message for an in-flight request
	// id being cancelled (spec §4.12's cancelFileRequest).
	TypeDisconnect
	TypeSearchRequest
	TypeSearchResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeHelloAck:
		return "HelloAck"
	case TypeIndexSyncRequest:
		return "IndexSyncRequest"
	case TypeIndexDelta:
		return "IndexDelta"
	case TypeIndexDeltaAck:
		return "IndexDeltaAck"
	case TypeFileRequest:
		return "FileRequest"
	case TypeFileChunk:
		return "FileChunk"
	case TypeFileComplete:
		return "FileComplete"
	case TypeFileError:
		return "FileError"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeHeartbeatAck:
		return "HeartbeatAck"
	case TypeAuthChallenge:
		return "AuthChallenge"
	case TypeAuthResponse:
		return "AuthResponse"
	case TypeError:
		return "Error"
	case TypeFileNotFound:
		return "FileNotFound"
	case TypeFileChunkAck:
		return "FileChunkAck"
	case TypeDisconnect:
		return "Disconnect"
	case TypeSearchRequest:
		return "SearchRequest"
	case TypeSearchResponse:
		return "SearchResponse"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

// Header is the 4+4+2+16-byte fixed frame prefix: Magic, Length (of
// Type+RequestId+Payload), Type, RequestId. There is no RequestIdLen
// byte; the request id is always 16 raw UUID bytes.
type Header struct {
	Type      MessageType
	RequestID uuid.UUID
}

// Message is one decoded frame: its type, the request id correlating a
// response to a request, and the raw JSON payload bytes.
type Message struct {
	Type      MessageType
	RequestID uuid.UUID
	Payload   []byte
}

// NewRequestID mints a fresh correlation id for a request message.
func NewRequestID() uuid.UUID {
	return uuid.New()
}

// WriteMessage frames typ/payload with a fresh or supplied request id and
// writes it to w. A zero requestID means "no correlation" (e.g.
// Heartbeat) and is still written as 16 zero bytes for a fixed header
// size.
func WriteMessage(w io.Writer, typ MessageType, requestID uuid.UUID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return writeFrame(w, typ, requestID, body)
}

// WriteRawMessage frames typ/body as-is, skipping JSON marshaling. Used
// for TypeFileChunk frames, whose payload is a binary FileChunkHeader
// followed by raw chunk bytes.
func WriteRawMessage(w io.Writer, typ MessageType, requestID uuid.UUID, body []byte) error {
	return writeFrame(w, typ, requestID, body)
}

func writeFrame(w io.Writer, typ MessageType, requestID uuid.UUID, body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("protocol: payload %d bytes exceeds max %d", len(body), MaxMessageSize)
	}
	// Type(2) + RequestId(16) + Payload(N)
	length := uint32(2 + 16 + len(body))

	header := make([]byte, 4+4+2+16)
	binary.BigEndian.PutUint32(header[0:4], Magic)
	binary.BigEndian.PutUint32(header[4:8], length)
	binary.BigEndian.PutUint16(header[8:10], uint16(typ))
	copy(header[10:26], requestID[:])

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads and validates one frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	fixed := make([]byte, 4+4+2+16)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return Message{}, err
	}
	magic := binary.BigEndian.Uint32(fixed[0:4])
	if magic != Magic {
		return Message{}, fmt.Errorf("protocol: bad magic %#x", magic)
	}
	length := binary.BigEndian.Uint32(fixed[4:8])
	if length < 18 {
		return Message{}, fmt.Errorf("protocol: length %d shorter than fixed fields", length)
	}
	if length-18 > MaxMessageSize {
		return Message{}, fmt.Errorf("protocol: payload %d bytes exceeds max %d", length-18, MaxMessageSize)
	}
	typ := MessageType(binary.BigEndian.Uint16(fixed[8:10]))
	var reqID uuid.UUID
	copy(reqID[:], fixed[10:26])

	payload := make([]byte, length-18)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Message{Type: typ, RequestID: reqID, Payload: payload}, nil
}

// Decode unmarshals m's payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// FileChunkHeader precedes raw chunk bytes on the wire for TypeFileChunk
// messages, which carry binary payloads rather than JSON: FileID(8) +
// Offset(8) + Length(4) + Final(1), a fixed 21-byte header.
type FileChunkHeader struct {
	FileID int64
	Offset int64
	Length uint32
	Final  bool
}

const fileChunkHeaderSize = 8 + 8 + 4 + 1

func (h FileChunkHeader) MarshalBinary() []byte {
	buf := make([]byte, fileChunkHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.FileID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Offset))
	binary.BigEndian.PutUint32(buf[16:20], h.Length)
	if h.Final {
		buf[20] = 1
	}
	return buf
}

func UnmarshalFileChunkHeader(buf []byte) (FileChunkHeader, error) {
	if len(buf) != fileChunkHeaderSize {
		return FileChunkHeader{}, fmt.Errorf("protocol: chunk header is %d bytes, want %d", len(buf), fileChunkHeaderSize)
	}
	return FileChunkHeader{
		FileID: int64(binary.BigEndian.Uint64(buf[0:8])),
		Offset: int64(binary.BigEndian.Uint64(buf[8:16])),
		Length: binary.BigEndian.Uint32(buf[16:20]),
		Final:  buf[20] != 0,
	}, nil
}

// Control payloads, marshaled as the JSON Payload of their matching
// MessageType.

type HelloPayload struct {
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	FamilyID    string `json:"familyId"`
	ProtoVer    int    `json:"protoVersion"`
	Platform    string `json:"platform"`
	AppVersion  string `json:"appVersion"`
}

type AuthChallengePayload struct {
	Nonce []byte `json:"nonce"`
}

type AuthResponsePayload struct {
	HMAC []byte `json:"hmac"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type FileRequestPayload struct {
	FileID     int64 `json:"fileId"`
	FromOffset int64 `json:"fromOffset"`
}

type FileCompletePayload struct {
	FileID   int64  `json:"fileId"`
	Checksum string `json:"checksum"`
}

type FileErrorPayload struct {
	FileID  int64  `json:"fileId"`
	Message string `json:"message"`
}
