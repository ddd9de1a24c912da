package fcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Tag identifies the type of an MCS frame.
type Tag uint8

// MCS frame tags. Values at or above NumProtoTypes are surfaced as unknown
// frames without error.
const (
	TagHeartbeatPing Tag = iota
	TagHeartbeatAck
	TagLoginRequest
	TagLoginResponse
	TagClose
	TagMessageStanza
	TagPresenceStanza
	TagIqStanza
	TagDataMessageStanza
	TagBatchPresenceStanza
	TagStreamErrorStanza
	TagHttpRequest
	TagHttpResponse
	TagBindAccountRequest
	TagBindAccountResponse
	TagTalkMetadata
	NumProtoTypes
)

var tagNames = [NumProtoTypes]string{
	"HeartbeatPing", "HeartbeatAck", "LoginRequest", "LoginResponse",
	"Close", "MessageStanza", "PresenceStanza", "IqStanza",
	"DataMessageStanza", "BatchPresenceStanza", "StreamErrorStanza",
	"HttpRequest", "HttpResponse", "BindAccountRequest",
	"BindAccountResponse", "TalkMetadata",
}

// Known reports whether the tag is in the MCS tag table.
func (t Tag) Known() bool { return t < NumProtoTypes }

func (t Tag) String() string {
	if t.Known() {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Frame is one decoded MCS frame: a tag and its protobuf body.
type Frame struct {
	Tag  Tag
	Body []byte
}

// AppendFrame appends the wire encoding of one frame to b:
// tag byte, varint length, body.
func AppendFrame(b []byte, tag Tag, body []byte) []byte {
	b = append(b, byte(tag))
	b = binary.AppendUvarint(b, uint64(len(body)))
	return append(b, body...)
}

// heartbeatAckBytes is an empty-body HeartbeatAck frame, written verbatim in
// response to every server ping.
var heartbeatAckBytes = []byte{byte(TagHeartbeatAck), 0}

// maxFrameSize bounds a single frame body. The server never comes close;
// anything larger is a corrupt stream.
const maxFrameSize = math.MaxInt32

// FrameReader is a streaming MCS frame decoder. It tolerates arbitrary
// fragmentation of the underlying byte stream: partial reads of the length
// varint resume where they left off.
//
// The stream ends when the server sends a Close frame, when the underlying
// reader returns a clean zero-byte EOF (any buffered partial frame is
// discarded), or when a read or decode error occurs. All three are terminal;
// after any of them Next never touches the reader again.
type FrameReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	// needed is how many buffered bytes must exist before another decode
	// attempt can make progress. Partially read varint lengths are always a
	// lower bound on the true frame size, so this only ever grows toward it.
	needed int
	done   bool
	err    error
}

// NewFrameReader wraps r in a frame decoder. The MCS version byte must
// already have been consumed from the stream.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:      r,
		chunk:  make([]byte, 4096),
		needed: 2, // one tag byte plus at least one length byte
	}
}

// Next returns the next frame, io.EOF at end of stream, or a terminal error.
func (fr *FrameReader) Next() (*Frame, error) {
	for {
		if fr.err != nil {
			return nil, fr.err
		}
		if fr.done {
			return nil, io.EOF
		}

		if len(fr.buf) >= fr.needed {
			frame, err := fr.tryDecode()
			if err != nil {
				fr.fail(err)
				return nil, err
			}
			if frame != nil {
				return frame, nil
			}
			if fr.done {
				return nil, io.EOF
			}
			// needed was raised; fall through to read more.
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if n > 0 {
					continue // drain what arrived with the EOF first
				}
				// Silent end of stream: whatever partial frame is buffered
				// will never complete.
				fr.buf = nil
				fr.done = true
				return nil, io.EOF
			}
			fr.fail(fmt.Errorf("mcs: read: %w", err))
			return nil, fr.err
		}
	}
}

// tryDecode attempts to cut one frame from the buffer. It returns (nil, nil)
// when more bytes are needed, raising fr.needed; a Close tag sets fr.done.
func (fr *FrameReader) tryDecode() (*Frame, error) {
	tag := Tag(fr.buf[0])
	if tag == TagClose {
		fr.buf = nil
		fr.done = true
		return nil, nil
	}

	size, n, complete := tryReadVarint(fr.buf[1:])
	if !complete {
		if n >= binary.MaxVarintLen64 {
			return nil, errors.New("mcs: frame length varint overflow")
		}
		fr.needed = 2 + n
		return nil, nil
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("mcs: frame length %d exceeds limit", size)
	}

	total := 1 + n + int(size)
	if len(fr.buf) < total {
		fr.needed = total
		return nil, nil
	}

	body := make([]byte, size)
	copy(body, fr.buf[1+n:total])
	fr.buf = fr.buf[total:]
	// The next frame's size is unknown; reset so a smaller already-buffered
	// frame is not held hostage by this frame's larger requirement.
	fr.needed = 2
	return &Frame{Tag: tag, Body: body}, nil
}

func (fr *FrameReader) fail(err error) {
	fr.buf = nil
	fr.err = err
}

// tryReadVarint decodes a little-endian base-128 varint from b. It returns
// the (possibly partial) value, the number of bytes consumed, and whether a
// terminating byte was seen.
func tryReadVarint(b []byte) (val uint64, n int, complete bool) {
	var shift uint
	for i, c := range b {
		val |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return val, i + 1, true
		}
		shift += 7
		if i+1 >= binary.MaxVarintLen64 {
			return val, i + 1, false
		}
	}
	return val, len(b), false
}
