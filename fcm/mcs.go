package fcm

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/slush-dev/fcm2up/internal/mcspb"
	"google.golang.org/protobuf/proto"
)

// mcsVersion is the MCS protocol version byte sent ahead of the first frame.
const mcsVersion = 41

const (
	mcsHost = "mtalk.google.com"
	mcsPort = "5228"
)

// DialFunc opens the raw connection to the MCS server. A nil DialFunc means
// the default TLS dial to mtalk.google.com:5228.
type DialFunc func(ctx context.Context) (net.Conn, error)

func dialMCS(ctx context.Context) (net.Conn, error) {
	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second},
		Config:    &tls.Config{ServerName: mcsHost},
	}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(mcsHost, mcsPort))
}

// Conn is an open MCS session. It owns the underlying socket; Close closes
// it. Conn is not safe for concurrent use: the listener that owns it reads
// and writes sequentially.
type Conn struct {
	conn net.Conn
	fr   *FrameReader
}

// Connect opens the MCS session for this device: TLS handshake, version and
// login preamble, login request with the given received-persistent-id
// snapshot, then the server's version byte. The returned Conn yields frames
// starting with the server's LoginResponse.
func (s DeviceSession) Connect(ctx context.Context, dial DialFunc, receivedPersistentIDs []string) (*Conn, error) {
	if dial == nil {
		dial = dialMCS
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcs: connect: %w", err)
	}

	// Close the socket if ctx is cancelled mid-handshake so the blocking
	// write/read below unblock.
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()

	login := s.newLoginRequest(receivedPersistentIDs).Marshal()
	buf := make([]byte, 0, len(login)+2+binary.MaxVarintLen64)
	buf = append(buf, mcsVersion, byte(TagLoginRequest))
	buf = binary.AppendUvarint(buf, uint64(len(login)))
	buf = append(buf, login...)

	if _, err := conn.Write(buf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcs: send login: %w", err)
	}

	// The server echoes its protocol version before the first frame.
	var vBuf [1]byte
	if _, err := io.ReadFull(conn, vBuf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcs: read version: %w", err)
	}

	return &Conn{conn: conn, fr: NewFrameReader(conn)}, nil
}

// newLoginRequest builds the MCS login request. The field values mirror what
// GMS on a real device sends; several are load-bearing (use_rmq2 enables
// message delivery at all).
func (s DeviceSession) newLoginRequest(receivedPersistentIDs []string) *mcspb.LoginRequest {
	androidID := strconv.FormatInt(s.AndroidID, 10)
	return &mcspb.LoginRequest{
		AdaptiveHeartbeat: proto.Bool(false),
		AuthService:       proto.Int32(mcspb.LoginRequest_AndroidId),
		AuthToken:         proto.String(strconv.FormatUint(s.SecurityToken, 10)),
		Id:                proto.String("chrome-63.0.3234.0"),
		Domain:            proto.String("mcs.android.com"),
		// android_id is a fixed64 on the wire; format its raw bit pattern,
		// not a signed value, or IDs with the high bit set grow a minus sign.
		DeviceId:    proto.String(fmt.Sprintf("android-%x", uint64(s.AndroidID))),
		NetworkType: proto.Int32(1),
		Resource:    proto.String(androidID),
		User:        proto.String(androidID),
		UseRmq2:     proto.Bool(true),
		Setting: []*mcspb.Setting{
			{Name: proto.String("new_vc"), Value: proto.String("1")},
		},
		ReceivedPersistentId: receivedPersistentIDs,
	}
}

// Next returns the next decoded frame, io.EOF at end of stream, or a
// terminal error.
func (c *Conn) Next() (*Frame, error) {
	return c.fr.Next()
}

// Ack writes a heartbeat ack (tag 1, empty body) in response to a server
// ping. Skipping acks gets the connection torn down.
func (c *Conn) Ack() error {
	if _, err := c.conn.Write(heartbeatAckBytes); err != nil {
		return fmt.Errorf("mcs: send heartbeat ack: %w", err)
	}
	return nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
