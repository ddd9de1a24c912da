package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/slush-dev/fcm2up/fcm"
	"github.com/slush-dev/fcm2up/internal/mcspb"
)

// Reconnect delays. Package vars so tests can shrink them; deliberately
// constant, not exponential.
var (
	connectBackoff = 30 * time.Second
	readBackoff    = 5 * time.Second
)

// listener is one supervised MCS connection for one app. It owns its socket,
// its persistent-id window, and runs until its context is cancelled; every
// post-start failure is handled locally by reconnecting.
type listener struct {
	appID    string
	endpoint string
	reg      fcm.Registration
	window   idWindow

	hc      *http.Client
	dial    fcm.DialFunc
	persist func(ctx context.Context, reg fcm.Registration, ids []string)
	logger  *slog.Logger
}

// run is the supervisor loop: connect, read until the stream dies, back off,
// reconnect. Only context cancellation terminates it.
func (l *listener) run(ctx context.Context) {
	l.logger.Info("listener started")
	for {
		if ctx.Err() != nil {
			break
		}

		conn, err := l.reg.Connect(ctx, l.dial, l.window.Snapshot())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Error("MCS connect failed", "error", err, "retry_in", connectBackoff)
			if !sleepCtx(ctx, connectBackoff) {
				break
			}
			continue
		}

		l.read(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			break
		}

		l.logger.Warn("MCS connection lost, reconnecting", "retry_in", readBackoff)
		if !sleepCtx(ctx, readBackoff) {
			break
		}
	}
	l.logger.Info("listener stopped")
}

// read consumes frames until the stream ends or the context is cancelled.
func (l *listener) read(ctx context.Context, conn *fcm.Conn) {
	// Close the socket when the context is cancelled so the blocking read
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		frame, err := conn.Next()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				l.logger.Error("MCS receive error", "error", err)
			}
			return
		}
		if err := l.handleFrame(ctx, frame, conn); err != nil {
			if ctx.Err() == nil {
				l.logger.Error("MCS frame handling failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handleFrame processes one frame. A non-nil error abandons the connection
// and triggers a reconnect.
func (l *listener) handleFrame(ctx context.Context, frame *fcm.Frame, conn *fcm.Conn) error {
	switch frame.Tag {
	case fcm.TagHeartbeatPing:
		if err := conn.Ack(); err != nil {
			return err
		}

	case fcm.TagDataMessageStanza:
		msg, err := fcm.DecodeDataMessage(frame.Body)
		if err != nil {
			return err
		}
		l.deliver(ctx, msg)

	case fcm.TagLoginResponse:
		resp, err := mcspb.UnmarshalLoginResponse(frame.Body)
		if err == nil && resp.Error != nil {
			msg := ""
			if resp.Error.Message != nil {
				msg = *resp.Error.Message
			}
			l.logger.Warn("MCS login error", "message", msg)
		} else if err == nil {
			l.logger.Debug("MCS login ok", "id", resp.GetId())
		}

	case fcm.TagStreamErrorStanza:
		if se, err := mcspb.UnmarshalStreamErrorStanza(frame.Body); err == nil {
			l.logger.Warn("MCS stream error", "type", se.GetType(), "text", se.GetText())
		}

	default:
		if !frame.Tag.Known() {
			l.logger.Warn("unknown MCS tag", "tag", uint8(frame.Tag))
		} else {
			l.logger.Debug("ignoring MCS frame", "tag", frame.Tag.String())
		}
	}
	return nil
}

// deliver records the persistent id and forwards the payload to the UP
// endpoint. Forward failures are logged and dropped.
func (l *listener) deliver(ctx context.Context, msg *fcm.DataMessage) {
	if msg.Empty() {
		l.logger.Warn("dropping data message with empty payload", "from", msg.From)
		return
	}

	if l.window.Add(msg.PersistentID) && l.persist != nil {
		l.persist(ctx, l.reg, l.window.Snapshot())
	}

	if err := forward(ctx, l.hc, l.endpoint, msg); err != nil {
		l.logger.Error("forward to UP endpoint failed", "endpoint", l.endpoint, "error", err)
		return
	}
	l.logger.Info("forwarded message", "bytes", len(msg.RawData), "persistent_id", msg.PersistentID)
}

// sleepCtx sleeps for d, returning false early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
