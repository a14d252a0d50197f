package conn

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds how long a single frame write may take before the
	// connection is considered dead.
	writeWait = 5 * time.Second
	// pongWait bounds how long we wait for any client activity before giving
	// up on the connection.
	pongWait = 30 * time.Second
	// pingPeriod must stay under pongWait so a ping always lands before the
	// read deadline expires.
	pingPeriod = (pongWait * 9) / 10
)

// ReadPump blocks reading frames off c.Raw until the connection errs or
// closes, handing each text frame to onMessage. It owns the read deadline:
// every data frame resets it; control frames such as pings are answered
// inside wsutil.ReadClientData and do not. The caller is responsible for
// tearing the connection down once ReadPump returns.
func ReadPump(c *Conn, logger zerolog.Logger, onMessage func(data []byte)) DisconnectReason {
	c.Raw.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.Raw)
		if err != nil {
			return ReasonReadError
		}
		c.Raw.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			onMessage(msg)
		case ws.OpClose:
			return ReasonClientClosed
		case ws.OpPing:
			// gobwas/ws answers pings automatically.
		}
	}
}

// WritePump drains c's outbound queue onto the wire, batching whatever has
// queued up since the last flush into one syscall, and pings on pingPeriod
// to keep the connection alive through idle stretches. It returns once c is
// closed or a write fails.
func WritePump(c *Conn, logger zerolog.Logger) {
	writer := bufio.NewWriter(c.Raw)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			wsutil.WriteServerMessage(c.Raw, ws.OpClose, nil)
			return

		case message := <-c.send:
			c.Raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				logger.Debug().Err(err).Uint64("conn_id", uint64(c.ID)).Msg("write failed")
				return
			}

			// Drain whatever else has queued up so far into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					logger.Debug().Err(err).Uint64("conn_id", uint64(c.ID)).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				logger.Debug().Err(err).Uint64("conn_id", uint64(c.ID)).Msg("flush failed")
				return
			}

		case <-ticker.C:
			c.Raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.Raw, ws.OpPing, nil); err != nil {
				logger.Debug().Err(err).Uint64("conn_id", uint64(c.ID)).Msg("ping failed")
				return
			}
		}
	}
}
