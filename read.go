package aresolv

import (
	"encoding/binary"
	"errors"
)

// readConn drains a readable connection and dispatches the complete frames
// found in its buffer. A fatal read error closes the connection, but only
// after buffered whole frames have been processed, so answers that raced a
// disconnect are not thrown away.
func (c *Channel) readConn(conn *Conn, now Timeval) {
	if conn.closed {
		return
	}
	readErr := c.readConnPackets(conn)
	if !c.readAnswers(conn, now) {
		return
	}
	if readErr != nil {
		c.handleConnError(conn, ErrConnRefused, now)
	}
}

// readConnPackets pulls inbound bytes into the connection buffer in TCP
// framing. Each UDP datagram becomes exactly one length-prefixed frame; TCP
// bytes are appended raw and frame on their own. Returns nil when the socket
// is drained, or the fatal error that stopped reading.
func (c *Channel) readConnPackets(conn *Conn) error {
	buf := make([]byte, maxDNSMessageSize)
	for {
		n, err := c.transport.Read(conn, buf)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
		if conn.tcp {
			conn.in = append(conn.in, buf[:n]...)
		} else {
			var prefix [2]byte
			binary.BigEndian.PutUint16(prefix[:], uint16(n))
			conn.in = append(conn.in, prefix[:]...)
			conn.in = append(conn.in, buf[:n]...)
		}
		// Only keep reading when the sockets are ours and more data may be
		// pending: always for UDP, for TCP only after a max-size read.
		if !c.transport.Owned() {
			return nil
		}
		if conn.tcp && n < maxDNSMessageSize {
			return nil
		}
	}
}

// readAnswers consumes complete frames from the connection buffer and hands
// each to the response handler. Reports false if a processing error tore the
// connection down.
func (c *Channel) readAnswers(conn *Conn, now Timeval) bool {
	for len(conn.in) >= 2 {
		dlen := int(binary.BigEndian.Uint16(conn.in))
		if len(conn.in) < 2+dlen {
			break
		}
		frame := conn.in[2 : 2+dlen]
		conn.in = conn.in[2+dlen:]
		if err := c.processAnswer(frame, conn, now); err != nil {
			c.handleConnError(conn, err, now)
			return false
		}
	}
	return true
}
