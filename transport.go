package aresolv

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// Transport performs the socket work for the engine: opening connections,
// non-blocking reads and flushing staged writes. Implementations signal "no
// data available" with ErrWouldBlock and use the sentinel errors of this
// package where a condition maps onto one; any other error is treated as
// fatal for the connection.
type Transport interface {
	// Open establishes a connection to conn.Server() and stores its handle
	// on conn (see Conn.SetSock). Synchronous transports also call
	// conn.SetConnected for TCP.
	Open(conn *Conn) error

	// Read fills p with available inbound bytes. For UDP each call returns
	// at most one datagram. Returns ErrWouldBlock when nothing is pending.
	Read(conn *Conn, p []byte) (int, error)

	// Flush writes out the connection's staged bytes (conn.Outbound,
	// framed) and consumes what was written. For UDP the two-byte length
	// prefix of each frame is stripped on the wire.
	Flush(conn *Conn) error

	// Close releases the connection. status carries the reason, nil for a
	// routine retirement.
	Close(conn *Conn, status error)

	// Owned reports whether the transport's sockets are managed
	// internally. When false (override socket implementations), the
	// reader does not loop assuming more data may be pending.
	Owned() bool
}

// netTransport is the default Transport on top of the net package. Reads use
// a very short deadline so draining a socket costs at most one poll interval
// instead of blocking; an expired deadline would suppress delivery of data
// that is already buffered.
type netTransport struct {
	dialTimeout time.Duration
}

// NewNetTransport returns the default socket layer.
func NewNetTransport() Transport {
	return &netTransport{dialTimeout: 5 * time.Second}
}

const readPollTimeout = time.Millisecond

func (t *netTransport) Open(conn *Conn) error {
	network := "udp"
	if conn.TCP() {
		network = "tcp"
	}
	nc, err := net.DialTimeout(network, conn.Server().Addr(), t.dialTimeout)
	if err != nil {
		return mapNetError(err)
	}
	conn.SetSock(nc)
	conn.SetConnected()
	return nil
}

func (t *netTransport) Read(conn *Conn, p []byte) (int, error) {
	nc := conn.Sock().(net.Conn)
	_ = nc.SetReadDeadline(time.Now().Add(readPollTimeout))
	n, err := nc.Read(p)
	if err != nil {
		return n, mapNetError(err)
	}
	return n, nil
}

func (t *netTransport) Flush(conn *Conn) error {
	nc := conn.Sock().(net.Conn)
	_ = nc.SetWriteDeadline(time.Now().Add(t.dialTimeout))
	if conn.TCP() {
		out := conn.Outbound()
		n, err := nc.Write(out)
		conn.ConsumeOutbound(n)
		if err != nil {
			return mapNetError(err)
		}
		return nil
	}
	// One datagram per staged frame, prefix stripped.
	for {
		out := conn.Outbound()
		if len(out) < 2 {
			return nil
		}
		dlen := int(binary.BigEndian.Uint16(out))
		if len(out) < 2+dlen {
			return nil
		}
		if _, err := nc.Write(out[2 : 2+dlen]); err != nil {
			return mapNetError(err)
		}
		conn.ConsumeOutbound(2 + dlen)
	}
}

func (t *netTransport) Close(conn *Conn, status error) {
	if nc, ok := conn.Sock().(net.Conn); ok {
		_ = nc.Close()
	}
}

func (t *netTransport) Owned() bool { return true }

// mapNetError translates socket errors into the package's sentinels where
// one applies.
func mapNetError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), err == io.EOF:
		return ErrConnRefused
	case errors.Is(err, syscall.EAFNOSUPPORT), errors.Is(err, syscall.EADDRNOTAVAIL):
		return ErrBadFamily
	case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.ENOMEM):
		return ErrNoMem
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrWouldBlock
	}
	return err
}
