package aresolv

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// Conn is a single UDP or TCP connection to one server. Each server has at
// most one TCP connection at a time; UDP connections are retired once
// UDPMaxQueries queries have traversed them. Outbound messages are staged in
// the connection's write buffer in TCP framing (two-byte length prefix); the
// Transport strips the prefix per datagram when the connection is UDP.
type Conn struct {
	server *Server
	tcp    bool

	// sock is the transport's handle for this connection. The engine never
	// inspects it.
	sock any

	in  []byte // unparsed inbound bytes, framed
	out []byte // unflushed outbound bytes, framed

	connected  bool // TCP handshake completed (always true for UDP)
	tfoPending bool // TFO initial data may be sent before the handshake

	totalQueries int
	queries      *list.List // of *Query, in attachment order

	closed bool
}

func newConn(srv *Server, tcp bool) *Conn {
	return &Conn{
		server:  srv,
		tcp:     tcp,
		queries: list.New(),
	}
}

// Server returns the server this connection is bound to.
func (conn *Conn) Server() *Server { return conn.server }

// TCP reports whether this is a stream connection.
func (conn *Conn) TCP() bool { return conn.tcp }

// Sock returns the transport's handle for this connection.
func (conn *Conn) Sock() any { return conn.sock }

// SetSock stores the transport's handle. Called by Transport.Open.
func (conn *Conn) SetSock(sock any) { conn.sock = sock }

// SetConnected marks the TCP handshake as completed. Transports that connect
// synchronously call this from Open.
func (conn *Conn) SetConnected() { conn.connected = true }

// SetTFOPending marks the connection as TCP-Fast-Open: initial data rides
// along with the handshake, so the first flush must not wait for
// writability.
func (conn *Conn) SetTFOPending() { conn.tfoPending = true }

// Outbound returns the bytes staged for this connection, each message
// carrying its two-byte length prefix.
func (conn *Conn) Outbound() []byte { return conn.out }

// ConsumeOutbound drops the first n staged bytes after the transport has
// written them.
func (conn *Conn) ConsumeOutbound(n int) { conn.out = conn.out[n:] }

// fetchConn returns a reusable connection on srv for the given transport, or
// nil if a new one must be opened.
func (c *Channel) fetchConn(srv *Server, useTCP bool) *Conn {
	if useTCP {
		return srv.tcpConn
	}
	if len(srv.conns) == 0 {
		return nil
	}
	conn := srv.conns[0]
	if conn.tcp {
		return nil
	}
	if c.opt.UDPMaxQueries > 0 && conn.totalQueries >= c.opt.UDPMaxQueries {
		return nil
	}
	return conn
}

// openConn asks the transport for a new connection to srv and links it into
// the server's connection set.
func (c *Channel) openConn(srv *Server, useTCP bool) (*Conn, error) {
	conn := newConn(srv, useTCP)
	if err := c.transport.Open(conn); err != nil {
		return nil, err
	}
	if !useTCP {
		conn.connected = true
	}
	if useTCP {
		srv.tcpConn = conn
	}
	srv.conns = append([]*Conn{conn}, srv.conns...)
	Log.WithFields(logrus.Fields{
		"server": srv.addr,
		"tcp":    useTCP,
	}).Debug("opened connection")
	return conn, nil
}

// unlinkConn removes conn from its server's connection set so no further
// query can be placed on it.
func (c *Channel) unlinkConn(conn *Conn) {
	srv := conn.server
	if srv.tcpConn == conn {
		srv.tcpConn = nil
	}
	for i, cn := range srv.conns {
		if cn == conn {
			srv.conns = append(srv.conns[:i], srv.conns[i+1:]...)
			break
		}
	}
}

// closeConn unlinks and closes a connection. Queries must already have been
// detached or requeued.
func (c *Channel) closeConn(conn *Conn, status error) {
	if conn.closed {
		return
	}
	c.unlinkConn(conn)
	conn.closed = true
	c.transport.Close(conn, status)
}

// handleConnError tears down a connection after a fatal I/O or protocol
// error. Every query still in flight on it is fed back through the requeue
// path, so other connections are undisturbed.
func (c *Channel) handleConnError(conn *Conn, status error, now Timeval) {
	Log.WithFields(logrus.Fields{
		"server": conn.server.addr,
		"tcp":    conn.tcp,
		"error":  status,
	}).Debug("connection error")
	// Blame the server before requeueing so the retries are unlikely to
	// land on it again.
	c.incrementFailures(conn.server, conn.tcp, now)
	c.unlinkConn(conn)
	for conn.queries.Len() > 0 {
		q := conn.queries.Front().Value.(*Query)
		c.requeueQuery(q, now, status, true, nil)
	}
	conn.closed = true
	c.transport.Close(conn, status)
}

// cleanupConns retires connections that hold no queries and no buffered
// bytes. Only UDP connections past their query cap are closed; everything
// else is kept around for reuse.
func (c *Channel) cleanupConns() {
	for _, srv := range c.servers {
		for _, conn := range append([]*Conn(nil), srv.conns...) {
			if conn.queries.Len() > 0 || len(conn.in) > 0 || len(conn.out) > 0 {
				continue
			}
			if !conn.tcp && c.opt.UDPMaxQueries > 0 && conn.totalQueries >= c.opt.UDPMaxQueries {
				c.closeConn(conn, nil)
			}
		}
	}
}
