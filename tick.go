package aresolv

// Tick drives the engine. The host calls it with the connections it found
// readable and writable; either slice may be nil. One clock sample governs
// the whole tick: reads are processed first, then expiries, then deferred
// writes, then idle connections are retired. Completion callbacks for
// queries that finished during the tick run just before Tick returns, after
// the channel lock is released.
func (c *Channel) Tick(readable, writable []*Conn) {
	c.mu.Lock()
	now := c.now()

	for _, conn := range readable {
		c.readConn(conn, now)
	}

	c.processTimeouts(now)

	for _, conn := range writable {
		if conn.closed {
			continue
		}
		if !conn.tfoPending {
			conn.connected = true
		}
		if err := c.flushConn(conn); err != nil {
			c.handleConnError(conn, err, now)
		}
	}

	c.cleanupConns()
	c.finish()
}

// ProcessPendingWrite flushes the TCP connections whose writes were deferred
// through the PendingWriteCallback. The pending flag is cleared before
// flushing so that a dispatch triggered from a completion can arm it again.
func (c *Channel) ProcessPendingWrite() {
	c.mu.Lock()
	now := c.now()
	if c.notifyPendingWrite {
		c.notifyPendingWrite = false
		for _, srv := range c.servers {
			conn := srv.tcpConn
			if conn == nil || !conn.connected {
				continue
			}
			if err := c.flushConn(conn); err != nil {
				c.handleConnError(conn, err, now)
			}
		}
	}
	c.finish()
}
