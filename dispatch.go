package aresolv

import (
	"errors"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// sendQuery attempts to place q on a connection of the best server. On
// success the query is attached with a fresh deadline; on retryable errors
// it re-enters through requeueQuery; otherwise it ends.
func (c *Channel) sendQuery(q *Query, now Timeval) error {
	srv := c.selectServer(now)
	if srv == nil {
		c.endQuery(q, nil, ErrNoServers, nil, now)
		return ErrNoServers
	}

	conn := c.fetchConn(srv, q.usingTCP)
	if conn == nil {
		var err error
		conn, err = c.openConn(srv, q.usingTCP)
		if err != nil {
			if retryableConnError(err) {
				c.incrementFailures(srv, q.usingTCP, now)
				return c.requeueQuery(q, now, err, true, nil)
			}
			c.endQuery(q, srv, err, nil, now)
			return err
		}
	}

	if err := c.cookies.Apply(q.msg, conn, now); err != nil {
		c.endQuery(q, srv, err, nil, now)
		return err
	}

	out, err := c.codec.AppendTCPFramed(conn.out, q.msg)
	if err != nil {
		c.endQuery(q, srv, err, nil, now)
		return err
	}
	conn.out = out

	// An unconnected TCP socket (without TFO) cannot be written yet; the
	// flush happens when the host reports it writable. With a pending-write
	// callback configured the host takes over TCP flushing entirely.
	flushNow := !conn.tcp || conn.connected || conn.tfoPending
	if flushNow && conn.tcp && c.opt.PendingWriteCallback != nil {
		c.notifyPendingWrite = true
		c.opt.PendingWriteCallback()
		flushNow = false
	}
	if flushNow {
		if err := c.flushConn(conn); err != nil {
			switch {
			case errors.Is(err, ErrNoMem):
				c.endQuery(q, srv, err, nil, now)
				return err
			case retryableConnError(err):
				c.handleConnError(conn, err, now)
				if st := c.requeueQuery(q, now, err, true, nil); !errors.Is(st, ErrTimeout) {
					return st
				}
				return ErrConnRefused
			default:
				c.incrementFailures(srv, q.usingTCP, now)
				return c.requeueQuery(q, now, err, true, nil)
			}
		}
	}

	timeplus := c.calcQueryTimeout(q, srv, now)
	q.ts = now
	c.detachQuery(q)
	c.attachQuery(q, conn, timeadd(now, timeplus))
	conn.totalQueries++

	Log.WithFields(logrus.Fields{
		"qid":     q.qid,
		"server":  srv.addr,
		"tcp":     q.usingTCP,
		"try":     q.tryCount,
		"timeout": timeplus,
	}).Debug("query sent")
	return nil
}

// flushConn drains the connection's staged bytes, treating "would block" as
// success (the remainder goes out on the next writable tick).
func (c *Channel) flushConn(conn *Conn) error {
	err := c.transport.Flush(conn)
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	return err
}

// calcQueryTimeout computes the next attempt's timeout in milliseconds. The
// base comes from the latency estimator and doubles for every full pass over
// the server list, capped at MaxTimeout. Later rounds are jittered into
// [tp/2, tp] so synchronized clients spread out their retries.
func (c *Channel) calcQueryTimeout(q *Query, srv *Server, now Timeval) int {
	base := c.metrics.ServerTimeout(srv, now)
	if base <= 0 {
		base = c.opt.Timeout
	}
	rounds := 0
	if len(c.servers) > 0 {
		rounds = q.tryCount / len(c.servers)
	}
	tp := base
	for i := 0; i < rounds && tp < 1<<28; i++ {
		tp <<= 1
	}
	if c.opt.MaxTimeout > 0 && tp > c.opt.MaxTimeout {
		tp = c.opt.MaxTimeout
	}
	if rounds > 0 {
		delta := float64(c.rand16()) / 65535 * 0.5
		tp -= int(float64(tp) * delta)
	}
	if tp < base {
		tp = base
	}
	return tp
}

// requeueQuery feeds a query back into the dispatcher after a retryable
// failure, or finalizes it once the retry budget is spent. Each non-success
// status replaces the stored one; the last stored status is what the caller
// eventually sees. The detach step leaves an unattached query's connection
// and timeout links untouched.
func (c *Channel) requeueQuery(q *Query, now Timeval, status error, incTry bool, reply *dns.Msg) error {
	c.detachQuery(q)
	if status != nil {
		q.errStatus = status
	}
	if incTry {
		q.tryCount++
	}
	maxTries := len(c.servers) * c.opt.Tries
	if q.tryCount < maxTries && !q.noRetries {
		return c.sendQuery(q, now)
	}
	status = q.errStatus
	if status == nil {
		status = ErrTimeout
	}
	c.endQuery(q, nil, status, reply, now)
	return ErrTimeout
}

// endQuery finalizes a query: latency and status are recorded, the query
// leaves all indices, and its callback is queued for delivery once the lock
// is released.
func (c *Channel) endQuery(q *Query, srv *Server, status error, reply *dns.Msg, now Timeval) {
	c.metrics.Record(now, q, srv, status, reply)
	c.pending = append(c.pending, completion{
		cb:       q.cb,
		status:   status,
		timeouts: q.timeouts,
		reply:    reply,
	})
	c.removeQuery(q)
}
