package aresolv

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// Server is one configured upstream endpoint. Servers are held in a sequence
// sorted by (consecutive failures, priority index) so that the healthiest,
// highest-priority server is always first. Any change to the failure counter
// re-sorts the sequence.
type Server struct {
	addr     string
	priority int

	consecFailures int
	nextRetryTime  Timeval // zero value = no penalty

	conns   []*Conn // most recently opened first
	tcpConn *Conn
}

// Addr returns the server's address in host:port form.
func (s *Server) Addr() string { return s.addr }

// ConsecFailures returns the number of consecutive failed attempts since the
// last success.
func (s *Server) ConsecFailures() int { return s.consecFailures }

func (s *Server) String() string { return s.addr }

// sortServers restores the (consecFailures, priority) order after a failure
// counter changed. Stable so equally-ranked servers keep their relative
// priority order.
func (c *Channel) sortServers() {
	sort.SliceStable(c.servers, func(i, j int) bool {
		a, b := c.servers[i], c.servers[j]
		if a.consecFailures != b.consecFailures {
			return a.consecFailures < b.consecFailures
		}
		return a.priority < b.priority
	})
}

// incrementFailures records a failed attempt against srv: the server drops
// down the ranking and is not probed again before the retry delay passed.
func (c *Channel) incrementFailures(srv *Server, usedTCP bool, now Timeval) {
	srv.consecFailures++
	c.sortServers()
	srv.nextRetryTime = timeadd(now, c.opt.ServerRetryDelay)
	Log.WithFields(logrus.Fields{
		"server":   srv.addr,
		"failures": srv.consecFailures,
	}).Debug("server failed")
	if c.opt.ServerStateCallback != nil {
		c.opt.ServerStateCallback(srv.addr, false, usedTCP)
	}
}

// setGood clears srv's failure penalty after a successful exchange.
func (c *Channel) setGood(srv *Server, usedTCP bool) {
	if srv.consecFailures > 0 {
		srv.consecFailures = 0
		c.sortServers()
	}
	srv.nextRetryTime = Timeval{}
	if c.opt.ServerStateCallback != nil {
		c.opt.ServerStateCallback(srv.addr, true, usedTCP)
	}
}

// selectServer picks the server for the next attempt of a query.
//
// In rotate mode one server is chosen uniformly at random. In failover mode
// (the default) the first server is used as long as every server is healthy.
// Once some server carries failures, a 1-in-ServerRetryChance draw probes the
// best-ranked failed server whose retry time has passed; this keeps a
// temporarily dead server from being skipped forever while healthier ones
// accumulate failures past it.
func (c *Channel) selectServer(now Timeval) *Server {
	if len(c.servers) == 0 {
		return nil
	}
	if c.opt.Rotate {
		return c.servers[int(c.rand16())%len(c.servers)]
	}
	first, last := c.servers[0], c.servers[len(c.servers)-1]
	if last.consecFailures == 0 {
		return first
	}
	if c.opt.ServerRetryChance > 0 && int(c.rand16())%c.opt.ServerRetryChance == 0 {
		for _, srv := range c.servers {
			if srv.consecFailures > 0 && timedout(now, srv.nextRetryTime) {
				Log.WithFields(logrus.Fields{
					"server": srv.addr,
				}).Debug("probing failed server")
				return srv
			}
		}
	}
	return first
}
