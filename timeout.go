package aresolv

import (
	"github.com/sirupsen/logrus"
)

// processTimeouts expires overdue queries and feeds them back into the
// dispatcher. The head of the timeout sequence is re-examined after every
// expiry since the requeue may have re-attached queries anywhere in it.
func (c *Channel) processTimeouts(now Timeval) {
	for {
		el := c.timeouts.Front()
		if el == nil {
			return
		}
		q := el.Value.(*Query)
		if !timedout(now, q.deadline) {
			return
		}
		q.timeouts++
		srv := q.conn.server
		Log.WithFields(logrus.Fields{
			"qid":    q.qid,
			"server": srv.addr,
			"try":    q.tryCount,
		}).Debug("query timed out")
		c.incrementFailures(srv, q.usingTCP, now)
		c.requeueQuery(q, now, ErrTimeout, true, nil)
	}
}
