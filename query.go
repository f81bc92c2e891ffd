package aresolv

import (
	"container/list"

	"github.com/miekg/dns"
)

// Callback delivers the final result of a query. A nil error carries the
// response in reply; otherwise reply may hold the last response seen (for
// example the SERVFAIL answer that exhausted the retries). Callbacks may
// submit new queries but must not call Tick.
type Callback func(err error, timeouts int, reply *dns.Msg)

// Query is one outstanding request. It is indexed three ways while live: by
// transaction ID, by the connection it is currently attached to, and by its
// timeout deadline. The connection and timeout links exist exactly while the
// query is attached; between retries a query is only in the ID index.
type Query struct {
	qid uint16
	msg *dns.Msg // outbound message, rewritten in place on EDNS downgrade

	usingTCP  bool
	tryCount  int
	timeouts  int     // expirations observed across all attempts
	ts        Timeval // time of the most recent send
	deadline  Timeval
	noRetries bool

	conn      *Conn
	connEl    *list.Element // position in conn.queries
	timeoutEl *list.Element // position in channel.timeouts

	cb        Callback
	errStatus error // most recent failure seen so far
}

// Qid returns the query's transaction ID.
func (q *Query) Qid() uint16 { return q.qid }

// Msg returns the outbound message as currently sent, including any 0x20
// case randomization or EDNS downgrade rewrite.
func (q *Query) Msg() *dns.Msg { return q.msg }

// UsingTCP reports whether the query has been switched to TCP.
func (q *Query) UsingTCP() bool { return q.usingTCP }

// TryCount returns the number of attempts consumed so far.
func (q *Query) TryCount() int { return q.tryCount }

// TimeoutsObserved returns how many attempts expired without an answer.
func (q *Query) TimeoutsObserved() int { return q.timeouts }

// SentAt returns the time of the most recent send.
func (q *Query) SentAt() Timeval { return q.ts }

// insertQuery adds a freshly submitted query to the ID index. The caller has
// already ensured the qid is unique.
func (c *Channel) insertQuery(q *Query) {
	c.queries[q.qid] = q
}

// attachQuery links q to conn and schedules its expiry. The timeout sequence
// stays sorted by deadline; insertion scans from the back since fresh
// deadlines are almost always the latest.
func (c *Channel) attachQuery(q *Query, conn *Conn, deadline Timeval) {
	q.conn = conn
	q.deadline = deadline
	q.connEl = conn.queries.PushBack(q)

	for el := c.timeouts.Back(); el != nil; el = el.Prev() {
		if timedout(deadline, el.Value.(*Query).deadline) {
			// el's deadline is <= ours, insert after it
			q.timeoutEl = c.timeouts.InsertAfter(q, el)
			return
		}
	}
	q.timeoutEl = c.timeouts.PushFront(q)
}

// detachQuery removes q from its connection and from the timeout sequence.
// A query that is not attached is left untouched.
func (c *Channel) detachQuery(q *Query) {
	if q.connEl != nil {
		q.conn.queries.Remove(q.connEl)
		q.connEl = nil
	}
	if q.timeoutEl != nil {
		c.timeouts.Remove(q.timeoutEl)
		q.timeoutEl = nil
	}
	q.conn = nil
}

// removeQuery takes q out of every index. The query is dead afterwards.
func (c *Channel) removeQuery(q *Query) {
	c.detachQuery(q)
	delete(c.queries, q.qid)
}
