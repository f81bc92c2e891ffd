package aresolv

import (
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// processAnswer validates one framed response and decides its fate: complete
// the matching query, rewrite and resend it, or requeue it elsewhere. It
// never closes the connection itself; a non-nil return tells the caller the
// connection is poisoned and must go.
func (c *Channel) processAnswer(frame []byte, conn *Conn, now Timeval) error {
	if len(frame) == 0 {
		return nil
	}
	parsed, err := c.codec.Parse(frame)
	if err != nil {
		return ErrBadResponse
	}

	q, ok := c.queries[parsed.Id]
	if !ok {
		// Stale answer for a query long gone, or noise. Not fatal.
		return nil
	}
	if !c.sameQuestions(q, parsed) {
		Log.WithFields(logrus.Fields{
			"qid":    q.qid,
			"server": conn.server.addr,
		}).Debug("response question mismatch, dropped")
		return nil
	}
	if err := c.cookies.Validate(q, parsed, conn, now); err != nil {
		// Bad or missing cookie. The engine drops the answer; the cookie
		// engine may already have requeued the query itself.
		return nil
	}

	// The answer is for this query; it no longer waits on the connection.
	c.detachQuery(q)

	// A FORMERR from a server that did not echo our OPT record is an
	// EDNS-incapable server: strip the OPT from the query and try again
	// without it.
	if parsed.Rcode == dns.RcodeFormatError && q.msg.IsEdns0() != nil && parsed.IsEdns0() == nil {
		if !stripOPT(q.msg) {
			c.endQuery(q, conn.server, ErrFormErr, nil, now)
			return nil
		}
		Log.WithFields(logrus.Fields{
			"qid":    q.qid,
			"server": conn.server.addr,
		}).Debug("EDNS rejected, retrying without OPT")
		c.sendQuery(q, now)
		return nil
	}

	// A truncated UDP answer means the response didn't fit; switch the
	// query to TCP and resend.
	if parsed.Truncated && !conn.tcp && c.opt.Flags&FlagIgnoreTC == 0 {
		q.usingTCP = true
		Log.WithFields(logrus.Fields{
			"qid":    q.qid,
			"server": conn.server.addr,
		}).Debug("truncated response, upgrading to TCP")
		c.sendQuery(q, now)
		return nil
	}

	if c.opt.Flags&FlagNoCheckResp == 0 {
		var status error
		switch parsed.Rcode {
		case dns.RcodeServerFailure:
			status = ErrServFail
		case dns.RcodeNotImplemented:
			status = ErrNotImp
		case dns.RcodeRefused:
			status = ErrRefused
		}
		if status != nil {
			// The server answered but declined; try elsewhere. The
			// connection itself is healthy.
			c.incrementFailures(conn.server, q.usingTCP, now)
			c.requeueQuery(q, now, status, true, parsed)
			return nil
		}
	}

	if c.cache != nil {
		_ = c.cache.Insert(now, q, parsed)
	}
	c.setGood(conn.server, q.usingTCP)
	c.endQuery(q, conn.server, nil, parsed, now)
	return nil
}

// sameQuestions reports whether the response's question section matches the
// query's. Name comparison is case-sensitive only when 0x20 randomization is
// active and the query still runs over UDP; TCP's handshake already rules
// out off-path spoofing, and servers are not required to preserve case.
func (c *Channel) sameQuestions(q *Query, resp *dns.Msg) bool {
	if len(q.msg.Question) != len(resp.Question) {
		return false
	}
	strictCase := c.opt.Flags&FlagDNS0x20 != 0 && !q.usingTCP
	for i := range q.msg.Question {
		sent, got := q.msg.Question[i], resp.Question[i]
		if sent.Qtype != got.Qtype || sent.Qclass != got.Qclass {
			return false
		}
		if strictCase {
			if sent.Name != got.Name {
				return false
			}
		} else if !equalASCIIFold(sent.Name, got.Name) {
			return false
		}
	}
	return true
}

// stripOPT removes the first OPT record from the additional section and
// reports whether one was found.
func stripOPT(msg *dns.Msg) bool {
	for i, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			msg.Extra = append(msg.Extra[:i], msg.Extra[i+1:]...)
			return true
		}
	}
	return false
}
