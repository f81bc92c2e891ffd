package aresolv

import (
	"encoding/binary"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestTCPFramesAcrossReads(t *testing.T) {
	ch, tr, _ := newTestChannel(t, Options{Servers: []string{"10.0.0.1:53"}})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	var res result
	require.NoError(t, ch.SendQuery(q, res.callback()))

	// Upgrade to TCP first
	sent := tr.lastSent()
	tc := aReply(sent.msg)
	tc.Truncated = true
	tr.deliver(sent.conn, tc)
	ch.Tick([]*Conn{sent.conn}, nil)
	retry := tr.lastSent()
	require.True(t, retry.conn.TCP())

	// Deliver the framed response split into two chunks: length prefix and
	// first half, then the rest
	wire, err := aReply(retry.msg).Pack()
	require.NoError(t, err)
	framed := make([]byte, 2+len(wire))
	binary.BigEndian.PutUint16(framed, uint16(len(wire)))
	copy(framed[2:], wire)

	tr.inbox[retry.conn] = append(tr.inbox[retry.conn], framed[:7])
	ch.Tick([]*Conn{retry.conn}, nil)
	require.Equal(t, 0, res.count) // incomplete frame is buffered

	tr.inbox[retry.conn] = append(tr.inbox[retry.conn], framed[7:])
	ch.Tick([]*Conn{retry.conn}, nil)
	require.Equal(t, 1, res.count)
	require.NoError(t, res.err)
}

func TestTwoAnswersOneTick(t *testing.T) {
	ch, tr, _ := newTestChannel(t, Options{Servers: []string{"10.0.0.1:53"}})

	var res1, res2 result
	q1 := new(dns.Msg)
	q1.SetQuestion("one.example.com.", dns.TypeA)
	require.NoError(t, ch.SendQuery(q1, res1.callback()))
	q2 := new(dns.Msg)
	q2.SetQuestion("two.example.com.", dns.TypeA)
	require.NoError(t, ch.SendQuery(q2, res2.callback()))

	// Both queries share the UDP connection; both answers arrive in one
	// readable tick, out of order
	require.Len(t, tr.sent, 2)
	conn := tr.sent[0].conn
	require.Equal(t, conn, tr.sent[1].conn)

	tr.deliver(conn, aReply(tr.sent[1].msg))
	tr.deliver(conn, aReply(tr.sent[0].msg))
	ch.Tick([]*Conn{conn}, nil)

	require.Equal(t, 1, res1.count)
	require.Equal(t, 1, res2.count)
	require.NoError(t, res1.err)
	require.NoError(t, res2.err)
	require.Equal(t, 0, ch.Len())
}

func TestBufferedAnswerBeatsDisconnect(t *testing.T) {
	// A read that returns an answer and then fails must still deliver the
	// answer before the connection is torn down.
	ch, tr, _ := newTestChannel(t, Options{Servers: []string{"10.0.0.1:53"}})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	var res result
	require.NoError(t, ch.SendQuery(q, res.callback()))

	sent := tr.lastSent()
	tr.deliver(sent.conn, aReply(sent.msg))
	tr.readErrAfter = ErrConnRefused // disconnect right after the answer

	ch.Tick([]*Conn{sent.conn}, nil)

	require.Equal(t, 1, res.count)
	require.NoError(t, res.err)
	require.NotEmpty(t, tr.closed)
}

func TestZeroLengthFrameIgnored(t *testing.T) {
	ch, tr, _ := newTestChannel(t, Options{Servers: []string{"10.0.0.1:53"}})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	var res result
	require.NoError(t, ch.SendQuery(q, res.callback()))

	sent := tr.lastSent()
	tr.inbox[sent.conn] = append(tr.inbox[sent.conn], []byte{}) // empty datagram
	ch.Tick([]*Conn{sent.conn}, nil)

	require.Equal(t, 0, res.count)
	require.Equal(t, 1, ch.Len())
	require.Empty(t, tr.closed)
}
