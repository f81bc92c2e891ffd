package aresolv

import (
	"encoding/hex"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func cookieConn(tcp bool) *Conn {
	return newConn(&Server{addr: "10.0.0.1:53"}, tcp)
}

func TestCookieAppliedToEDNSQueries(t *testing.T) {
	jar := NewCookieJar()
	conn := cookieConn(false)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(msg, conn, Timeval{}))

	opt := msg.IsEdns0()
	require.NotNil(t, opt)
	cookie := cookieOption(opt)
	require.Len(t, cookie, 2*clientCookieLen) // 8 bytes, hex encoded

	// The same server gets the same client cookie on the next query
	again := new(dns.Msg)
	again.SetQuestion("example.com.", dns.TypeA)
	again.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(again, conn, Timeval{}))
	require.Equal(t, cookie, cookieOption(again.IsEdns0()))
}

func TestCookieNotAppliedWithoutEDNSOrOnTCP(t *testing.T) {
	jar := NewCookieJar()

	plain := new(dns.Msg)
	plain.SetQuestion("example.com.", dns.TypeA)
	require.NoError(t, jar.Apply(plain, cookieConn(false), Timeval{}))
	require.Nil(t, plain.IsEdns0())

	tcp := new(dns.Msg)
	tcp.SetQuestion("example.com.", dns.TypeA)
	tcp.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(tcp, cookieConn(true), Timeval{}))
	require.Empty(t, cookieOption(tcp.IsEdns0()))
}

func TestCookieValidateEchoAndLearn(t *testing.T) {
	jar := NewCookieJar()
	conn := cookieConn(false)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(msg, conn, Timeval{}))
	client := cookieOption(msg.IsEdns0())

	// Echo with a server cookie appended: valid, and the server cookie is
	// remembered for the next apply
	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.SetEdns0(4096, false)
	setCookieOption(resp.IsEdns0(), client+hex.EncodeToString([]byte("serverck")))
	require.NoError(t, jar.Validate(&Query{msg: msg}, resp, conn, Timeval{}))

	next := new(dns.Msg)
	next.SetQuestion("example.com.", dns.TypeA)
	next.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(next, conn, Timeval{}))
	require.Equal(t, client+hex.EncodeToString([]byte("serverck")), cookieOption(next.IsEdns0()))
}

func TestCookieValidateRejectsMismatch(t *testing.T) {
	jar := NewCookieJar()
	conn := cookieConn(false)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(msg, conn, Timeval{}))

	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.SetEdns0(4096, false)
	setCookieOption(resp.IsEdns0(), hex.EncodeToString([]byte("attacker")))
	require.Error(t, jar.Validate(&Query{msg: msg}, resp, conn, Timeval{}))
}

func TestCookieValidateAcceptsCookielessResponse(t *testing.T) {
	jar := NewCookieJar()
	conn := cookieConn(false)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.SetEdns0(4096, false)
	require.NoError(t, jar.Apply(msg, conn, Timeval{}))

	// A server that ignores cookies is still acceptable
	resp := new(dns.Msg)
	resp.SetReply(msg)
	require.NoError(t, jar.Validate(&Query{msg: msg}, resp, conn, Timeval{}))
}

func TestMismatchedCookieDropsAnswer(t *testing.T) {
	ch, tr, _ := newTestChannel(t, Options{Servers: []string{"10.0.0.1:53"}})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.SetEdns0(4096, false)
	var res result
	require.NoError(t, ch.SendQuery(q, res.callback()))

	sent := tr.lastSent()
	bad := aReply(sent.msg)
	bad.SetEdns0(4096, false)
	setCookieOption(bad.IsEdns0(), hex.EncodeToString([]byte("deadbeef")))
	tr.deliver(sent.conn, bad)
	ch.Tick([]*Conn{sent.conn}, nil)

	// Dropped like a spoofed answer; the query keeps waiting
	require.Equal(t, 0, res.count)
	require.Equal(t, 1, ch.Len())
	require.Empty(t, tr.closed)
}
