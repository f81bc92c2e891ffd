package aresolv

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func cacheQuery(name string) (*Query, *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	return &Query{qid: msg.Id, msg: msg}, msg
}

func TestCacheInsertAndLookup(t *testing.T) {
	c := NewMemoryCache(16)
	now := Timeval{Sec: 100}

	q, msg := cacheQuery("example.com.")
	require.NoError(t, c.Insert(now, q, aReply(msg)))

	probe := new(dns.Msg)
	probe.SetQuestion("example.com.", dns.TypeA)
	probe.Id = 0x4242
	hit := c.Lookup(now, probe)
	require.NotNil(t, hit)
	require.Equal(t, uint16(0x4242), hit.Id)
	require.Len(t, hit.Answer, 1)
	require.Equal(t, uint32(300), hit.Answer[0].Header().Ttl)
}

func TestCacheAgesTTL(t *testing.T) {
	c := NewMemoryCache(16)
	now := Timeval{Sec: 100}

	q, msg := cacheQuery("example.com.")
	require.NoError(t, c.Insert(now, q, aReply(msg)))

	probe := new(dns.Msg)
	probe.SetQuestion("example.com.", dns.TypeA)
	hit := c.Lookup(timeadd(now, 100_000), probe)
	require.NotNil(t, hit)
	require.Equal(t, uint32(200), hit.Answer[0].Header().Ttl)

	// Past the smallest TTL the entry is gone
	require.Nil(t, c.Lookup(timeadd(now, 301_000), probe))
}

func TestCacheCaseInsensitiveKey(t *testing.T) {
	c := NewMemoryCache(16)
	now := Timeval{}

	q, msg := cacheQuery("ExAmPlE.CoM.")
	require.NoError(t, c.Insert(now, q, aReply(msg)))

	probe := new(dns.Msg)
	probe.SetQuestion("example.com.", dns.TypeA)
	require.NotNil(t, c.Lookup(now, probe))
}

func TestCacheRejectsUncacheable(t *testing.T) {
	c := NewMemoryCache(16)
	now := Timeval{}

	q, msg := cacheQuery("example.com.")

	// Truncated responses don't get cached
	tc := aReply(msg)
	tc.Truncated = true
	require.Error(t, c.Insert(now, q, tc))

	// Neither do responses without records
	empty := new(dns.Msg)
	empty.SetReply(msg)
	require.Error(t, c.Insert(now, q, empty))

	// Nor error rcodes other than NXDOMAIN
	servfail := new(dns.Msg)
	servfail.SetRcode(msg, dns.RcodeServerFailure)
	require.Error(t, c.Insert(now, q, servfail))

	require.Nil(t, c.Lookup(now, msg))
}

func TestCacheEvictsLRU(t *testing.T) {
	c := NewMemoryCache(2)
	now := Timeval{}

	for _, name := range []string{"a.example.", "b.example.", "c.example."} {
		q, msg := cacheQuery(name)
		require.NoError(t, c.Insert(now, q, aReply(msg)))
	}

	oldest := new(dns.Msg)
	oldest.SetQuestion("a.example.", dns.TypeA)
	require.Nil(t, c.Lookup(now, oldest))

	newest := new(dns.Msg)
	newest.SetQuestion("c.example.", dns.TypeA)
	require.NotNil(t, c.Lookup(now, newest))
}

func TestChannelInsertsIntoCache(t *testing.T) {
	cache := NewMemoryCache(16)
	ch, tr, clk := newTestChannel(t, Options{
		Servers: []string{"10.0.0.1:53"},
		Cache:   cache,
	})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	var res result
	require.NoError(t, ch.SendQuery(q, res.callback()))
	sent := tr.lastSent()
	tr.deliver(sent.conn, aReply(sent.msg))
	ch.Tick([]*Conn{sent.conn}, nil)
	require.Equal(t, 1, res.count)

	require.NotNil(t, cache.Lookup(clk.Now(), q))
}
