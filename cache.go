package aresolv

import (
	"errors"
	"strings"
	"sync"

	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// QueryCache stores successful answers. The engine inserts on every accepted
// response; lookups are the host's business before it submits a query.
type QueryCache interface {
	// Insert stores the response for the query's question. An error means
	// the response was not cacheable; the engine ignores it either way.
	Insert(now Timeval, q *Query, resp *dns.Msg) error
}

var errNotCacheable = errors.New("response not cacheable")

type cacheKey struct {
	name   string
	qtype  uint16
	qclass uint16
}

type cacheAnswer struct {
	stamp  Timeval // when the answer was stored
	expiry Timeval
	msg    *dns.Msg
}

// MemoryCache is the default QueryCache: an LRU of answers held until their
// smallest TTL runs out.
type MemoryCache struct {
	mu    sync.Mutex
	items gcache.Cache
}

// NewMemoryCache returns a cache holding up to capacity answers.
func NewMemoryCache(capacity int) *MemoryCache {
	return &MemoryCache{
		items: gcache.New(capacity).LRU().Build(),
	}
}

func (m *MemoryCache) Insert(now Timeval, q *Query, resp *dns.Msg) error {
	if resp.Truncated || len(resp.Question) == 0 {
		return errNotCacheable
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return errNotCacheable
	}
	ttl, ok := minTTL(resp)
	if !ok || ttl == 0 {
		return errNotCacheable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Set(keyFor(resp.Question[0]), &cacheAnswer{
		stamp:  now,
		expiry: timeadd(now, int(ttl)*1000),
		msg:    resp,
	})
}

// Lookup returns a cached answer for msg's question with TTLs aged to now,
// or nil on a miss. The returned message is a copy carrying msg's ID.
func (m *MemoryCache) Lookup(now Timeval, msg *dns.Msg) *dns.Msg {
	if len(msg.Question) == 0 {
		return nil
	}
	m.mu.Lock()
	v, err := m.items.Get(keyFor(msg.Question[0]))
	m.mu.Unlock()
	if err != nil {
		return nil
	}
	answer := v.(*cacheAnswer)
	if timedout(now, answer.expiry) {
		m.mu.Lock()
		m.items.Remove(keyFor(msg.Question[0]))
		m.mu.Unlock()
		return nil
	}
	aged := answer.msg.Copy()
	aged.Id = msg.Id
	age := uint32(millisBetween(answer.stamp, now) / 1000)
	for _, section := range [][]dns.RR{aged.Answer, aged.Ns, aged.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if rr.Header().Ttl > age {
				rr.Header().Ttl -= age
			} else {
				rr.Header().Ttl = 0
			}
		}
	}
	return aged
}

// minTTL finds the smallest TTL across all record sections, ignoring OPT.
func minTTL(msg *dns.Msg) (uint32, bool) {
	found := false
	min := uint32(0)
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if !found || rr.Header().Ttl < min {
				min = rr.Header().Ttl
				found = true
			}
		}
	}
	return min, found
}

// keyFor builds the cache key for a question. Names are folded so 0x20
// randomization does not fragment the cache.
func keyFor(question dns.Question) cacheKey {
	return cacheKey{
		name:   strings.ToLower(question.Name),
		qtype:  question.Qtype,
		qclass: question.Qclass,
	}
}
