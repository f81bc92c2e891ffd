package aresolv

import (
	"container/list"
	"sync"

	"github.com/miekg/dns"
	"github.com/tevino/abool"
)

// Flag values altering the engine's response handling.
type Flag uint

const (
	// FlagIgnoreTC accepts truncated UDP responses instead of retrying the
	// query over TCP.
	FlagIgnoreTC Flag = 1 << iota

	// FlagNoCheckResp delivers SERVFAIL, NOTIMP and REFUSED responses to
	// the caller instead of treating them as server failures.
	FlagNoCheckResp

	// FlagDNS0x20 randomizes the letter case of outgoing query names and
	// requires UDP responses to echo the case exactly.
	FlagDNS0x20
)

// Defaults applied by NewChannel for zero-valued options.
const (
	defaultTimeout           = 2000 // ms
	defaultTries             = 3
	defaultServerRetryDelay  = 5000 // ms
	defaultServerRetryChance = 10
)

// Options configure a Channel. Only Servers is required.
type Options struct {
	// Servers lists the upstream endpoints in host:port form, in priority
	// order.
	Servers []string

	// Flags alter response handling, see the Flag constants.
	Flags Flag

	// Rotate picks a random server per attempt instead of the ranked
	// failover policy.
	Rotate bool

	// Tries is the number of attempts per server before a query is failed.
	// Default 3.
	Tries int

	// ServerRetryChance is the inverse probability of probing a failed
	// server while healthier ones exist. Default 10, negative to never
	// probe.
	ServerRetryChance int

	// ServerRetryDelay is the time in milliseconds a failed server is
	// exempt from probing. Default 5000.
	ServerRetryDelay int

	// Timeout is the base query timeout in milliseconds before latency
	// data exists. Default 2000.
	Timeout int

	// MaxTimeout caps the per-attempt timeout growth in milliseconds,
	// 0 for no cap.
	MaxTimeout int

	// UDPMaxQueries retires a UDP connection after this many queries,
	// 0 for no limit.
	UDPMaxQueries int

	// Transport, Codec, Cookies, Metrics and Rand override the built-in
	// collaborators. Cache enables response caching; nil disables it.
	Transport Transport
	Codec     Codec
	Cache     QueryCache
	Cookies   CookieEngine
	Metrics   Metrics
	Rand      Random

	// Now overrides the clock, mainly for tests.
	Now func() Timeval

	// ServerStateCallback is invoked when a server is marked failed or
	// good. Must not call back into the channel.
	ServerStateCallback func(server string, success bool, usedTCP bool)

	// PendingWriteCallback, when set, defers TCP flushes: instead of
	// writing during dispatch the engine invokes this callback, and the
	// host calls ProcessPendingWrite at a time of its choosing.
	PendingWriteCallback func()

	// QueueEmptyCallback is invoked when the last live query completed.
	QueueEmptyCallback func()
}

// completion is a finished query whose callback still has to run. Callbacks
// fire after the channel lock is released so they can submit new queries.
type completion struct {
	cb       Callback
	status   error
	timeouts int
	reply    *dns.Msg
}

// Channel is a resolver context: the server set, all live queries and the
// connections they ride on. A single mutex serializes every public entry
// point; the channel itself starts no goroutines.
type Channel struct {
	mu  sync.Mutex
	opt Options

	servers  []*Server
	queries  map[uint16]*Query // by transaction ID
	timeouts *list.List        // of *Query, deadline ascending

	transport Transport
	codec     Codec
	cache     QueryCache
	cookies   CookieEngine
	metrics   Metrics
	rand      Random
	now       func() Timeval

	notifyPendingWrite bool
	closed             *abool.AtomicBool

	pending []completion
}

// NewChannel creates a resolver channel for the given servers.
func NewChannel(opt Options) (*Channel, error) {
	if opt.Tries <= 0 {
		opt.Tries = defaultTries
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}
	if opt.ServerRetryDelay <= 0 {
		opt.ServerRetryDelay = defaultServerRetryDelay
	}
	if opt.ServerRetryChance == 0 {
		opt.ServerRetryChance = defaultServerRetryChance
	}
	c := &Channel{
		opt:       opt,
		queries:   make(map[uint16]*Query),
		timeouts:  list.New(),
		transport: opt.Transport,
		codec:     opt.Codec,
		cache:     opt.Cache,
		cookies:   opt.Cookies,
		metrics:   opt.Metrics,
		rand:      opt.Rand,
		now:       opt.Now,
		closed:    abool.New(),
	}
	if c.transport == nil {
		c.transport = NewNetTransport()
	}
	if c.codec == nil {
		c.codec = wireCodec{}
	}
	if c.cookies == nil {
		c.cookies = NewCookieJar()
	}
	if c.rand == nil {
		r, err := NewRandom()
		if err != nil {
			return nil, err
		}
		c.rand = r
	}
	if c.metrics == nil {
		c.metrics = NewBasicMetrics(opt.Timeout)
	}
	if c.now == nil {
		c.now = monotonicNow
	}
	for i, addr := range opt.Servers {
		c.servers = append(c.servers, &Server{addr: addr, priority: i})
	}
	return c, nil
}

// Len returns the number of live queries.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// Connections returns a snapshot of all open connections, for hosts that
// poll sockets themselves and need the readiness arguments to Tick.
func (c *Channel) Connections() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	var conns []*Conn
	for _, srv := range c.servers {
		conns = append(conns, srv.conns...)
	}
	return conns
}

// SendQuery submits msg for resolution. The message's ID is replaced with a
// transaction ID unique among the live queries, and when FlagDNS0x20 is set
// the query name's letter case is randomized. When SendQuery returns nil, cb
// is invoked exactly once: from a later Tick, ProcessPendingWrite or Close,
// or before SendQuery returns if the query fails immediately. When it returns
// an error, cb is never invoked.
func (c *Channel) SendQuery(msg *dns.Msg, cb Callback) error {
	return c.submit(msg, cb, false)
}

// SendQueryOnce submits msg like SendQuery but without retries: the first
// failed attempt ends the query.
func (c *Channel) SendQueryOnce(msg *dns.Msg, cb Callback) error {
	return c.submit(msg, cb, true)
}

func (c *Channel) submit(msg *dns.Msg, cb Callback, noRetries bool) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	now := c.now()

	qid, err := c.pickQid()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	// The engine owns its copy: the ID changes, 0x20 may rewrite the name
	// and the EDNS downgrade may strip the OPT record.
	msg = msg.Copy()
	msg.Id = qid
	if c.opt.Flags&FlagDNS0x20 != 0 {
		randomizeCase(msg, c.rand)
	}

	q := &Query{
		qid:       qid,
		msg:       msg,
		cb:        cb,
		noRetries: noRetries,
	}
	c.insertQuery(q)
	c.sendQuery(q, now)

	c.finish()
	return nil
}

// pickQid draws transaction IDs until one is free. With 65536 possible IDs
// the retry loop only matters under extreme load.
func (c *Channel) pickQid() (uint16, error) {
	if len(c.queries) >= maxDNSMessageSize {
		return 0, ErrNoMem
	}
	for {
		qid := c.rand16()
		if _, taken := c.queries[qid]; !taken {
			return qid, nil
		}
	}
}

// Close ends every live query with ErrCancelled and closes all connections.
// The channel cannot be used afterwards.
func (c *Channel) Close() {
	if !c.closed.SetToIf(false, true) {
		return
	}
	c.mu.Lock()
	now := c.now()
	for _, q := range c.queries {
		c.endQuery(q, nil, ErrCancelled, nil, now)
	}
	for _, srv := range c.servers {
		for len(srv.conns) > 0 {
			c.closeConn(srv.conns[0], ErrCancelled)
		}
	}
	c.finish()
}

// finish releases the lock and delivers the completions collected during the
// locked section. Running callbacks unlocked lets them submit follow-up
// queries through the public API. The queue-empty observer fires only if the
// callbacks did not refill the table.
func (c *Channel) finish() {
	done := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(done) == 0 {
		return
	}
	for _, d := range done {
		if d.cb != nil {
			d.cb(d.status, d.timeouts, d.reply)
		}
	}
	if c.opt.QueueEmptyCallback != nil {
		c.mu.Lock()
		empty := len(c.queries) == 0
		c.mu.Unlock()
		if empty {
			c.opt.QueueEmptyCallback()
		}
	}
}

