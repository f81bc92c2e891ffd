/*
Package aresolv implements the query engine of an asynchronous stub DNS
resolver. It multiplexes many concurrent queries over a pool of UDP and TCP
connections to a ranked set of upstream servers, drives retries and server
failover, enforces per-query timeouts and interprets response codes to decide
whether an answer is final, should switch transport, or should be rewritten
and resent.

The engine is event-driven and owns no goroutines. The host submits queries
with SendQuery and drives the engine by calling Tick whenever sockets become
readable or writable, or when enough time has passed that queries may have
expired. Completion callbacks are invoked from within these calls.

Wire encoding, socket I/O, response caching, DNS cookies, latency tracking
and randomness are consumed through small interfaces (Codec, Transport,
QueryCache, CookieEngine, Metrics, Random). Defaults backed by miekg/dns,
the net package, RFC 7873 client cookies, a smoothed RTT estimator and a
Fortuna CSPRNG are used when no override is given. Response caching is off
unless a QueryCache is supplied; MemoryCache is an LRU implementation.

	ch, err := aresolv.NewChannel(aresolv.Options{
		Servers: []string{"8.8.8.8:53", "1.1.1.1:53"},
	})
	if err != nil {
		panic(err)
	}
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	ch.SendQuery(q, func(err error, timeouts int, reply *dns.Msg) {
		// ...
	})
	for ch.Len() > 0 {
		ch.Tick(ch.Connections(), nil)
	}
*/
package aresolv
