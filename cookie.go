package aresolv

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// CookieEngine applies DNS cookies to outbound queries and validates them on
// answers. A Validate error makes the engine drop the answer as if it never
// arrived; the engine may then requeue or let the query time out.
type CookieEngine interface {
	// Apply decorates the outbound message for the given connection.
	Apply(msg *dns.Msg, conn *Conn, now Timeval) error

	// Validate checks the response against the cookie state for the
	// connection's server. An error means the answer must be ignored.
	Validate(q *Query, resp *dns.Msg, conn *Conn, now Timeval) error
}

// NopCookies disables cookie handling.
type NopCookies struct{}

func (NopCookies) Apply(*dns.Msg, *Conn, Timeval) error            { return nil }
func (NopCookies) Validate(*Query, *dns.Msg, *Conn, Timeval) error { return nil }

const clientCookieLen = 8

// CookieJar is the default CookieEngine, implementing RFC 7873 client
// cookies. Each server gets a stable 8-byte client cookie; a server cookie
// learned from an answer is attached to subsequent queries. Cookies only
// ride on UDP: TCP's handshake already provides the return-path proof they
// exist for.
type CookieJar struct {
	mu      sync.Mutex
	clients map[string][]byte // server addr -> 8-byte client cookie
	servers map[string][]byte // server addr -> learned server cookie
}

// NewCookieJar returns an empty cookie store.
func NewCookieJar() *CookieJar {
	return &CookieJar{
		clients: make(map[string][]byte),
		servers: make(map[string][]byte),
	}
}

var errCookieMismatch = errors.New("client cookie not echoed")

func (j *CookieJar) Apply(msg *dns.Msg, conn *Conn, now Timeval) error {
	if conn.TCP() {
		return nil
	}
	opt := msg.IsEdns0()
	if opt == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	cookie, err := j.clientCookie(conn.Server().Addr())
	if err != nil {
		return err
	}
	full := append([]byte(nil), cookie...)
	full = append(full, j.servers[conn.Server().Addr()]...)
	setCookieOption(opt, hex.EncodeToString(full))
	return nil
}

func (j *CookieJar) Validate(q *Query, resp *dns.Msg, conn *Conn, now Timeval) error {
	if conn.TCP() {
		return nil
	}
	opt := resp.IsEdns0()
	if opt == nil {
		return nil
	}
	echoed := cookieOption(opt)
	if echoed == "" {
		// Server doesn't do cookies. Acceptable.
		return nil
	}
	raw, err := hex.DecodeString(echoed)
	if err != nil || len(raw) < clientCookieLen {
		return errors.Wrap(errCookieMismatch, "bad cookie encoding")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	ours := j.clients[conn.Server().Addr()]
	if ours == nil {
		return nil
	}
	if !bytes.Equal(raw[:clientCookieLen], ours) {
		return errCookieMismatch
	}
	if len(raw) > clientCookieLen {
		// Remember the server cookie for future queries.
		j.servers[conn.Server().Addr()] = append([]byte(nil), raw[clientCookieLen:]...)
	}
	return nil
}

// clientCookie returns the stable client cookie for a server, creating it on
// first use. Caller holds the jar lock.
func (j *CookieJar) clientCookie(addr string) ([]byte, error) {
	if cookie, ok := j.clients[addr]; ok {
		return cookie, nil
	}
	cookie := make([]byte, clientCookieLen)
	if _, err := rand.Read(cookie); err != nil {
		return nil, err
	}
	j.clients[addr] = cookie
	return cookie, nil
}

func cookieOption(opt *dns.OPT) string {
	for _, o := range opt.Option {
		if cookie, ok := o.(*dns.EDNS0_COOKIE); ok {
			return cookie.Cookie
		}
	}
	return ""
}

func setCookieOption(opt *dns.OPT, value string) {
	for _, o := range opt.Option {
		if cookie, ok := o.(*dns.EDNS0_COOKIE); ok {
			cookie.Cookie = value
			return
		}
	}
	opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{
		Code:   dns.EDNS0COOKIE,
		Cookie: value,
	})
}
