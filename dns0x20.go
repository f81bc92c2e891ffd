package aresolv

import "github.com/miekg/dns"

// DNS 0x20 (draft-vixie-dnsext-dns0x20): the letter case of a query name
// carries no meaning, so it can be randomized into a covert per-query nonce.
// An off-path spoofer now has to guess the case pattern on top of the
// transaction ID; a real server just echoes the name verbatim.

// randomizeCase rewrites every question name with random letter case, one
// random bit per ASCII letter.
func randomizeCase(msg *dns.Msg, r Random) {
	for i := range msg.Question {
		msg.Question[i].Name = randomizedName(msg.Question[i].Name, r)
	}
}

func randomizedName(name string, r Random) string {
	b := []byte(name)
	bits := make([]byte, (len(b)+7)/8)
	r.Bytes(bits)
	for i, ch := range b {
		lower := ch | 0x20
		if lower < 'a' || lower > 'z' {
			continue
		}
		if bits[i/8]>>(uint(i)%8)&1 == 1 {
			b[i] = lower &^ 0x20
		} else {
			b[i] = lower
		}
	}
	return string(b)
}

// equalASCIIFold compares two names ignoring ASCII letter case.
func equalASCIIFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}
		if ca|0x20 != cb|0x20 || ca|0x20 < 'a' || ca|0x20 > 'z' {
			return false
		}
	}
	return true
}
