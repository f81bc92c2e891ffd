package aresolv

import (
	"encoding/binary"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Codec packs and parses DNS messages. The engine frames every outbound
// message with the two-byte TCP length prefix; for UDP the Transport strips
// the prefix again before the datagram hits the wire.
type Codec interface {
	// Parse decodes one wire-format message.
	Parse(p []byte) (*dns.Msg, error)

	// AppendTCPFramed appends msg in wire format, preceded by its 16-bit
	// length, to buf and returns the extended buffer.
	AppendTCPFramed(buf []byte, msg *dns.Msg) ([]byte, error)
}

// wireCodec is the default Codec, backed by miekg/dns.
type wireCodec struct{}

func (wireCodec) Parse(p []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(p); err != nil {
		return nil, errors.Wrap(ErrBadResponse, err.Error())
	}
	return msg, nil
}

func (wireCodec) AppendTCPFramed(buf []byte, msg *dns.Msg) ([]byte, error) {
	wire, err := msg.Pack()
	if err != nil {
		return buf, err
	}
	if len(wire) > maxDNSMessageSize {
		return buf, ErrNoMem
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(wire)))
	buf = append(buf, prefix[:]...)
	return append(buf, wire...), nil
}

// Largest message representable with the 16-bit length prefix, and the read
// chunk size used by the connection reader.
const maxDNSMessageSize = 65535
