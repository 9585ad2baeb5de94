package auth

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
)

// maxAuthorityResponse caps the authority's declared response length.
// Prevents unbounded buffering from a corrupt or hostile peer on the
// authority link, mirroring the stream transport's frame cap.
const maxAuthorityResponse = 16 * 1024

// lenPrefixSize is the length-prefix size on the authority link.
const lenPrefixSize = 4

// TLSAuthorityClient exchanges claims with the credential authority over
// a dedicated TLS connection per attempt. Certificate validation happens
// in the TLS handshake; the authority contract on top is a single
// length-prefixed request and a single length-prefixed response.
type TLSAuthorityClient struct {
	addr   string
	tlsCfg *tls.Config
}

// NewTLSAuthorityClient creates a client for the authority at addr.
func NewTLSAuthorityClient(addr string, tlsCfg *tls.Config) *TLSAuthorityClient {
	return &TLSAuthorityClient{addr: addr, tlsCfg: tlsCfg}
}

// Exchange dials the authority, writes the claim, and reads the response.
// The context bounds the whole round trip including the TLS handshake.
func (c *TLSAuthorityClient) Exchange(ctx context.Context, claim []byte) ([]byte, error) {
	dialer := &tls.Dialer{Config: c.tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial authority %s: %w", c.addr, err)
	}
	defer conn.Close() //nolint:errcheck // read side already consumed

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("authority deadline: %w", err)
		}
	}

	if err := writeLenPrefixed(conn, claim); err != nil {
		return nil, fmt.Errorf("send claim: %w", err)
	}

	resp, err := readLenPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("read authority response: %w", err)
	}
	return resp, nil
}

// writeLenPrefixed writes one length-prefixed payload as a single write.
func writeLenPrefixed(w io.Writer, payload []byte) error {
	buf := make([]byte, lenPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lenPrefixSize], uint32(len(payload)))
	copy(buf[lenPrefixSize:], payload)
	_, err := w.Write(buf)
	return err
}

// readLenPrefixed reads one length-prefixed payload, rejecting declared
// lengths over maxAuthorityResponse before allocating.
func readLenPrefixed(r io.Reader) ([]byte, error) {
	var hdr [lenPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxAuthorityResponse {
		return nil, fmt.Errorf("declared length %d over limit %d", length, maxAuthorityResponse)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var _ AuthorityClient = (*TLSAuthorityClient)(nil)
