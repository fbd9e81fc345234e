package certscan

/*
gostscan — GOST and Russian-CA TLS endpoint classifier
Copyright (C) 2025  Pepijn van der Stap <gostscan@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

const (
	// HTTPSPort is the port the fetcher connects to.
	HTTPSPort = "443"
	// DefaultConnectTimeout bounds the dial plus handshake of one attempt.
	DefaultConnectTimeout = 15 * time.Second
)

// Fetcher opens raw TLS sessions and captures the negotiated parameters
// and the peer chain exactly as presented. Trust verification is disabled
// on purpose: the goal is signal inspection, not a trust decision. The
// fetcher never retries; retry policy belongs to the dispatcher.
type Fetcher struct {
	ConnectTimeout time.Duration
}

// NewFetcher returns a Fetcher with the given connect/handshake timeout.
// A zero timeout selects DefaultConnectTimeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Fetcher{ConnectTimeout: timeout}
}

// Fetch performs one TLS handshake against domain:443 with the domain as
// SNI. On success it returns the negotiated session and the chain snapshot
// in received (leaf-first) order. On timeout, refusal, or any
// handshake-layer error it returns a session with Handshake=false, a nil
// chain, and the underlying error; callers classify that outcome as a
// connection failure rather than treating it as fatal.
func (f *Fetcher) Fetch(ctx context.Context, domain string) (NegotiatedSession, ChainSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.ConnectTimeout)
	defer cancel()

	var rawChain [][]byte
	cfg := &tls.Config{
		ServerName:         domain,
		InsecureSkipVerify: true,
		// Capturing rawCerts here lets each certificate be parsed
		// independently later; a malformed intermediate must not abort
		// the handshake or the scan.
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			rawChain = make([][]byte, len(rawCerts))
			for i, rc := range rawCerts {
				rawChain[i] = append([]byte(nil), rc...)
			}
			return nil
		},
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: f.ConnectTimeout},
		Config:    cfg,
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(domain, HTTPSPort))
	if err != nil {
		return NegotiatedSession{Handshake: false}, nil, fmt.Errorf("tls handshake with %s failed: %w", domain, err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return NegotiatedSession{Handshake: false}, nil, fmt.Errorf("unexpected connection type %T for %s", conn, domain)
	}
	state := tlsConn.ConnectionState()

	session := NegotiatedSession{
		Handshake:   true,
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		Version:     tls.VersionName(state.Version),
	}

	chain := make(ChainSnapshot, 0, len(rawChain))
	for _, der := range rawChain {
		chain = append(chain, SnapshotFromRawCert(der))
	}
	return session, chain, nil
}
