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
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// NegotiatedSession records the outcome of a TLS connection attempt.
// Handshake is false when the connection did not complete; in that case
// CipherSuite and Version are empty and the chain snapshot is nil.
type NegotiatedSession struct {
	Handshake   bool   `json:"handshake"`
	CipherSuite string `json:"cipher_suite,omitempty"`
	Version     string `json:"version,omitempty"`
}

// SubjectData holds components of an X.509 Subject or Issuer Name.
type SubjectData struct {
	Aggregated string `json:"aggregated"`
	C          string `json:"C,omitempty"`
	O          string `json:"O,omitempty"`
	OU         string `json:"OU,omitempty"`
	CN         string `json:"CN,omitempty"`
}

// CertificateSnapshot is one certificate of the peer chain as presented
// during the handshake, reduced to the fields the classifier inspects.
// Unparsed marks a certificate whose DER could not be decoded; such a
// certificate is treated as a non-match and never aborts a chain scan.
type CertificateSnapshot struct {
	Subject       SubjectData `json:"subject"`
	Issuer        SubjectData `json:"issuer"`
	NotBefore     time.Time   `json:"not_before"`
	NotAfter      time.Time   `json:"not_after"`
	SigAlgName    string      `json:"sig_alg_name,omitempty"`
	SigAlgOID     string      `json:"sig_alg_oid,omitempty"`
	PubKeyAlgOID  string      `json:"pubkey_alg_oid,omitempty"`
	ExtensionOIDs []string    `json:"extension_oids,omitempty"`
	Unparsed      bool        `json:"unparsed,omitempty"`
	AsDER         string      `json:"-"` // Base64 DER, kept for fingerprinting only.
}

// ChainSnapshot is the peer certificate chain in received order.
// crypto/tls hands the raw certificates over leaf first, exactly as the
// peer presented them; the classifier's first-match-wins scan relies on
// that order.
type ChainSnapshot []CertificateSnapshot

// Fingerprint calculates a NON-CRYPTOGRAPHIC hash (xxh3) over the
// concatenated DER of the chain. Used for diagnostics and log correlation.
func (c ChainSnapshot) Fingerprint() string {
	if len(c) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, cert := range c {
		sb.WriteString(cert.AsDER)
	}
	h := xxh3.HashString(sb.String())
	return fmt.Sprintf("%x", h)
}

// Summary returns a short human-readable description of the chain,
// suitable for inclusion in replica responses and reports.
func (c ChainSnapshot) Summary() string {
	if len(c) == 0 {
		return "empty chain"
	}
	leaf := c[0]
	if leaf.Unparsed {
		return fmt.Sprintf("%d certificate(s), unparsable leaf", len(c))
	}
	return fmt.Sprintf("%d certificate(s), leaf CN=%q issuer CN=%q", len(c), leaf.Subject.CN, leaf.Issuer.CN)
}

// SnapshotFromRawCert parses a single raw DER certificate into a snapshot.
// A certificate that fails to parse yields an Unparsed snapshot carrying
// only the DER; it is a valid chain member that matches nothing.
func SnapshotFromRawCert(der []byte) CertificateSnapshot {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return CertificateSnapshot{
			Unparsed: true,
			AsDER:    base64.StdEncoding.EncodeToString(der),
		}
	}
	return SnapshotFromX509(cert)
}

// SnapshotFromX509 converts a parsed x509 certificate into a snapshot.
func SnapshotFromX509(cert *x509.Certificate) CertificateSnapshot {
	cs := CertificateSnapshot{
		Subject: SubjectData{
			Aggregated: cert.Subject.String(),
			CN:         cert.Subject.CommonName,
		},
		Issuer: SubjectData{
			Aggregated: cert.Issuer.String(),
			CN:         cert.Issuer.CommonName,
		},
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		SigAlgName: cert.SignatureAlgorithm.String(),
		AsDER:      base64.StdEncoding.EncodeToString(cert.Raw),
	}
	if len(cert.Subject.Country) > 0 {
		cs.Subject.C = cert.Subject.Country[0]
	}
	if len(cert.Subject.Organization) > 0 {
		cs.Subject.O = cert.Subject.Organization[0]
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		cs.Subject.OU = cert.Subject.OrganizationalUnit[0]
	}
	if len(cert.Issuer.Country) > 0 {
		cs.Issuer.C = cert.Issuer.Country[0]
	}
	if len(cert.Issuer.Organization) > 0 {
		cs.Issuer.O = cert.Issuer.Organization[0]
	}
	if len(cert.Issuer.OrganizationalUnit) > 0 {
		cs.Issuer.OU = cert.Issuer.OrganizationalUnit[0]
	}

	// Go names GOST signature algorithms "unknown"; the dotted OID string
	// is recovered from the raw TBS below and from extension OIDs, so an
	// empty SigAlgOID here is not a detection gap.
	cs.SigAlgOID = sigAlgOIDFromRaw(cert)
	cs.PubKeyAlgOID = pubKeyAlgOIDFromRaw(cert)

	cs.ExtensionOIDs = make([]string, 0, len(cert.Extensions))
	for _, ext := range cert.Extensions {
		cs.ExtensionOIDs = append(cs.ExtensionOIDs, ext.Id.String())
	}
	return cs
}

// NormalizeDomain standardizes a domain name for use as a cache key and
// classification target: lowercases, strips scheme/path/port leftovers from
// pasted URLs, and trims stray dots. Returns "" for input that cannot be a
// hostname.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	if i := strings.IndexAny(domain, "/?#"); i >= 0 {
		domain = domain[:i]
	}
	if i := strings.LastIndex(domain, ":"); i >= 0 && !strings.Contains(domain, "]") {
		// Strip a :port suffix, but leave bracketed IPv6 literals alone.
		if _, rest := domain[:i], domain[i+1:]; allDigits(rest) {
			domain = domain[:i]
		}
	}
	domain = strings.ToLower(domain)
	for strings.HasPrefix(domain, ".") {
		domain = domain[1:]
	}
	for strings.HasSuffix(domain, ".") {
		domain = domain[:len(domain)-1]
	}
	if domain == "" || strings.ContainsAny(domain, " \t\n") {
		return ""
	}
	for part := range strings.SplitSeq(domain, ".") {
		if part == "" || strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return ""
		}
	}
	return domain
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
