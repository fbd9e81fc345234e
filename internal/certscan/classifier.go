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
	"fmt"
	"strings"
)

// Verdict is the outcome of classifying one domain's TLS endpoint.
// Exactly one verdict is produced per classification; precedence when
// several signals are present is certificate-level > cipher-level >
// CA-name heuristic > default.
type Verdict int

const (
	// VerdictConnectionError: the handshake did not complete, or the
	// replica pool was exhausted. A normal, reportable outcome.
	VerdictConnectionError Verdict = iota
	// VerdictForeignCA: nothing Russian found anywhere in the session.
	VerdictForeignCA
	// VerdictRussianCA: issuer name matched a Russian-CA operator pattern
	// but no GOST algorithm signal was present.
	VerdictRussianCA
	// VerdictGOSTCipher: the negotiated cipher suite is a GOST family
	// cipher; circumstantial — no certificate-level confirmation.
	VerdictGOSTCipher
	// VerdictGOSTCert: a certificate in the chain carries a GOST algorithm
	// marker or OID. Definitive; overrides every other signal.
	VerdictGOSTCert
)

var verdictNames = map[Verdict]string{
	VerdictConnectionError: "CONNECTION_ERROR",
	VerdictForeignCA:       "FOREIGN_CA",
	VerdictRussianCA:       "RUS_CA",
	VerdictGOSTCipher:      "GOST_CIPHER",
	VerdictGOSTCert:        "GOST_CERT",
}

func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// IsGOST reports whether the verdict indicates GOST cryptography in use.
func (v Verdict) IsGOST() bool {
	return v == VerdictGOSTCipher || v == VerdictGOSTCert
}

// ParseVerdict maps a wire-format verdict string back to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	for v, name := range verdictNames {
		if name == s {
			return v, nil
		}
	}
	return VerdictConnectionError, fmt.Errorf("unknown verdict %q", s)
}

// MarshalText implements encoding.TextMarshaler for JSON wire use.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Detection ruleset. The literal patterns are the contract: GOST ciphers are
// recognized by their OpenSSL-style suite names, GOST certificates by the
// "GOST R" algorithm naming or any object identifier under the Russian
// national arc, and Russian CAs by operator-name markers.
const (
	// GOSTOIDPrefix is the root of the Russian national cryptography OID arc.
	GOSTOIDPrefix = "1.2.643."
	// GOSTTextMarker appears in the textual names of GOST R 34.10/34.11
	// algorithms as rendered by common TLS stacks.
	GOSTTextMarker = "GOST R"
)

// gostCipherMarkers are the suite-name fragments of the GOST cipher family
// (GOST2012-GOST8912-GOST89 as negotiated by GOST-enabled OpenSSL builds).
var gostCipherMarkers = []string{"GOST2012", "GOST8912", "GOST89"}

// russianCAMarkers identify certificate authorities presumed
// Russian-operated by issuer name, independent of algorithm use.
var russianCAMarkers = []string{
	"Russian Trusted",
	"CryptoPro",
	"Ministry of Digital Development",
	"Federal Treasury",
}

// signal ranks the strength of classification evidence. The accumulator
// only ever moves upward: a weaker signal never replaces a stronger one.
type signal int

const (
	signalNone signal = iota
	signalRussianCA
	signalGOSTCipher
	signalGOSTCert
)

func (s signal) verdict() Verdict {
	switch s {
	case signalGOSTCert:
		return VerdictGOSTCert
	case signalGOSTCipher:
		return VerdictGOSTCipher
	case signalRussianCA:
		return VerdictRussianCA
	default:
		return VerdictForeignCA
	}
}

// Classify maps a captured session and chain to a verdict. Pure: identical
// inputs always produce the identical verdict, and nothing is mutated.
//
// The scan is a single ordered pass. A certificate-level GOST match is
// definitive and stops the scan immediately; a cipher-level match is set
// up front as a tentative verdict; a Russian-CA issuer match is recorded
// only while no stronger signal exists. An unparsable certificate in the
// chain is skipped, never fatal.
func Classify(session NegotiatedSession, chain ChainSnapshot) Verdict {
	if !session.Handshake {
		return VerdictConnectionError
	}

	acc := signalNone
	if cipherIsGOST(session.CipherSuite) {
		acc = signalGOSTCipher
	}

	for _, cert := range chain {
		if cert.Unparsed {
			continue
		}
		if certIsGOST(cert) {
			return VerdictGOSTCert
		}
		if acc < signalRussianCA && issuerIsRussian(cert) {
			acc = signalRussianCA
		}
	}
	return acc.verdict()
}

// cipherIsGOST reports whether a negotiated cipher-suite name belongs to
// the GOST cipher family.
func cipherIsGOST(suite string) bool {
	if suite == "" {
		return false
	}
	upper := strings.ToUpper(suite)
	for _, marker := range gostCipherMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// certIsGOST inspects a certificate's algorithm fields for GOST signals:
// the "GOST R" textual marker in the signature algorithm name or name
// fields, or any OID under the 1.2.643. arc in the signature algorithm,
// public key algorithm, or extensions.
func certIsGOST(cert CertificateSnapshot) bool {
	if strings.HasPrefix(cert.SigAlgOID, GOSTOIDPrefix) ||
		strings.HasPrefix(cert.PubKeyAlgOID, GOSTOIDPrefix) {
		return true
	}
	for _, oid := range cert.ExtensionOIDs {
		if strings.HasPrefix(oid, GOSTOIDPrefix) {
			return true
		}
	}
	for _, text := range []string{cert.SigAlgName, cert.Subject.Aggregated, cert.Issuer.Aggregated} {
		if strings.Contains(text, GOSTTextMarker) {
			return true
		}
	}
	return false
}

// issuerIsRussian matches the issuer name against the Russian-CA operator
// markers. Matching is case-insensitive across the aggregated issuer string.
func issuerIsRussian(cert CertificateSnapshot) bool {
	issuer := strings.ToLower(cert.Issuer.Aggregated + " " + cert.Issuer.CN + " " + cert.Issuer.O)
	for _, marker := range russianCAMarkers {
		if strings.Contains(issuer, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
