/*
Package replica implements the classification replica surface: a small HTTP
service that classifies one domain per request, a client for calling such
services, and an in-process checker that does the same work without a network
hop. The dispatcher in internal/core treats all of them uniformly through the
Checker interface.
*/
package replica

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

	"github.com/x-stp/gostscan/internal/certscan"
)

// Result is the outcome of classifying a single domain.
// A handshake failure against the target is a normal Result carrying
// VerdictConnectionError, not an error; errors mean the check itself
// could not run (replica down, deadline hit before the target answered).
type Result struct {
	Domain  string           `json:"domain"`
	Verdict certscan.Verdict `json:"verdict"`
	IsGOST  bool             `json:"is_gost"`
	Cipher  string           `json:"cipher,omitempty"`
	Version string           `json:"version,omitempty"`
	// ChainSummary is a one-line description of the served chain. It stays
	// in responses even when the full chain detail is not requested.
	ChainSummary string                 `json:"chain_summary,omitempty"`
	Chain        certscan.ChainSnapshot `json:"chain,omitempty"`
}

// Checker classifies a single domain. Implementations must be safe for
// concurrent use.
type Checker interface {
	Check(ctx context.Context, domain string) (*Result, error)
}
