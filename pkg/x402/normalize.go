// Package x402 implements the payment gate state machine: gate lifecycle,
// wallet-issued authorization decisions, escalation, wind-down, insolvency
// sweeps, and reversal dispatch.
package x402

import "strings"

// NormalizeReasonCodes trims, uppercases, drops empties, and dedups
// preserving first occurrence. Gateway adapters must reproduce this
// bit-for-bit so response headers match decision records; the function is
// idempotent.
func NormalizeReasonCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// PrimaryReasonCode returns the first normalized code, or "".
func PrimaryReasonCode(codes []string) string {
	norm := NormalizeReasonCodes(codes)
	if len(norm) == 0 {
		return ""
	}
	return norm[0]
}
