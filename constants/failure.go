package constants

import "strings"

// FailureKind classifies why an attempt ended without a result.
type FailureKind string

const (
	// FailureLeaseExpired is only ever produced by the lease sweeper.
	FailureLeaseExpired FailureKind = "lease_expired"
	FailureTransient    FailureKind = "transient"
	FailurePermanent    FailureKind = "permanent"
)

var allFailureKinds = []FailureKind{
	FailureLeaseExpired,
	FailureTransient,
	FailurePermanent,
}

// FailureKinds returns every failure kind, used to pre-register metric labels.
func FailureKinds() []FailureKind {
	out := make([]FailureKind, len(allFailureKinds))
	copy(out, allFailureKinds)
	return out
}

// CanonicalFailureKind maps free-form labels reported by extraction engines
// onto a FailureKind. Unknown labels are treated as transient.
func CanonicalFailureKind(input string) (FailureKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return FailureTransient, false
	}

	synonyms := map[string]FailureKind{
		"retryable":      FailureTransient,
		"network":        FailureTransient,
		"timeout":        FailureTransient,
		"download_error": FailureTransient,
		"malformed":      FailurePermanent,
		"unrecoverable":  FailurePermanent,
		"pdf_missing":    FailurePermanent,
		"parser_missing": FailurePermanent,
	}
	if k, ok := synonyms[normalized]; ok {
		return k, true
	}

	for _, k := range allFailureKinds {
		if normalized == string(k) {
			return k, true
		}
	}
	return FailureTransient, false
}
