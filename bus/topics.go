package bus

import "strings"

// Broadcast topics. Targeted topics append a sanitized agent ref so the bus
// fabric routes point-to-point traffic without the broadcast fan-out.
const (
	TopicJobsBroadcast = "jobs.broadcast"
	TopicJobsBids      = "jobs.bids"
	TopicAttestations  = "verify.attestations"
	TopicReputation    = "reputation.updates"

	topicJobsAcceptPrefix    = "jobs.accept."
	topicVerifyRequestPrefix = "verify.request."
	topicVerifyResultPrefix  = "verify.result."
)

// TopicJobsAccept is where a worker hears that its offer won.
func TopicJobsAccept(workerRef string) string {
	return topicJobsAcceptPrefix + SanitizeRef(workerRef)
}

// TopicVerifyRequest is where a verification coordinator receives judging
// requests.
func TopicVerifyRequest(verifierRef string) string {
	return topicVerifyRequestPrefix + SanitizeRef(verifierRef)
}

// TopicVerifyResult is where a registry receives verdicts for its jobs.
func TopicVerifyResult(registryRef string) string {
	return topicVerifyResultPrefix + SanitizeRef(registryRef)
}

// SanitizeRef maps an agent ref onto a single subject token. NATS subjects
// treat '.' as a separator and reject whitespace, so everything outside
// [A-Za-z0-9_-] collapses to '-'. The scheme prefix is dropped first to keep
// topics readable.
func SanitizeRef(ref string) string {
	ref = strings.TrimPrefix(ref, "agent://")
	var b strings.Builder
	b.Grow(len(ref))
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
