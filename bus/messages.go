package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"jobmesh-backend/core/marketplace"
)

// Envelope message types.
const (
	MsgJobBroadcast        = "job_broadcast"
	MsgBid                 = "bid"
	MsgAcceptance          = "acceptance"
	MsgVerificationRequest = "verification_request"
	MsgVerificationResult  = "verification_result"
	MsgAttestation         = "attestation"
	MsgReputationUpdate    = "reputation_update"
)

// Envelope is the generic container for every protocol message. Exactly one
// payload pointer is set, named by Type; unknown payload fields are ignored so
// mixed-version fleets keep interoperating.
type Envelope struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`

	JobBroadcast        *JobBroadcast                        `json:"job_broadcast,omitempty"`
	Bid                 *Bid                                 `json:"bid,omitempty"`
	Acceptance          *Acceptance                          `json:"acceptance,omitempty"`
	VerificationRequest *VerificationRequest                 `json:"verification_request,omitempty"`
	VerificationResult  *VerificationResult                  `json:"verification_result,omitempty"`
	Attestation         *marketplace.VerificationAttestation `json:"attestation,omitempty"`
	ReputationUpdate    *ReputationUpdate                    `json:"reputation_update,omitempty"`
}

// JobBroadcast announces an open job to every listening worker.
type JobBroadcast struct {
	JobID          string     `json:"job_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	BudgetSats     int64      `json:"budget_sats"`
	RequiredSkills []string   `json:"required_skills,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	JobType        string     `json:"job_type,omitempty"`
	ClientRef      string     `json:"client_ref"`
}

// Bid is a worker's offer on a broadcast job.
type Bid struct {
	OfferID         string    `json:"offer_id"`
	JobID           string    `json:"job_id"`
	WorkerRef       string    `json:"worker_ref"`
	PriceSats       int64     `json:"price_sats"`
	ETA             time.Time `json:"eta"`
	SLATerms        string    `json:"sla_terms,omitempty"`
	ReputationScore int       `json:"reputation_score"`
}

// Acceptance tells the winning worker its offer was chosen and which escrow
// to watch for funding. VerifierRef and RegistryRef route the later
// verification request and result.
type Acceptance struct {
	JobID       string `json:"job_id"`
	OfferID     string `json:"offer_id"`
	WorkerRef   string `json:"worker_ref"`
	ClientRef   string `json:"client_ref"`
	EscrowID    string `json:"escrow_id"`
	PriceSats   int64  `json:"price_sats"`
	VerifierRef string `json:"verifier_ref"`
	RegistryRef string `json:"registry_ref"`
}

// VerificationRequest asks a coordinator to judge a delivery. RegistryRef
// names the topic suffix the result must be sent back on.
type VerificationRequest struct {
	EscrowID    string     `json:"escrow_id"`
	JobID       string     `json:"job_id"`
	DeliveryRef string     `json:"delivery_ref"`
	WorkerRef   string     `json:"worker_ref"`
	ClientRef   string     `json:"client_ref"`
	JobType     string     `json:"job_type,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	DeliveredAt time.Time  `json:"delivered_at"`
	RegistryRef string     `json:"registry_ref"`
}

// VerificationResult is the coordinator's verdict, targeted at the registry
// that owns the job.
type VerificationResult struct {
	EscrowID    string  `json:"escrow_id"`
	JobID       string  `json:"job_id"`
	DeliveryRef string  `json:"delivery_ref"`
	Passed      bool    `json:"passed"`
	Score       float64 `json:"score"`
	VerifierRef string  `json:"verifier_ref"`
	Verifiers   int     `json:"verifiers"`
}

// ReputationUpdate broadcasts the settled outcome of one job so ledgers can
// fold it into the parties' records.
type ReputationUpdate struct {
	EscrowID    string                       `json:"escrow_id"`
	JobID       string                       `json:"job_id"`
	WorkerRef   string                       `json:"worker_ref"`
	ClientRef   string                       `json:"client_ref"`
	Success     bool                         `json:"success"`
	Scores      marketplace.ReputationScores `json:"scores"`
	CompletedAt time.Time                    `json:"completed_at"`
}

// NewEnvelope stamps a fresh envelope for the given message type. The caller
// sets exactly one payload pointer before publishing.
func NewEnvelope(msgType, sender string) *Envelope {
	return &Envelope{
		Type:      msgType,
		MessageID: marketplace.NewMessageID(),
		Sender:    sender,
		Timestamp: time.Now().Unix(),
	}
}

// ValidationError reports why an envelope was rejected.
type ValidationError struct {
	MsgType string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("envelope: type=%s: %s", e.MsgType, e.Reason)
	}
	return fmt.Sprintf("envelope: type=%s field=%s: %s", e.MsgType, e.Field, e.Reason)
}

func missing(msgType, field string) error {
	return ValidationError{MsgType: msgType, Field: field, Reason: "missing required field"}
}

// Validate enforces the per-type required fields. Malformed traffic is
// rejected here, once, so handlers never see a half-filled payload.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrNilEnvelope
	}
	if e.MessageID == "" {
		return missing(e.Type, "message_id")
	}
	if e.Sender == "" {
		return missing(e.Type, "sender")
	}
	switch e.Type {
	case MsgJobBroadcast:
		p := e.JobBroadcast
		if p == nil {
			return missing(e.Type, "job_broadcast")
		}
		switch {
		case p.JobID == "":
			return missing(e.Type, "job_id")
		case p.Title == "":
			return missing(e.Type, "title")
		case p.BudgetSats <= 0:
			return ValidationError{MsgType: e.Type, Field: "budget_sats", Reason: "must be positive"}
		case p.ClientRef == "":
			return missing(e.Type, "client_ref")
		}
	case MsgBid:
		p := e.Bid
		if p == nil {
			return missing(e.Type, "bid")
		}
		switch {
		case p.OfferID == "":
			return missing(e.Type, "offer_id")
		case p.JobID == "":
			return missing(e.Type, "job_id")
		case p.WorkerRef == "":
			return missing(e.Type, "worker_ref")
		case p.PriceSats <= 0:
			return ValidationError{MsgType: e.Type, Field: "price_sats", Reason: "must be positive"}
		}
	case MsgAcceptance:
		p := e.Acceptance
		if p == nil {
			return missing(e.Type, "acceptance")
		}
		switch {
		case p.JobID == "":
			return missing(e.Type, "job_id")
		case p.OfferID == "":
			return missing(e.Type, "offer_id")
		case p.WorkerRef == "":
			return missing(e.Type, "worker_ref")
		case p.EscrowID == "":
			return missing(e.Type, "escrow_id")
		case p.RegistryRef == "":
			return missing(e.Type, "registry_ref")
		}
	case MsgVerificationRequest:
		p := e.VerificationRequest
		if p == nil {
			return missing(e.Type, "verification_request")
		}
		switch {
		case p.EscrowID == "":
			return missing(e.Type, "escrow_id")
		case p.JobID == "":
			return missing(e.Type, "job_id")
		case p.DeliveryRef == "":
			return missing(e.Type, "delivery_ref")
		case p.RegistryRef == "":
			return missing(e.Type, "registry_ref")
		}
	case MsgVerificationResult:
		p := e.VerificationResult
		if p == nil {
			return missing(e.Type, "verification_result")
		}
		switch {
		case p.EscrowID == "":
			return missing(e.Type, "escrow_id")
		case p.JobID == "":
			return missing(e.Type, "job_id")
		case p.VerifierRef == "":
			return missing(e.Type, "verifier_ref")
		}
	case MsgAttestation:
		p := e.Attestation
		if p == nil {
			return missing(e.Type, "attestation")
		}
		switch {
		case p.EscrowID == "":
			return missing(e.Type, "escrow_id")
		case p.VerifierRef == "":
			return missing(e.Type, "verifier_ref")
		}
	case MsgReputationUpdate:
		p := e.ReputationUpdate
		if p == nil {
			return missing(e.Type, "reputation_update")
		}
		switch {
		case p.EscrowID == "":
			return missing(e.Type, "escrow_id")
		case p.WorkerRef == "":
			return missing(e.Type, "worker_ref")
		case p.ClientRef == "":
			return missing(e.Type, "client_ref")
		}
	default:
		return ValidationError{MsgType: e.Type, Reason: "unknown message type"}
	}
	return nil
}

// DecodeEnvelope parses and validates a wire message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
