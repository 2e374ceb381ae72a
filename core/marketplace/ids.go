package marketplace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewJobID derives a collision-resistant job id from the posted content and
// the client's nonce. An identical retry produces the same id, which is what
// lets the registry dedup a re-posted job.
func NewJobID(spec JobSpec) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", spec.Title, spec.Description, spec.BudgetSats, spec.Nonce)))
	return "JOB-" + hex.EncodeToString(h[:])[:16]
}

// NewOfferID returns an opaque offer id.
func NewOfferID() string {
	return "OFFER-" + uuid.NewString()
}

// NewEscrowID returns the id the registry hands to createEscrow. The ledger
// treats it as an opaque key.
func NewEscrowID() string {
	return "ESC-" + uuid.NewString()
}

// NewDeliveryRef returns an opaque reference to submitted work (in deployment
// this points at an uploaded artifact; the protocol only carries the key).
func NewDeliveryRef() string {
	return "DLV-" + uuid.NewString()
}

// NewBadgeID returns an opaque badge award id.
func NewBadgeID() string {
	return "BDG-" + uuid.NewString()
}

// NewMessageID returns a bus envelope id.
func NewMessageID() string {
	return uuid.NewString()
}
