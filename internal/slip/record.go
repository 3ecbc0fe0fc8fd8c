package slip

import (
	"time"

	"github.com/zombor/slip-verifier/easyslip"
)

// Source tells how a slip was submitted
type Source string

const (
	SourcePayload Source = "payload"
	SourceImage   Source = "image"
)

// Record is a stored verification
type Record struct {
	ID          string                       `json:"id"`
	Source      Source                       `json:"source"`
	TransRef    string                       `json:"trans_ref"`
	Result      *easyslip.VerificationResult `json:"result"`
	Filename    string                       `json:"filename,omitempty"`     // archived image, image submissions only
	ContentType string                       `json:"content_type,omitempty"` // of the archived image
	DuplicateOf string                       `json:"duplicate_of,omitempty"` // ID of the first record with the same TransRef
	CreatedAt   time.Time                    `json:"created_at"`
}

// Duplicate reports whether the slip had already been verified
func (r *Record) Duplicate() bool {
	return r.DuplicateOf != ""
}
