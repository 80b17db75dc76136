package dispute

import (
	"time"

	"github.com/shopspring/decimal"

	"taskwiser/arbitration"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusRefunded Status = "refunded"
	StatusApproved Status = "approved"
)

// Terminal reports whether no further resolution may be attempted.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRefunded || s == StatusApproved
}

// Decision is the admin's ruling on the locked funds.
type Decision string

const (
	DecisionRefund  Decision = "refund"
	DecisionApprove Decision = "approve"
)

func (d Decision) Valid() bool {
	return d == DecisionRefund || d == DecisionApprove
}

// Side identifies which party an evidence submission belongs to.
type Side string

const (
	SideCreator     Side = "creator"
	SideContributor Side = "contributor"
)

// Evidence is one party's account of the dispute. A later submission
// replaces the earlier one.
type Evidence struct {
	Description string    `json:"description"`
	Attachments []string  `json:"attachments"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Resolution records how a dispute ended.
type Resolution struct {
	Decision   Decision  `json:"decision"`
	ResolvedBy string    `json:"resolvedBy"`
	ResolvedAt time.Time `json:"resolvedAt"`
	Reason     string    `json:"reason"`
	TxHash     string    `json:"txHash,omitempty"`
}

// Advisory is the last arbitration recommendation shown to the admin. It is
// never consulted when resolving.
type Advisory struct {
	Analysis   string              `json:"analysis"`
	Verdict    arbitration.Verdict `json:"recommendation"`
	Confidence int                 `json:"confidence"`
	Degraded   bool                `json:"degraded,omitempty"`
	AdvisedAt  time.Time           `json:"advisedAt"`
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                  string
	TaskID              string
	TaskTitle           string
	CreatorAddress      string
	ContributorAddress  string
	RaisedBy            string
	Reason              string
	Status              Status
	EscrowToken         string
	EscrowAmount        decimal.Decimal
	CreatorEvidence     *Evidence
	ContributorEvidence *Evidence
	Resolution          *Resolution
	Advisory            *Advisory
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ResolvedAt          *time.Time
}

// SideOf returns the side address belongs to.
func (d Dispute) SideOf(address string) (Side, bool) {
	switch {
	case sameAddress(address, d.CreatorAddress):
		return SideCreator, true
	case sameAddress(address, d.ContributorAddress):
		return SideContributor, true
	}
	return "", false
}

// OpenRequest carries the fields a party supplies when raising a dispute.
type OpenRequest struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// ResolveRequest is the admin ruling.
type ResolveRequest struct {
	Action Decision `json:"action"`
	Reason string   `json:"reason"`
}
