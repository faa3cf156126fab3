package domain

// AdmissionState is the per (tenant, user) verification state. Transitions are
// monotonic forward except explicit owner resets (unverify, unblock).
type AdmissionState string

const (
	StateUnverified      AdmissionState = "UNVERIFIED"
	StateChallengeIssued AdmissionState = "CHALLENGE_ISSUED"
	StatePendingReview   AdmissionState = "PENDING_REVIEW"
	StateVerified        AdmissionState = "VERIFIED"
	StateBlocked         AdmissionState = "BLOCKED"
)

type DecisionKind int

const (
	// DecisionAdmit lets the message through to the relay.
	DecisionAdmit DecisionKind = iota
	// DecisionChallenge means a challenge was issued; UserText carries the prompt.
	DecisionChallenge
	// DecisionReject drops the message; UserText carries a local notice.
	DecisionReject
	// DecisionVerified means this very message completed verification. The
	// message itself is consumed, the caller greets the user and notifies the
	// owner.
	DecisionVerified
)

// Decision is the admission verdict for one inbound message.
type Decision struct {
	Kind     DecisionKind
	UserText string
	// Token is set when an external-gateway challenge was issued; the caller
	// attaches the prompt message reference to it so the verifier callback can
	// delete the prompt later.
	Token string
	// OwnerReq, when non-nil, must be forwarded to the tenant owner with its
	// inline actions (manual review requests).
	OwnerReq *OwnerRequest
	// NotifyOwner marks a first-time VERIFIED transition; the owner gets a
	// one-time notice with the user's display identity.
	NotifyOwner bool
}

type OwnerRequest struct {
	Text    string
	Actions []Action
}
