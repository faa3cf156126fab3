package domain

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type TenantID string

type UserID int64

type ChatID int64

type MessageID int64

type ThreadID int64

type RoutingMode string

const (
	ModeDirect   RoutingMode = "direct"
	ModeThreaded RoutingMode = "threaded"
)

type VerifyStrategy string

const (
	VerifyChallenge VerifyStrategy = "challenge"
	VerifyExternal  VerifyStrategy = "external-gateway"
	VerifyManual    VerifyStrategy = "manual"
)

// Tenant is one hosted chat identity: its platform credential, the owner who
// receives relayed traffic, the routing mode and the admission policy applied
// to new end users.
type Tenant struct {
	ID          TenantID       `json:"id"`
	Credential  string         `json:"credential"`
	Owner       UserID         `json:"owner"`
	Mode        RoutingMode    `json:"mode"`
	ThreadGroup ChatID         `json:"thread_group,omitempty"`
	Strategy    VerifyStrategy `json:"strategy"`
	Question    string         `json:"question,omitempty"`
	Answer      string         `json:"answer,omitempty"`
	Hint        string         `json:"hint,omitempty"`
	Welcome     string         `json:"welcome,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// OwnerChat is the owner's private chat with this tenant identity.
func (t Tenant) OwnerChat() ChatID {
	return ChatID(t.Owner)
}

var validate = validator.New()

type RegisterRequest struct {
	ID          string `validate:"required,min=3,max=64"`
	Credential  string `validate:"required,min=16"`
	Owner       int64  `validate:"required"`
	Mode        string `validate:"oneof=direct threaded"`
	ThreadGroup int64  `validate:"required_if=Mode threaded"`
	Strategy    string `validate:"omitempty,oneof=challenge external-gateway manual"`
	Question    string `validate:"max=500"`
	Answer      string `validate:"required_with=Question,max=200"`
	Hint        string `validate:"max=200"`
	Welcome     string `validate:"max=2000"`
}

func ValidateRegister(req RegisterRequest) error {
	return validate.Struct(req)
}

// Tenant builds the stored record for a validated request.
func (req RegisterRequest) Tenant() Tenant {
	return Tenant{
		ID:          TenantID(req.ID),
		Credential:  req.Credential,
		Owner:       UserID(req.Owner),
		Mode:        RoutingMode(req.Mode),
		ThreadGroup: ChatID(req.ThreadGroup),
		Strategy:    VerifyStrategy(req.Strategy),
		Question:    req.Question,
		Answer:      req.Answer,
		Hint:        req.Hint,
		Welcome:     req.Welcome,
		CreatedAt:   time.Now().UTC(),
	}
}
