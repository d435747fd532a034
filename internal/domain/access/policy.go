package access

import "github.com/healthsecure/healthsecure/internal/domain/authz"

// ApprovalPolicy decides the stored status of a grant when a patient
// requests access. Explicit approval by the doctor goes through
// Service.Approve regardless of policy.
type ApprovalPolicy interface {
	Name() string
	// StatusForNew is the status of a freshly inserted grant.
	StatusForNew(kind authz.GrantKind) authz.GrantStatus
	// StatusForRepeat is the status of an open grant receiving a new request.
	StatusForRepeat(existing *authz.Grant, kind authz.GrantKind) authz.GrantStatus
}

// AutoApprove approves every request immediately.
type AutoApprove struct{}

func (AutoApprove) Name() string { return "auto" }

func (AutoApprove) StatusForNew(authz.GrantKind) authz.GrantStatus {
	return authz.StatusApproved
}

func (AutoApprove) StatusForRepeat(*authz.Grant, authz.GrantKind) authz.GrantStatus {
	return authz.StatusApproved
}

// DoctorAcceptance leaves new grants pending until the doctor approves.
// A repeat request keeps whatever the doctor already decided.
type DoctorAcceptance struct{}

func (DoctorAcceptance) Name() string { return "doctor" }

func (DoctorAcceptance) StatusForNew(authz.GrantKind) authz.GrantStatus {
	return authz.StatusPending
}

func (DoctorAcceptance) StatusForRepeat(existing *authz.Grant, _ authz.GrantKind) authz.GrantStatus {
	if existing.Status == authz.StatusApproved {
		return authz.StatusApproved
	}
	return authz.StatusPending
}

// PolicyByName maps the GRANT_APPROVAL setting to a policy.
func PolicyByName(name string) (ApprovalPolicy, bool) {
	switch name {
	case "", "auto":
		return AutoApprove{}, true
	case "doctor":
		return DoctorAcceptance{}, true
	}
	return nil, false
}
