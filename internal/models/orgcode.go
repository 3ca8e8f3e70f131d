package models

import "time"

// RequestStatus is the state of an org-code request. Transitions are
// monotonic: pending -> confirmed or pending -> rejected, both terminal.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusConfirmed RequestStatus = "confirmed"
	RequestStatusRejected  RequestStatus = "rejected"
)

// IsTerminal reports whether the status permits no further transitions.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusConfirmed || s == RequestStatusRejected
}

// Org types accepted on an org-code request.
const (
	OrgTypeSchool    = "school"
	OrgTypeInstitute = "institute"
)

// OrgCodeRequest tracks one management request for an organization access
// code. The same logical request may exist as a disk-queue entry and later
// as a database row; Token is the key that joins the two.
type OrgCodeRequest struct {
	ID              string        `json:"id"`
	Token           string        `json:"token"`
	ManagementEmail string        `json:"managementEmail"`
	OrgType         string        `json:"orgType"`
	InstituteID     string        `json:"instituteId,omitempty"`
	Status          RequestStatus `json:"status"`
	OrgCode         string        `json:"orgCode,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Attempts        int           `json:"attempts"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// OrgCode is an issued organization access code. Immutable once created;
// exactly one exists per confirmed request.
type OrgCode struct {
	ID          int64     `json:"id"`
	OrgType     string    `json:"orgType"`
	InstituteID string    `json:"instituteId,omitempty"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"createdAt"`
}
