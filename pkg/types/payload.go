package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when a payload does not decode into the shape
// of its work type or fails validation. Retrying cannot fix it.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the typed body of a work item. Each work type has exactly one
// payload shape; the WorkType method names it.
type Payload interface {
	WorkType() WorkType
	Validate() error
}

// BatchRoleUpdatePayload drives a batch of grants and revokes whose progress
// is mirrored in the subtasks of BatchTaskID.
type BatchRoleUpdatePayload struct {
	SubjectID   string   `json:"subjectId"`
	ToGrant     []string `json:"toGrant"`
	ToRevoke    []string `json:"toRevoke"`
	BatchTaskID string   `json:"batchTaskId"`
}

func (BatchRoleUpdatePayload) WorkType() WorkType { return WorkTypeBatchRoleUpdate }

func (p BatchRoleUpdatePayload) Validate() error {
	if p.SubjectID == "" {
		return errors.New("subjectId is required")
	}
	if p.BatchTaskID == "" {
		return errors.New("batchTaskId is required")
	}
	if len(p.ToGrant)+len(p.ToRevoke) == 0 {
		return errors.New("batch has no operations")
	}
	return nil
}

// Operations returns the operations in step order
func (p BatchRoleUpdatePayload) Operations() []RoleOperation {
	return RoleOperations(p.SubjectID, p.ToRevoke, p.ToGrant)
}

// GrantRolePayload grants a single role outside of a batch
type GrantRolePayload struct {
	SubjectID string `json:"subjectId"`
	RoleID    string `json:"roleId"`
}

func (GrantRolePayload) WorkType() WorkType { return WorkTypeGrantRole }

func (p GrantRolePayload) Validate() error {
	return validateRolePayload(p.SubjectID, p.RoleID)
}

// RevokeRolePayload revokes a single role outside of a batch
type RevokeRolePayload struct {
	SubjectID string `json:"subjectId"`
	RoleID    string `json:"roleId"`
}

func (RevokeRolePayload) WorkType() WorkType { return WorkTypeRevokeRole }

func (p RevokeRolePayload) Validate() error {
	return validateRolePayload(p.SubjectID, p.RoleID)
}

func validateRolePayload(subjectID, roleID string) error {
	if subjectID == "" {
		return errors.New("subjectId is required")
	}
	if roleID == "" {
		return errors.New("roleId is required")
	}
	return nil
}

// CreateUserPayload provisions an account in the identity provider
type CreateUserPayload struct {
	MemberID string `json:"memberId"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

func (CreateUserPayload) WorkType() WorkType { return WorkTypeCreateUser }

func (p CreateUserPayload) Validate() error {
	if p.Username == "" {
		return errors.New("username is required")
	}
	if p.Email == "" {
		return fmt.Errorf("email is required for %s", p.Username)
	}
	return nil
}

// DeactivateUserPayload disables an identity provider account
type DeactivateUserPayload struct {
	SubjectID string `json:"subjectId"`
}

func (DeactivateUserPayload) WorkType() WorkType { return WorkTypeDeactivateUser }

func (p DeactivateUserPayload) Validate() error {
	if p.SubjectID == "" {
		return errors.New("subjectId is required")
	}
	return nil
}

var payloadShapes = map[WorkType]func() Payload{
	WorkTypeBatchRoleUpdate: func() Payload { return &BatchRoleUpdatePayload{} },
	WorkTypeGrantRole:       func() Payload { return &GrantRolePayload{} },
	WorkTypeRevokeRole:      func() Payload { return &RevokeRolePayload{} },
	WorkTypeCreateUser:      func() Payload { return &CreateUserPayload{} },
	WorkTypeDeactivateUser:  func() Payload { return &DeactivateUserPayload{} },
}

// DecodePayload decodes raw into the payload shape of t. Unknown fields are
// rejected so a payload written for another type does not decode silently.
func DecodePayload(t WorkType, raw json.RawMessage) (Payload, error) {
	shape, ok := payloadShapes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkType, t)
	}
	p := shape()
	if err := decodeStrict(raw, p); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", t, ErrInvalidPayload, err)
	}
	return p, nil
}

// Decode strictly decodes raw into a P and validates it
func Decode[P Payload](raw json.RawMessage) (P, error) {
	var p P
	if err := decodeStrict(raw, &p); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return nil
}
