/*
actor.go - Authorization context

PURPOSE:
  Every public operation takes the calling Actor. Roles are established by
  the surrounding service; this file only decides what each role may do.

RULES:
  SUPER_ADMIN  everything, including force and unlock
  ADMIN        compute, lock, mark evaluations, settle the ledger
  SYSTEM       compute, lock and force (scheduled jobs)
  EMPLOYEE     read their own results, standing and ledger entries
  anonymous    nothing

SEE ALSO:
  - generic/errors.go: ErrForbidden
*/
package kpi

import (
	"fmt"

	"github.com/warp/kpi-engine/generic"
)

// Role is the caller's role as established by the surrounding service.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleEmployee   Role = "EMPLOYEE"
	RoleSystem     Role = "SYSTEM" // scheduled jobs
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSuperAdmin, RoleAdmin, RoleEmployee, RoleSystem:
		return r, nil
	}
	return "", &generic.FieldError{Field: "role", Message: fmt.Sprintf("unknown role %q", s)}
}

// Actor is the injected authorization context of every public operation.
type Actor struct {
	ID   UserID
	Role Role
}

// SystemActor is the identity of scheduled jobs.
func SystemActor() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

func (a Actor) isAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin
}

// CanCompute reports whether the actor may run or lock computations.
func (a Actor) CanCompute() bool { return a.isAdmin() || a.Role == RoleSystem }

// CanForce reports whether the actor may override a period lock.
func (a Actor) CanForce() bool { return a.Role == RoleSuperAdmin || a.Role == RoleSystem }

// CanUnlock reports whether the actor may force-unlock a period.
func (a Actor) CanUnlock() bool { return a.Role == RoleSuperAdmin }

// CanMark reports whether the actor may submit evaluations.
func (a Actor) CanMark() bool { return a.isAdmin() }

// CanSettle reports whether the actor may mark ledger entries.
func (a Actor) CanSettle() bool { return a.isAdmin() }

// CanReadAll reports whether the actor may read every subject's data.
func (a Actor) CanReadAll() bool { return a.isAdmin() || a.Role == RoleSystem }

// CanRead reports whether the actor may read data about subject.
func (a Actor) CanRead(subject UserID) bool {
	return a.CanReadAll() || (a.Role == RoleEmployee && subject != "" && subject == a.ID)
}

// Authorize returns ErrForbidden unless allowed.
func (a Actor) Authorize(allowed bool, op string) error {
	if a.ID == "" {
		return fmt.Errorf("%w: anonymous caller cannot %s", generic.ErrForbidden, op)
	}
	if !allowed {
		return fmt.Errorf("%w: %s %s cannot %s", generic.ErrForbidden, a.Role, a.ID, op)
	}
	return nil
}
