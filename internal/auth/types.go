package auth

import (
	"errors"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// 管理接口使用的权限。
const (
	PermissionRead    = "suppliers:read"
	PermissionControl = "suppliers:control"
)

// Mode 表示认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeEnabled  Mode = "enabled"
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Method      string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求主体具备全部权限。
func (s *Subject) Authorize(perms ...string) error {
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return ErrPermissionDenied
		}
	}
	return nil
}
