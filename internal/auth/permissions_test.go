package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermFieldRead, true},
		{RoleViewer, PermFieldWrite, false},
		{RoleViewer, PermDriverManage, false},
		{RoleOperator, PermFieldWrite, true},
		{RoleOperator, PermDriverManage, false},
		{RoleOperator, PermDriverBackdoor, false},
		{RoleAdmin, PermDriverManage, true},
		{RoleAdmin, PermDriverBackdoor, true},
		{Role("nobody"), PermFieldRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestPermissionsForRole_ReturnsCopy(t *testing.T) {
	perms := PermissionsForRole(RoleAdmin)
	if len(perms) != 4 {
		t.Fatalf("len = %d, want 4", len(perms))
	}
	perms[0] = "tampered"
	if !HasPermission(RoleAdmin, PermFieldRead) {
		t.Error("modifying the returned slice changed the role map")
	}
	if PermissionsForRole(Role("nobody")) != nil {
		t.Error("unknown role should return nil")
	}
}
