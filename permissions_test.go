package worker

import "testing"

func TestDefaultPermissionsAllowAnyHost(t *testing.T) {
	p := DefaultPermissions()
	if err := p.CheckFetchHost("anything.example.com"); err != nil {
		t.Fatalf("default permissions should allow any host, got %v", err)
	}
}

func TestAllowedHostsRestrictsFetch(t *testing.T) {
	p := Permissions{AllowedHosts: []string{"api.example.com"}}

	if err := p.CheckFetchHost("api.example.com"); err != nil {
		t.Fatalf("expected allowed host to pass, got %v", err)
	}

	err := p.CheckFetchHost("evil.example.com")
	if err == nil {
		t.Fatal("expected a disallowed host to be rejected")
	}
	var denied *PermissionDeniedError
	if !asPermissionDenied(err, &denied) {
		t.Fatalf("expected a *PermissionDeniedError, got %T", err)
	}
	if denied.Op != "fetch" {
		t.Fatalf("expected Op to be \"fetch\", got %q", denied.Op)
	}
}

func asPermissionDenied(err error, target **PermissionDeniedError) bool {
	pd, ok := err.(*PermissionDeniedError)
	if !ok {
		return false
	}
	*target = pd
	return true
}
