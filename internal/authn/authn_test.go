package authn

import (
	"net/http"
	"testing"
)

func TestRole_Allows(t *testing.T) {
	tests := []struct {
		have, want Role
		allowed    bool
	}{
		{RoleAdmin, RoleObserver, true},
		{RoleAdmin, RoleOperator, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleOperator, RoleAdmin, false},
		{RoleOperator, RoleOperator, true},
		{RoleObserver, RoleOperator, false},
		{Role("bogus"), RoleObserver, false},
	}
	for _, tt := range tests {
		if got := tt.have.Allows(tt.want); got != tt.allowed {
			t.Errorf("%s.Allows(%s) = %v, want %v", tt.have, tt.want, got, tt.allowed)
		}
	}
}

func TestStaticTokenResolver_QueryParam(t *testing.T) {
	resolver := StaticTokenResolver(map[string]string{"tok-1": "admin"})
	r, _ := http.NewRequest("GET", "/v1/sessions?token=tok-1", nil)
	p, err := resolver(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %s", p.Role)
	}
}

func TestStaticTokenResolver_BearerHeader(t *testing.T) {
	resolver := StaticTokenResolver(map[string]string{"tok-2": "operator"})
	r, _ := http.NewRequest("GET", "/v1/sessions", nil)
	r.Header.Set("Authorization", "Bearer tok-2")
	p, err := resolver(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Role != RoleOperator {
		t.Fatalf("expected operator role, got %s", p.Role)
	}
}

func TestStaticTokenResolver_CustomHeader(t *testing.T) {
	resolver := StaticTokenResolver(map[string]string{"tok-3": "observer"})
	r, _ := http.NewRequest("GET", "/v1/sessions", nil)
	r.Header.Set("X-Control-Plane-Token", "tok-3")
	p, err := resolver(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Role != RoleObserver {
		t.Fatalf("expected observer role, got %s", p.Role)
	}
}

func TestStaticTokenResolver_Missing(t *testing.T) {
	resolver := StaticTokenResolver(map[string]string{"tok-1": "admin"})
	r, _ := http.NewRequest("GET", "/v1/sessions", nil)
	if _, err := resolver(r); err == nil {
		t.Fatal("expected error for request with no token")
	}
}

func TestStaticTokenResolver_Unknown(t *testing.T) {
	resolver := StaticTokenResolver(map[string]string{"tok-1": "admin"})
	r, _ := http.NewRequest("GET", "/v1/sessions?token=not-a-real-token", nil)
	if _, err := resolver(r); err == nil {
		t.Fatal("expected error for unknown token")
	}
}
