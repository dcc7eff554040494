package gateway

import (
	"errors"
	"testing"

	"athena/internal/domain"
	"athena/internal/infra/config"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "admin-bot", Roles: []string{"admin"}},
	})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "admin-bot" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Roles) != 1 || info.Roles[0] != "admin" {
		t.Errorf("Roles = %v", info.Roles)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "admin-bot", Roles: []string{"admin"}},
	})

	_, err := auth.Authenticate("wrong-token")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("err = %v, want ErrGatewayAuthFailed", err)
	}
}

func TestStaticTokenAuthEmpty(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{{Token: "", Name: "blank"}})

	for _, token := range []string{"anything", ""} {
		if _, err := auth.Authenticate(token); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
}

func TestClientInfoAuthRoles(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  []domain.AuthRole
	}{
		{"no roles means admin", nil, []domain.AuthRole{domain.AuthRoleAdmin}},
		{"known roles", []string{"viewer", "client"}, []domain.AuthRole{domain.AuthRoleViewer, domain.AuthRoleClient}},
		{"unknown roles dropped", []string{"root"}, []domain.AuthRole{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := (&ClientInfo{Roles: tt.roles}).AuthRoles()
			if len(got) != len(tt.want) {
				t.Fatalf("roles = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("roles[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
