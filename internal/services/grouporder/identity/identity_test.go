package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/platform/requestctx"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
}

func TestResolveBearer(t *testing.T) {
	resolver := NewResolver("s3cret", fixedNow)
	token, err := resolver.Sign("usr-1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(DeviceHeader, "dev-ignored")
	caller, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if caller.UserID != "usr-1" || caller.DeviceID != "" {
		t.Fatalf("caller = %+v, want user usr-1", caller)
	}
}

func TestResolveFulfilmentRole(t *testing.T) {
	resolver := NewResolver("s3cret", fixedNow)
	token, err := resolver.SignFulfilment("kitchen", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	caller, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if caller.UserID != "kitchen" || !caller.HasRole(requestctx.RoleFulfilment) {
		t.Fatalf("caller = %+v, want fulfilment kitchen", caller)
	}

	userToken, err := resolver.Sign("usr-1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("sign user: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+userToken)
	caller, err = resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve user: %v", err)
	}
	if caller.HasRole(requestctx.RoleFulfilment) {
		t.Fatalf("user caller = %+v, want no role", caller)
	}
}

func TestResolveDevice(t *testing.T) {
	resolver := NewResolver("", fixedNow)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DeviceHeader, " dev-42 ")
	caller, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !caller.Anonymous() || caller.DeviceID != "dev-42" {
		t.Fatalf("caller = %+v, want anonymous dev-42", caller)
	}
}

func TestResolveRejects(t *testing.T) {
	resolver := NewResolver("s3cret", fixedNow)
	expired, err := NewResolver("s3cret", func() time.Time { return fixedNow().Add(-2 * time.Hour) }).Sign("usr-1", "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	foreign, err := NewResolver("other", fixedNow).Sign("usr-1", "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name   string
		auth   string
		device string
	}{
		{name: "no credentials"},
		{name: "basic auth", auth: "Basic Zm9vOmJhcg=="},
		{name: "garbage token", auth: "Bearer not-a-jwt"},
		{name: "expired token", auth: "Bearer " + expired},
		{name: "wrong secret", auth: "Bearer " + foreign},
		{name: "long device", device: strings.Repeat("d", maxDeviceIDLength+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			if tc.device != "" {
				req.Header.Set(DeviceHeader, tc.device)
			}
			_, err := resolver.Resolve(req)
			if got := apperrors.CodeOf(err); got != apperrors.CodeUnauthenticated {
				t.Fatalf("code = %v, want %v (err %v)", got, apperrors.CodeUnauthenticated, err)
			}
		})
	}
}

func TestBearerDisabledWithoutSecret(t *testing.T) {
	signed, err := NewResolver("s3cret", fixedNow).Sign("usr-1", "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resolver := NewResolver("", fixedNow)
	if _, err := resolver.Verify(signed); apperrors.CodeOf(err) != apperrors.CodeUnauthenticated {
		t.Fatalf("verify err = %v, want unauthenticated", err)
	}
	if _, err := resolver.Sign("usr-1", "", time.Hour); err == nil {
		t.Fatal("expected sign error without secret")
	}
}
