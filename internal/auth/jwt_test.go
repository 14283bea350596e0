package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateDeviceToken(t *testing.T) {
	svc, err := NewService("test-secret")
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	token, expiresAt, err := svc.GenerateDeviceToken("r1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("token already expired")
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DeviceID != "r1" || claims.Role != "device" {
		t.Errorf("claims: %+v", claims)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewService("secret-a")
	verifier, _ := NewService("secret-b")

	token, _, err := issuer.GenerateDeviceToken("r1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := verifier.ValidateToken(token); err == nil {
		t.Error("token signed with a different secret validated")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc, _ := NewService("test-secret")
	if _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Error("garbage token validated")
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewService(""); err == nil {
		t.Error("empty secret accepted")
	}
}
