package auth

import (
	"testing"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	secret := []byte("test-secret")
	token, err := GenerateJWT("user-1", "org-1", "a@b.c", "admin", secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", claims.UserID)
	}
	if claims.OrganizationID != "org-1" {
		t.Errorf("expected org-1, got %s", claims.OrganizationID)
	}
	if claims.Role != "admin" {
		t.Errorf("expected admin, got %s", claims.Role)
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT("user-1", "org-1", "a@b.c", "admin", []byte("secret-a"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := ValidateJWT(token, []byte("secret-b")); err != ErrInvalidJWT {
		t.Fatalf("expected ErrInvalidJWT, got %v", err)
	}
}

func TestValidateJWT_Garbage(t *testing.T) {
	if _, err := ValidateJWT("not.a.jwt", []byte("secret")); err != ErrInvalidJWT {
		t.Fatalf("expected ErrInvalidJWT, got %v", err)
	}
}

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("tok", "tok"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := ValidateServiceToken("", "tok"); err != ErrMissingServiceToken {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if err := ValidateServiceToken("nope", "tok"); err != ErrInvalidServiceToken {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}
