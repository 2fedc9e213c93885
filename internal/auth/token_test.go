package auth

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func TestSignAndVerify(t *testing.T) {
	signer, err := NewTokenSigner(testSeed, "trustgate-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	token, err := signer.Sign("usr_abc", "org_1", "ses_xyz", "fam_123")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "usr_abc" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.OrgID != "org_1" {
		t.Fatalf("unexpected org: %s", claims.OrgID)
	}
	if claims.SessionID != "ses_xyz" {
		t.Fatalf("unexpected session: %s", claims.SessionID)
	}
	if claims.FamilyID != "fam_123" {
		t.Fatalf("unexpected family: %s", claims.FamilyID)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti")
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	signer, err := NewTokenSigner(testSeed, "trustgate-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	token, err := signer.Sign("usr_abc", "", "ses_xyz", "fam_123")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Flip a character in the payload segment
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	payload := []byte(parts[1])
	if payload[5] == 'A' {
		payload[5] = 'B'
	} else {
		payload[5] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, err := signer.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer, err := NewTokenSigner(testSeed, "trustgate-test", -1*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	token, err := signer.Sign("usr_abc", "", "ses_xyz", "fam_123")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := signer.Verify(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	signerA, err := NewTokenSigner(testSeed, "issuer-a", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	signerB, err := NewTokenSigner(testSeed, "issuer-b", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	token, err := signerA.Sign("usr_abc", "", "ses_xyz", "fam_123")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := signerB.Verify(token); err == nil {
		t.Fatal("expected issuer mismatch to be rejected")
	}
}

func TestNewTokenSignerSeedValidation(t *testing.T) {
	if _, err := NewTokenSigner("zz", "iss", time.Minute); err == nil {
		t.Fatal("expected invalid hex seed to be rejected")
	}
	if _, err := NewTokenSigner("abcd", "iss", time.Minute); err == nil {
		t.Fatal("expected short seed to be rejected")
	}
	// Empty seed generates an ephemeral key
	if _, err := NewTokenSigner("", "iss", time.Minute); err != nil {
		t.Fatalf("expected ephemeral signer, got %v", err)
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	token, hash, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if hash != HashToken(token) {
		t.Fatal("returned hash does not match HashToken")
	}
	if _, err := hex.DecodeString(hash); err != nil {
		t.Fatalf("hash is not hex: %v", err)
	}

	token2, _, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if token == token2 {
		t.Fatal("two tokens should never collide")
	}
}
