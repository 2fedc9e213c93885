package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	params := NewParams(16*1024, 1, 1) // fast params for tests

	hash, err := HashPassword("correct horse battery staple", params)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Fatal("expected password to verify")
	}

	ok, err = VerifyPassword("wrong password entirely", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail")
	}
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	params := NewParams(16*1024, 1, 1)

	h1, err := HashPassword("same password", params)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("same password", params)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Fatal("two hashes of the same password should differ")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"not-a-hash",
		"$argon2i$v=19$m=16,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$bogus$c2FsdA$aGFzaA",
	}
	for _, hash := range cases {
		if _, err := VerifyPassword("whatever", hash); err == nil {
			t.Fatalf("expected error for hash %q", hash)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("short", 12); err == nil {
		t.Fatal("expected short password to be rejected")
	}
	if err := ValidatePassword("long enough password", 12); err != nil {
		t.Fatalf("expected valid password, got %v", err)
	}
	if err := ValidatePassword(strings.Repeat("a", 600), 12); err == nil {
		t.Fatal("expected oversized password to be rejected")
	}
}
