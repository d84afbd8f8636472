package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := []User{{Username: "homeassistant", PasswordHash: string(hash)}}

	tests := []struct {
		name      string
		anonymous bool
		users     []User
		username  string
		password  string
		want      error
	}{
		{"anonymous allowed", true, users, "", "", nil},
		{"anonymous denied", false, users, "", "", ErrNotAuthorized},
		{"valid user", false, users, "homeassistant", "secret", nil},
		{"wrong password", true, users, "homeassistant", "nope", ErrBadCredentials},
		{"unknown user", true, users, "other", "secret", ErrBadCredentials},
		{"firmware username without user table", true, nil, "device", "whatever", nil},
	}

	for _, tt := range tests {
		a, err := New(tt.anonymous, tt.users)
		if err != nil {
			t.Fatalf("%s: New: %v", tt.name, err)
		}
		err = a.Authenticate("AC-001", tt.username, []byte(tt.password))
		if tt.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestNewRejectsInvalidHash(t *testing.T) {
	if _, err := New(true, []User{{Username: "u", PasswordHash: "plain"}}); err == nil {
		t.Errorf("expected invalid hash error")
	}
}
