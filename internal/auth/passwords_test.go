package auth

import (
	"errors"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		name     string
		password string
		want     error
	}{
		{"ok", "Str0ng-Passw0rd!", nil},
		{"too short", "Ab1!", ErrPasswordTooShort},
		{"no upper", "weak-passw0rd!!!", ErrPasswordNoUpper},
		{"no lower", "WEAK-PASSW0RD!!!", ErrPasswordNoLower},
		{"no digit", "Weak-Password!!!", ErrPasswordNoDigit},
		{"no symbol", "WeakPassword0000", ErrPasswordNoSymbol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidatePassword(tc.password); !errors.Is(err, tc.want) {
				t.Errorf("ValidatePassword(%q) = %v, want %v", tc.password, err, tc.want)
			}
		})
	}

	t.Run("all failures reported together", func(t *testing.T) {
		err := ValidatePassword("short")
		for _, want := range []error{
			ErrPasswordTooShort, ErrPasswordNoUpper, ErrPasswordNoDigit, ErrPasswordNoSymbol,
		} {
			if !errors.Is(err, want) {
				t.Errorf("error %v missing %v", err, want)
			}
		}
		if errors.Is(err, ErrPasswordNoLower) {
			t.Errorf("error %v wrongly includes the lowercase rule", err)
		}
	})
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword("Str0ng-Passw0rd!")
	if err != nil {
		t.Fatal(err)
	}
	if ok, legacy := VerifyPassword(hash, "Str0ng-Passw0rd!"); !ok || legacy {
		t.Errorf("verify: ok=%v legacy=%v", ok, legacy)
	}
	if ok, _ := VerifyPassword(hash, "not-the-password"); ok {
		t.Error("wrong password accepted")
	}
}

func TestLegacyVerify(t *testing.T) {
	stored := LegacyHash("salty", "Str0ng-Passw0rd!")

	ok, legacy := VerifyPassword(stored, "Str0ng-Passw0rd!")
	if !ok || !legacy {
		t.Errorf("legacy verify: ok=%v legacy=%v", ok, legacy)
	}
	if ok, _ := VerifyPassword(stored, "wrong"); ok {
		t.Error("wrong password accepted against legacy hash")
	}
	if ok, _ := VerifyPassword("no-separator", "anything"); ok {
		t.Error("malformed stored hash accepted")
	}
}
