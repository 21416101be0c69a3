package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/quanteckio/omni-email/models"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	master := bytes.Repeat([]byte{0x42}, KeySize)
	kr, err := NewKeyring(master)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	return kr
}

func testSecret() models.Secret {
	return models.Secret{
		Label:        "work",
		PrimaryEmail: "a@b.co",
		IMAP: models.ServerSettings{
			Host: "imap.x", Port: 993, Username: "a@b.co", Password: "p", Connection: models.ConnectionTLS,
		},
		SMTP: models.ServerSettings{
			Host: "smtp.x", Port: 587, Username: "a@b.co", Password: "p", Connection: models.ConnectionStartTLS,
		},
	}
}

func TestKeyring_RoundTrip(t *testing.T) {
	kr := testKeyring(t)
	secret := testSecret()
	aad := AAD("01HXYZACCOUNT", "tenant-1")

	env, err := kr.Seal(secret, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if env.Version != EnvelopeVersion || env.Algorithm != Algorithm {
		t.Errorf("envelope header = (%d, %s), want (%d, %s)", env.Version, env.Algorithm, EnvelopeVersion, Algorithm)
	}

	got, err := kr.Open(env, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != secret {
		t.Errorf("Open() = %+v, want %+v", got, secret)
	}
}

func TestKeyring_AADMismatch(t *testing.T) {
	tests := []struct {
		name    string
		sealAAD []byte
		openAAD []byte
	}{
		{
			name:    "different account id",
			sealAAD: AAD("acc-1", "tenant-1"),
			openAAD: AAD("acc-2", "tenant-1"),
		},
		{
			name:    "different tenant id",
			sealAAD: AAD("acc-1", "tenant-1"),
			openAAD: AAD("acc-1", "tenant-2"),
		},
		{
			name:    "swapped separator position",
			sealAAD: AAD("acc:1", "t"),
			openAAD: AAD("acc", "1:t"),
		},
	}

	kr := testKeyring(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := kr.Seal(testSecret(), tt.sealAAD)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if bytes.Equal(tt.sealAAD, tt.openAAD) {
				t.Fatalf("test is broken: identical AADs")
			}
			if _, err := kr.Open(env, tt.openAAD); !errors.Is(err, ErrAuthFailure) {
				t.Errorf("Open() error = %v, want ErrAuthFailure", err)
			}
		})
	}
}

func TestKeyring_TamperedEnvelope(t *testing.T) {
	kr := testKeyring(t)
	aad := AAD("acc-1", "tenant-1")

	flip := func(t *testing.T, encoded string) string {
		t.Helper()
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name   string
		mutate func(t *testing.T, env *models.Envelope)
	}{
		{"flipped ciphertext bit", func(t *testing.T, env *models.Envelope) { env.CT = flip(t, env.CT) }},
		{"flipped tag bit", func(t *testing.T, env *models.Envelope) { env.Tag = flip(t, env.Tag) }},
		{"flipped iv bit", func(t *testing.T, env *models.Envelope) { env.IV = flip(t, env.IV) }},
		{"flipped salt bit", func(t *testing.T, env *models.Envelope) { env.Salt = flip(t, env.Salt) }},
		{"wrong version", func(t *testing.T, env *models.Envelope) { env.Version = 2 }},
		{"wrong algorithm", func(t *testing.T, env *models.Envelope) { env.Algorithm = "AES-128-GCM" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := kr.Seal(testSecret(), aad)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			tt.mutate(t, &env)
			_, err = kr.Open(env, aad)
			if err == nil {
				t.Fatal("Open() succeeded on tampered envelope")
			}
			if !errors.Is(err, ErrAuthFailure) && !errors.Is(err, ErrUnsupportedEnvelope) {
				t.Errorf("Open() error = %v, want ErrAuthFailure or ErrUnsupportedEnvelope", err)
			}
		})
	}
}

func TestKeyring_FreshSaltAndIVPerSeal(t *testing.T) {
	kr := testKeyring(t)
	aad := AAD("acc-1", "tenant-1")

	first, err := kr.Seal(testSecret(), aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	second, err := kr.Seal(testSecret(), aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if first.Salt == second.Salt {
		t.Error("two seals produced the same salt")
	}
	if first.IV == second.IV {
		t.Error("two seals produced the same iv")
	}
}

func TestNewKeyring_KeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewKeyring(bytes.Repeat([]byte{1}, n)); !errors.Is(err, ErrInvalidKeySize) {
			t.Errorf("NewKeyring(len=%d) error = %v, want ErrInvalidKeySize", n, err)
		}
	}
}
