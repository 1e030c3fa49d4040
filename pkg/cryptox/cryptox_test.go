package cryptox_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/linkshitup/link-broker/pkg/cryptox"
)

func testKeys(t *testing.T, versions ...byte) map[byte][]byte {
	t.Helper()
	keys := make(map[byte][]byte, len(versions))
	for _, v := range versions {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			t.Fatalf("rand: %v", err)
		}
		keys[v] = key
	}
	return keys
}

func TestRoundtrip(t *testing.T) {
	c, err := cryptox.NewCipher(testKeys(t, 1), 1)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	cases := [][]byte{
		[]byte(""),
		[]byte("x"),
		[]byte("ya29.a0AfH6SMBx..."),
		bytes.Repeat([]byte{0xab}, 8*1024),
	}

	for _, plaintext := range cases {
		sealed, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(plaintext), err)
		}
		opened, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", len(plaintext), err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("roundtrip mismatch for %d-byte input", len(plaintext))
		}
	}
}

func TestDistinctCiphertexts(t *testing.T) {
	c, err := cryptox.NewCipher(testKeys(t, 1), 1)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	a, err := c.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestVersionSelection(t *testing.T) {
	keys := testKeys(t, 1, 2)

	old, err := cryptox.NewCipher(keys, 1)
	if err != nil {
		t.Fatalf("NewCipher v1: %v", err)
	}
	sealed, err := old.EncryptString("refresh-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A cipher whose current version is 2 must still open v1 values.
	cur, err := cryptox.NewCipher(keys, 2)
	if err != nil {
		t.Fatalf("NewCipher v2: %v", err)
	}
	got, err := cur.DecryptString(sealed)
	if err != nil {
		t.Fatalf("Decrypt v1 value with v2 cipher: %v", err)
	}
	if got != "refresh-token" {
		t.Fatalf("got %q", got)
	}

	v, err := cur.Version(sealed)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 1 {
		t.Fatalf("Version = %d, want 1", v)
	}
}

func TestReencrypt(t *testing.T) {
	keys := testKeys(t, 1, 2)

	old, _ := cryptox.NewCipher(keys, 1)
	sealed, err := old.EncryptString("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cur, _ := cryptox.NewCipher(keys, 2)
	rotatedValue, rotated, err := cur.Reencrypt(sealed)
	if err != nil {
		t.Fatalf("Reencrypt: %v", err)
	}
	if !rotated {
		t.Fatal("expected rotation of a v1 value")
	}
	if v, _ := cur.Version(rotatedValue); v != 2 {
		t.Fatalf("rotated value at version %d, want 2", v)
	}
	if got, _ := cur.DecryptString(rotatedValue); got != "secret" {
		t.Fatalf("rotated value decrypts to %q", got)
	}

	// Already-current values pass through untouched.
	same, rotated, err := cur.Reencrypt(rotatedValue)
	if err != nil {
		t.Fatalf("Reencrypt current: %v", err)
	}
	if rotated || same != rotatedValue {
		t.Fatal("current-version value should not be rewritten")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, _ := cryptox.NewCipher(testKeys(t, 1), 1)

	sealed, err := c.EncryptString("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := c.Decrypt(sealed[:len(sealed)/2]); err == nil {
		t.Fatal("truncated value decrypted")
	}
	if _, err := c.Decrypt("not base64!!"); err == nil {
		t.Fatal("garbage decoded")
	}

	unknown, _ := cryptox.NewCipher(testKeys(t, 3), 3)
	if _, err := unknown.Decrypt(sealed); err == nil {
		t.Fatal("value with unknown key version decrypted")
	}
}
