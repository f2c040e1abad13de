package sink

import (
	"bytes"
	"testing"
)

func TestDeriveSigningKey(t *testing.T) {
	k1, err := DeriveSigningKey([]byte("secret"))
	if err != nil {
		t.Fatalf("DeriveSigningKey: %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}
	k2, _ := DeriveSigningKey([]byte("secret"))
	if !bytes.Equal(k1, k2) {
		t.Error("derivation is not deterministic")
	}
	k3, _ := DeriveSigningKey([]byte("other"))
	if bytes.Equal(k1, k3) {
		t.Error("different secrets produced the same key")
	}
}

func TestDeriveSigningKeyEmpty(t *testing.T) {
	if _, err := DeriveSigningKey(nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestSignVerify(t *testing.T) {
	key, _ := DeriveSigningKey([]byte("secret"))
	body := []byte(`{"device":"c00fa-001"}`)
	sig := Sign(key, body)

	if !Verify(key, body, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(key, []byte(`{"device":"tampered"}`), sig) {
		t.Error("tampered body accepted")
	}
	if Verify(key, body, "zz") {
		t.Error("non-hex signature accepted")
	}
	other, _ := DeriveSigningKey([]byte("other"))
	if Verify(other, body, sig) {
		t.Error("signature verified under wrong key")
	}
}
