package core

import "testing"

func TestEd25519SignerSignVerify(t *testing.T) {
	signer, err := NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	sig, err := signer.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	var v Ed25519Verifier
	if !v.Verify(signer.PublicKey(), []byte("hello"), sig) {
		t.Fatal("expected signature to verify")
	}
	if v.Verify(signer.PublicKey(), []byte("tampered"), sig) {
		t.Fatal("expected signature over different data to fail")
	}
}

func TestEd25519SignerFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a := NewEd25519SignerFromSeed(seed)
	b := NewEd25519SignerFromSeed(seed)
	if string(a.PublicKey()) != string(b.PublicKey()) {
		t.Fatal("expected identical seeds to derive identical public keys")
	}
}

func TestEd25519VerifierRejectsShortKey(t *testing.T) {
	var v Ed25519Verifier
	if v.Verify([]byte("short"), []byte("data"), []byte("sig")) {
		t.Fatal("expected undersized public key to fail verification")
	}
}
