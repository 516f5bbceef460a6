package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// Hardhat account #0; public test vector.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestPersonalSignRoundTrip(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Address().Hex(); got != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("address=%s", got)
	}
	msg := ActionMessage("withdraw", "n-1", "0xdest", "1000")
	if msg != "kolboard:withdraw:0xdest:1000:n-1" {
		t.Fatalf("message=%q", msg)
	}
	sig, err := s.SignPersonal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyPersonalSign(strings.ToLower(s.Address().Hex()), msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyPersonalSign(s.Address().Hex(), msg+"x", sig); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("tampered message err=%v", err)
	}
	other, _ := GenerateSigner()
	if err := VerifyPersonalSign(other.Address().Hex(), msg, sig); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("wrong wallet err=%v", err)
	}
	if err := VerifyPersonalSign(s.Address().Hex(), msg, "0x1234"); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("short sig err=%v", err)
	}
}

func TestWebhookAuth(t *testing.T) {
	auth := WebhookAuth{Secret: "s3cret"}
	body := []byte(`[{"signature":"abc"}]`)
	sig := auth.Sign(body)
	if !auth.Verify(body, sig) || !auth.Verify(body, "sha256="+sig) {
		t.Fatal("valid signature rejected")
	}
	if auth.Verify([]byte(`[]`), sig) {
		t.Fatal("signature accepted for another body")
	}
	if (WebhookAuth{}).Verify(body, sig) {
		t.Fatal("empty secret verified")
	}
	if strings.Contains(auth.String(), "s3cret") {
		t.Fatal("secret leaked by String")
	}
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptKey(blob, "pw")
	if err != nil || got != testKey {
		t.Fatalf("got=%s err=%v", got, err)
	}
	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("wrong password decrypted")
	}
	signers, err := LoadSigners([]KeyConfig{{RawPrivateKey: testKey}})
	if err != nil || len(signers) != 1 {
		t.Fatalf("signers=%d err=%v", len(signers), err)
	}
}

func TestLoadSignersRejectsDuplicates(t *testing.T) {
	_, err := LoadSigners([]KeyConfig{{RawPrivateKey: testKey}, {RawPrivateKey: "0x" + testKey}})
	if err == nil || !strings.Contains(err.Error(), "repeats") {
		t.Fatalf("err=%v", err)
	}
	if _, err := LoadKey(KeyConfig{RawPrivateKey: "abcd"}); err == nil {
		t.Fatal("short key accepted")
	}
	if _, err := LoadKey(KeyConfig{}); err == nil {
		t.Fatal("empty config accepted")
	}
}
