package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func testTokenRoundTrip(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}

	token, err := Token(keys)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(token, keys) {
		t.Fatal("valid token rejected")
	}
}

func testTokenInvalid(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	other, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}

	if Verify([]byte("garbage"), keys) {
		t.Fatal("garbage token accepted")
	}

	// token minted with a different private key
	token, err := Token(other)
	if err != nil {
		t.Fatal(err)
	}
	if Verify(token, keys) {
		t.Fatal("foreign token accepted")
	}

	// token encrypting a different secret
	other.Private = keys.Private
	token, err = Token(other)
	if err != nil {
		t.Fatal(err)
	}
	if Verify(token, keys) {
		t.Fatal("token with wrong secret accepted")
	}
}

func testKeyFile(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}

	filename := filepath.Join(t.TempDir(), "keys")
	if err := WriteKeys(filename, keys); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadKeys(filename)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != keys {
		t.Fatalf("invalid keys %v - expected %v", loaded, keys)
	}
}

func testKeyFileMissing(t *testing.T) {
	if _, err := LoadKeys(filepath.Join(t.TempDir(), "nosuchfile")); err == nil {
		t.Fatal("missing key file not detected")
	}
}

func testKeyFileInvalid(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "keys")
	if err := os.WriteFile(filename, []byte("[keys]\nsecret = abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeys(filename); err == nil {
		t.Fatal("key file without private key not detected")
	}
}

func testCredentialsFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "credentials")
	content := "[credentials]\nusername = admin\npassword = s3cret\n"
	if err := os.WriteFile(filename, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(filename)
	if err != nil {
		t.Fatal(err)
	}
	cmp := Credentials{Username: "admin", Password: "s3cret"}
	if creds != cmp {
		t.Fatalf("invalid credentials %v - expected %v", creds, cmp)
	}
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"tokenRoundTrip", testTokenRoundTrip},
		{"tokenInvalid", testTokenInvalid},
		{"keyFile", testKeyFile},
		{"keyFileMissing", testKeyFileMissing},
		{"keyFileInvalid", testKeyFileInvalid},
		{"credentialsFile", testCredentialsFile},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
