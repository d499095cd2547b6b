// Package auth provides key file handling and gateway token verification.
package auth

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"gopkg.in/ini.v1"
)

// Default file locations, relative to the user home directory.
const (
	DefaultKeyFilename         = "~/.aiot/keys"
	DefaultCredentialsFilename = "~/.aiot/credentials"
)

// Tokens are minted right before they are sent; anything older is stale.
const tokenTTL = time.Hour

// Keys holds the symmetric private key and the shared secret used to
// authenticate gateways against the broker.
type Keys struct {
	Private string
	Secret  string
}

// Credentials holds the username and password used by external services.
type Credentials struct {
	Username string
	Password string
}

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateKeys returns a fresh random secret and private key pair.
func GenerateKeys() (Keys, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return Keys{}, err
	}
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = secretAlphabet[rand.Intn(len(secretAlphabet))]
	}
	return Keys{Private: key.Encode(), Secret: string(secret)}, nil
}

// ExpandUser replaces a leading ~ with the user home directory.
func ExpandUser(filename string) string {
	if !strings.HasPrefix(filename, "~") {
		return filename
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filename
	}
	return filepath.Join(home, filename[1:])
}

// LoadKeys verifies that the key file exists and is correctly formatted and
// returns the keys it contains.
func LoadKeys(filename string) (Keys, error) {
	filename = ExpandUser(filename)
	if _, err := os.Stat(filename); err != nil {
		return Keys{}, fmt.Errorf("key file provided doesn't exist: '%s'", filename)
	}
	cfg, err := ini.Load(filename)
	if err != nil {
		return Keys{}, fmt.Errorf("invalid key file provided: '%s': %s", filename, err)
	}
	section := cfg.Section("keys")
	if !section.HasKey("secret") || !section.HasKey("private") {
		return Keys{}, fmt.Errorf("invalid key file provided: '%s'", filename)
	}
	return Keys{
		Private: section.Key("private").String(),
		Secret:  section.Key("secret").String(),
	}, nil
}

// WriteKeys writes keys to filename, creating parent directories as needed.
func WriteKeys(filename string, keys Keys) error {
	filename = ExpandUser(filename)
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return err
	}
	cfg := ini.Empty()
	section := cfg.Section("keys")
	section.Key("secret").SetValue(keys.Secret)
	section.Key("private").SetValue(keys.Private)
	return cfg.SaveTo(filename)
}

// LoadCredentials verifies that the credentials file exists and is correctly
// formatted and returns the credentials it contains.
func LoadCredentials(filename string) (Credentials, error) {
	filename = ExpandUser(filename)
	if _, err := os.Stat(filename); err != nil {
		return Credentials{}, fmt.Errorf("credentials file doesn't exist: '%s'", filename)
	}
	cfg, err := ini.Load(filename)
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid credentials file provided: '%s': %s", filename, err)
	}
	section := cfg.Section("credentials")
	if !section.HasKey("username") || !section.HasKey("password") {
		return Credentials{}, fmt.Errorf("invalid credentials file provided: '%s'", filename)
	}
	return Credentials{
		Username: section.Key("username").String(),
		Password: section.Key("password").String(),
	}, nil
}

// Token generates an authentication token encrypting the shared secret with
// the private key.
func Token(keys Keys) ([]byte, error) {
	key, err := fernet.DecodeKey(keys.Private)
	if err != nil {
		return nil, err
	}
	return fernet.EncryptAndSign([]byte(keys.Secret), key)
}

// Verify reports whether token decrypts to the shared secret.
func Verify(token []byte, keys Keys) bool {
	key, err := fernet.DecodeKey(keys.Private)
	if err != nil {
		return false
	}
	msg := fernet.VerifyAndDecrypt(token, tokenTTL, []*fernet.Key{key})
	return msg != nil && string(msg) == keys.Secret
}
