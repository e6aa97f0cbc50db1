package ssh

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"

	"winglink/api"
	"winglink/config"
)

// errNoKeys is returned when an authorized_keys source holds no usable key.
var errNoKeys = errors.New("no authorized keys found")

// PasswordHandler checks SSH passwords against web.users. Only admins get a
// terminal, since the TUI can change configuration.
func PasswordHandler(cfg *config.Config) ssh.PasswordHandler {
	return func(ctx ssh.Context, password string) bool {
		ok := allowUser(cfg, ctx.User(), password)
		if !ok {
			debugSSH.Log("Rejected password for %q from %s", ctx.User(), ctx.RemoteAddr())
		}
		return ok
	}
}

func allowUser(cfg *config.Config, username, password string) bool {
	user, ok := api.Authenticate(cfg, username, password)
	return ok && api.IsAdmin(user.Role)
}

// PublicKeyHandler accepts the keys listed at path, an authorized_keys file
// or a directory of them.
func PublicKeyHandler(path string) (ssh.PublicKeyHandler, error) {
	keys, err := loadAuthorizedKeys(path)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errNoKeys)
	}
	return func(ctx ssh.Context, key ssh.PublicKey) bool {
		for _, k := range keys {
			if ssh.KeysEqual(key, k) {
				return true
			}
		}
		return false
	}, nil
}

func loadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loadAuthorizedKeysFromDir(path)
	}
	return loadAuthorizedKeysFromFile(path)
}

// loadAuthorizedKeysFromFile skips blank lines, comments and lines that do
// not parse.
func loadAuthorizedKeysFromFile(path string) ([]ssh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []ssh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}

// loadAuthorizedKeysFromDir reads every non-hidden file in dir, without
// recursing. Unreadable files are skipped.
func loadAuthorizedKeysFromDir(dir string) ([]ssh.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var keys []ssh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

// HostKey loads the server's host key from path, generating an ED25519 key
// there on first use.
func HostKey(path string) (gossh.Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return loadHostKey(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return generateHostKey(path)
}

func loadHostKey(path string) (gossh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key %s: %w", path, err)
	}
	return signer, nil
}

func generateHostKey(path string) (gossh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(privateKey, "winglink host key")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	debugSSH.Log("Generated host key %s", path)
	return gossh.NewSignerFromKey(privateKey)
}
