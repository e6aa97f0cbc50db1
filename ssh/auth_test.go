package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	gossh "golang.org/x/crypto/ssh"

	"winglink/api"
	"winglink/config"
)

func newPublicKey(t *testing.T) (gossh.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return key, priv
}

func authorizedLine(key gossh.PublicKey) string {
	return string(gossh.MarshalAuthorizedKey(key))
}

func configWithUsers(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, u := range []struct{ name, pass, role string }{
		{"admin", "secret123", config.RoleAdmin},
		{"legacy", "old", ""},
		{"viewer", "look", config.RoleViewer},
	} {
		hash, err := api.HashPassword(u.pass)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		cfg.AddWebUser(config.WebUser{Username: u.name, PasswordHash: hash, Role: u.role})
	}
	return cfg
}

func TestAllowUser(t *testing.T) {
	cfg := configWithUsers(t)
	tests := []struct {
		name     string
		user     string
		password string
		want     bool
	}{
		{"admin", "admin", "secret123", true},
		{"empty role is admin", "legacy", "old", true},
		{"wrong password", "admin", "wrong", false},
		{"viewer refused", "viewer", "look", false},
		{"unknown user", "nobody", "secret123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allowUser(cfg, tt.user, tt.password); got != tt.want {
				t.Errorf("allowUser(%s) = %v, want %v", tt.user, got, tt.want)
			}
		})
	}
}

func TestLoadAuthorizedKeysFromFile(t *testing.T) {
	dir := t.TempDir()
	key, _ := newPublicKey(t)

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"comments and blanks", "# comment\n\n" + authorizedLine(key) + "# trailing\n", 1},
		{"invalid lines skipped", "not a key\n" + authorizedLine(key) + "ssh-ed25519 AAAAbroken\n", 1},
		{"empty", "", 0},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "keys"+string(rune('a'+i)))
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("write: %v", err)
			}
			keys, err := loadAuthorizedKeysFromFile(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(keys) != tt.want {
				t.Errorf("got %d keys, want %d", len(keys), tt.want)
			}
		})
	}
}

func TestLoadAuthorizedKeysFromDir(t *testing.T) {
	dir := t.TempDir()
	k1, _ := newPublicKey(t)
	k2, _ := newPublicKey(t)
	k3, _ := newPublicKey(t)

	os.WriteFile(filepath.Join(dir, "alice.pub"), []byte(authorizedLine(k1)), 0644)
	os.WriteFile(filepath.Join(dir, "bob.pub"), []byte(authorizedLine(k2)), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte(authorizedLine(k3)), 0644)
	os.MkdirAll(filepath.Join(dir, "nested"), 0755)
	os.WriteFile(filepath.Join(dir, "nested", "carol.pub"), []byte(authorizedLine(k3)), 0644)

	keys, err := loadAuthorizedKeys(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("got %d keys, want 2 (hidden files and subdirectories skipped)", len(keys))
	}
}

func TestPublicKeyHandler(t *testing.T) {
	dir := t.TempDir()
	key, _ := newPublicKey(t)
	other, _ := newPublicKey(t)

	t.Run("missing path", func(t *testing.T) {
		if _, err := PublicKeyHandler(filepath.Join(dir, "missing")); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("no keys", func(t *testing.T) {
		path := filepath.Join(dir, "empty")
		os.WriteFile(path, nil, 0644)
		if _, err := PublicKeyHandler(path); !errors.Is(err, errNoKeys) {
			t.Errorf("expected errNoKeys, got %v", err)
		}
	})

	t.Run("matches listed key only", func(t *testing.T) {
		path := filepath.Join(dir, "authorized_keys")
		os.WriteFile(path, []byte(authorizedLine(key)), 0644)
		handler, err := PublicKeyHandler(path)
		if err != nil {
			t.Fatalf("handler: %v", err)
		}
		if !handler(nil, key) {
			t.Error("listed key rejected")
		}
		if handler(nil, other) {
			t.Error("unlisted key accepted")
		}
	})
}

func TestHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ssh_host_key")

	first, err := HostKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.PublicKey().Type() != gossh.KeyAlgoED25519 {
		t.Errorf("key type = %s", first.PublicKey().Type())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("host key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o, want 600", info.Mode().Perm())
	}

	second, err := HostKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Error("reload produced a different key")
	}

	bad := filepath.Join(t.TempDir(), "bad_key")
	os.WriteFile(bad, []byte("not a key"), 0600)
	if _, err := HostKey(bad); err == nil {
		t.Error("expected error for a corrupt host key")
	}
}
