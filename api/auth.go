package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"winglink/config"
)

// basicAuth checks HTTP basic credentials against the bcrypt hashes in
// web.users. With no users configured every request passes. Viewers may
// only read.
func basicAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authEnabled(cfg) {
				next.ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}
			user, found := Authenticate(cfg, username, password)
			if !found {
				debugAPI.Log("Rejected credentials for %q from %s", username, r.RemoteAddr)
				unauthorized(w)
				return
			}
			if !IsAdmin(user.Role) && !readOnlyMethod(r.Method) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"admin role required"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="winglink"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}

func readOnlyMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func authEnabled(cfg *config.Config) bool {
	cfg.Lock()
	defer cfg.Unlock()
	return len(cfg.Web.Users) > 0
}

// userFromConfig finds a web user under the config lock.
func userFromConfig(cfg *config.Config, username string) (config.WebUser, bool) {
	cfg.Lock()
	defer cfg.Unlock()
	if u := cfg.FindWebUser(username); u != nil {
		return *u, true
	}
	return config.WebUser{}, false
}

// Authenticate checks username and password against web.users. The SSH
// server shares it with the HTTP API.
func Authenticate(cfg *config.Config, username, password string) (config.WebUser, bool) {
	user, found := userFromConfig(cfg, username)
	if !found || !checkPassword(password, user.PasswordHash) {
		return config.WebUser{}, false
	}
	return user, true
}

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword generates a bcrypt hash for a web.users entry.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IsAdmin returns true if the role is admin. An empty role counts as admin
// so that a bare username/hash entry grants full access.
func IsAdmin(role string) bool {
	return role == config.RoleAdmin || role == ""
}
