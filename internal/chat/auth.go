package chat

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Accounts is the optional credential store: a YAML map of normalized
// username to bcrypt hash. A nil Accounts means authentication is disabled
// and any name logs in.
type Accounts struct {
	hashes map[string]string
	log    *zap.Logger
}

// LoadAccounts reads the accounts file. An empty path disables auth.
func LoadAccounts(path string, log *zap.Logger) (*Accounts, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file %s: %w", path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}

	a := &Accounts{hashes: make(map[string]string, len(raw)), log: log}
	for name, hash := range raw {
		a.hashes[NormalizeUsername(name)] = hash
	}
	log.Info("accounts loaded", zap.Int("count", len(a.hashes)))
	return a, nil
}

// Check verifies the password for a normalized username. Unknown usernames
// are rejected when auth is enabled.
func (a *Accounts) Check(username, password string) bool {
	hash, ok := a.hashes[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NormalizeUsername folds case and applies NFKC so visually equivalent
// names map to one user object.
func NormalizeUsername(name string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
}
