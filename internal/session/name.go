package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/matheus3301/worldchat/internal/config"
)

// DefaultName is used when neither a flag, the environment nor the config
// names a session.
const DefaultName = "main"

// NameEnv selects the session when no flag is given.
const NameEnv = "WORLDCHAT_SESSION"

const maxNameLen = 64

// ErrInvalidName is wrapped by every name validation failure.
var ErrInvalidName = errors.New("invalid session name")

// ValidateName accepts lowercase letters, digits, '-' and '_', starting with
// a letter or digit so a name can never be mistaken for a flag.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w %q: longer than %d characters", ErrInvalidName, name, maxNameLen)
	case name[0] == '-' || name[0] == '_':
		return fmt.Errorf("%w %q: must start with a letter or digit", ErrInvalidName, name)
	}
	for _, r := range name {
		if !nameRune(r) {
			return fmt.Errorf("%w %q: unexpected character %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

func nameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// Resolve picks the active session: flag, then $WORLDCHAT_SESSION, then the
// config's default_session, then "main". The result is validated.
func Resolve(flagValue string) (string, error) {
	name := flagValue
	if name == "" {
		name = os.Getenv(NameEnv)
	}
	if name == "" {
		if cfg, err := config.LoadOrDefault(ConfigPath()); err == nil {
			name = cfg.DefaultSession
		}
	}
	if name == "" {
		name = DefaultName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
