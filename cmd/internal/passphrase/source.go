package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves an operator keystore passphrase from an environment
// variable or an interactive prompt. The first successful answer is cached.
type Source struct {
	envVar  string
	label   string
	confirm bool

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting for the keystore named by label.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "operator keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label}
}

// NewConfirmingSource prompts twice when interactive, for keystores that are
// about to be created.
func NewConfirmingSource(envVar, label string) *Source {
	s := NewSource(envVar, label)
	s.confirm = true
	return s
}

// Get returns the cached passphrase or resolves it on first use.
// Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s passphrase required and no terminal available", s.label)
	}

	first, err := prompt(fd, fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(first) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	if s.confirm {
		second, err := prompt(fd, "Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", errors.New("passphrases do not match")
		}
	}
	return first, nil
}

func prompt(fd int, text string) (string, error) {
	fmt.Fprint(os.Stderr, text)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}
