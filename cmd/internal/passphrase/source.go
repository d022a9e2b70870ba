// Package passphrase resolves keystore passphrases for the command line tools.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var (
	// ErrNoTerminal is returned when no environment value is set and stdin is
	// not interactive.
	ErrNoTerminal = errors.New("passphrase: no terminal available")
	// ErrMismatch is returned when the confirmation prompt differs.
	ErrMismatch = errors.New("passphrase: entries do not match")
	// ErrEmpty rejects blank passphrases from either source.
	ErrEmpty = errors.New("passphrase: empty")
)

// readFunc reads one line without echo after writing label.
type readFunc func(label string) (string, error)

// Source looks up a passphrase in an environment variable and falls back to a
// terminal prompt. The outcome of the first Get is reused.
type Source struct {
	envVar  string
	label   string
	confirm bool
	read    readFunc

	once  sync.Once
	value string
	err   error
}

// Option tweaks a Source.
type Option func(*Source)

// WithConfirmation asks for the passphrase twice when prompting. Used when a
// new keystore is created.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// NewSource returns a Source reading envVar first. label is shown on stderr
// when prompting.
func NewSource(envVar, label string, opts ...Option) *Source {
	if strings.TrimSpace(label) == "" {
		label = "Keystore passphrase"
	}
	s := &Source{envVar: strings.TrimSpace(envVar), label: label, read: terminalReader(os.Stdin, os.Stderr)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. Environment values are used verbatim.
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
				return "", fmt.Errorf("%w: %s is set but blank", ErrEmpty, s.envVar)
			}
			return value, nil
		}
	}
	value, err := s.read(s.label)
	if err != nil {
		if errors.Is(err, ErrNoTerminal) && s.envVar != "" {
			return "", fmt.Errorf("%w; set %s", err, s.envVar)
		}
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrEmpty
	}
	if s.confirm {
		again, err := s.read("Repeat " + strings.ToLower(s.label[:1]) + s.label[1:])
		if err != nil {
			return "", err
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func terminalReader(in *os.File, out io.Writer) readFunc {
	return func(label string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", ErrNoTerminal
		}
		fmt.Fprintf(out, "%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("passphrase: read: %w", err)
		}
		return string(raw), nil
	}
}
