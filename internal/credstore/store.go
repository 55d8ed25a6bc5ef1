// Package credstore persists named credential profiles.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/cookies"

	"github.com/sirupsen/logrus"
)

// Profile is a named, durable TokenSet.
type Profile struct {
	Name     string           `json:"name"`
	Tokens   cookies.TokenSet `json:"tokens"`
	LastUsed time.Time        `json:"last_used"`
}

// Store is the persistence contract shared by the file and redis backends.
// Load of an unknown name returns an apierr.KindNotFound error and never a
// partial profile.
type Store interface {
	Save(ctx context.Context, name string, tokens cookies.TokenSet) error
	Load(ctx context.Context, name string) (*Profile, error)
	Delete(ctx context.Context, name string) error
	// List returns profile names sorted ascending.
	List(ctx context.Context) ([]string, error)
	// Touch records a successful use.
	Touch(ctx context.Context, name string) error
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateName rejects names that could escape the store directory or
// collide with key separators.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return apierr.Newf(apierr.KindInvalidParameter, "credstore", "invalid profile name %q", name)
	}
	return nil
}

func notFound(name string) error {
	return apierr.Newf(apierr.KindNotFound, "credstore.load", "profile %q not found", name)
}

// IsNotFound reports whether err means the profile does not exist.
func IsNotFound(err error) bool {
	return apierr.Is(err, apierr.KindNotFound)
}

// ErrCorrupt marks a stored profile that exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt profile")

// IsCorrupt reports whether err came from an undecodable profile.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// LoadAll loads every profile. Profiles that vanish between List and Load
// are skipped, and so are corrupt ones, which are logged when log is set.
func LoadAll(ctx context.Context, s Store, log logrus.FieldLogger) ([]*Profile, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]*Profile, 0, len(names))
	for _, n := range names {
		p, err := s.Load(ctx, n)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			if IsCorrupt(err) {
				if log != nil {
					log.WithError(err).WithField("profile", n).Warn("skipping unreadable profile")
				}
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

var errEmptyTokens = errors.New("refusing to save an empty token set")
