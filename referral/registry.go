/*
registry.go - Identity & link registry

PURPOSE:
  Issues short referral codes and resolves incoming codes back to the
  referrer who owns them.

CODE FORMAT:
  8 characters from an unambiguous upper-case alphabet (no 0/O, 1/I/L),
  drawn from crypto/rand. ~40 bits of entropy: unguessable, and collisions
  are astronomically unlikely. On the off chance one happens, the unique
  constraint rejects it and we retry with a fresh value.

INVARIANT:
  A code is globally unique and immutable once issued.
*/
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// codeAlphabet avoids visually ambiguous characters.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

// issueAttempts bounds collision retries. With 31^8 possible codes this
// never triggers in practice; it exists so a broken store can't loop forever.
const issueAttempts = 5

// Registry issues and resolves referral codes.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// IssueCode generates a new unique code for the referrer.
// Retries with a fresh random value on the (astronomically unlikely)
// collision.
func (r *Registry) IssueCode(ctx context.Context, referrerID ReferrerID) (Code, error) {
	for i := 0; i < issueAttempts; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		err = r.store.CreateLink(ctx, ReferralLink{
			Code:       code,
			ReferrerID: referrerID,
			CreatedAt:  time.Now().UTC(),
		})
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return "", err
		}
	}
	return "", fmt.Errorf("issue code: %w", ErrCodeTaken)
}

// ResolveCode returns the referrer owning the code.
// Returns ErrCodeNotFound for unknown codes.
func (r *Registry) ResolveCode(ctx context.Context, code Code) (ReferrerID, error) {
	link, err := r.store.GetLink(ctx, code)
	if err != nil {
		return "", err
	}
	return link.ReferrerID, nil
}

func randomCode() (Code, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return Code(out), nil
}
