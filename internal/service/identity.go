// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (business layer) → the identity reconciler lives here
//	Repository (data layer)  → reads/writes the user store
//
// The service takes repository.UserRepository and auth.Verifier as
// interfaces, not concrete types. Handlers never touch the store; the
// service never touches HTTP. Tests swap in fakes for both collaborators
// with plain Go structs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/triangle-auth/internal/apperror"
	"github.com/sakif/triangle-auth/internal/auth"
	"github.com/sakif/triangle-auth/internal/model"
	"github.com/sakif/triangle-auth/internal/repository"
)

const (
	// derivedUsernamePrefix + a slice of the subject ID is the fallback
	// username when the provider sends no email claim.
	derivedUsernamePrefix = "user_"
	subjectSliceLen       = 8

	// maxUsernameSuffix bounds the collision loop. The sequence is
	// deterministic (base, base1, base2, …) so the same claims always probe
	// the same candidates; the bound keeps a pathological store state from
	// pinning a request forever.
	maxUsernameSuffix = 100
)

// IdentityService maps external identities to local user records: it is the
// reconciler between the token verifier's claims and the users table.
type IdentityService struct {
	users     repository.UserRepository
	verifier  auth.Verifier
	passwords *auth.PasswordService
	logger    *slog.Logger
}

// NewIdentityService creates an IdentityService with all dependencies
// injected. Called once, in the composition root (internal/server).
func NewIdentityService(
	users repository.UserRepository,
	verifier auth.Verifier,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *IdentityService {
	return &IdentityService{
		users:     users,
		verifier:  verifier,
		passwords: passwords,
		logger:    logger,
	}
}

// compile-time check: the auth middleware consumes this service.
var _ auth.Authenticator = (*IdentityService)(nil)

// RegisterInput is the explicit-signup payload. Password is optional and,
// when present, is hashed and stored without ever being used by an in-scope
// flow (login is federated-only).
type RegisterInput struct {
	Username    string
	Email       string
	DisplayName string
	Password    string
}

// ProfileUpdate carries the partial profile-update fields. An empty string
// means "leave the stored value alone" — see UpdateProfile. The json tags
// let the HTTP handler decode a request body straight into it; an omitted
// field and an explicit "" are indistinguishable, which is exactly the
// falsy-skip contract.
type ProfileUpdate struct {
	DisplayName string `json:"displayName"`
	Region      string `json:"region"`
	Language    string `json:"language"`
	PhotoURL    string `json:"photoUrl"`
	Bio         string `json:"bio"`
}

// ResolveOrCreate maps verified claims to exactly one local user, creating
// the record on first sight of a subject ID.
//
// FLOW:
//  1. Look up by subject ID. Found → return it unchanged, created=false.
//  2. Absent → derive a candidate username: the local-part of the claim
//     email, or "user_" + the first 8 characters of the subject ID when the
//     provider sent no email.
//  3. Collisions get an increasing integer suffix (base, base1, base2, …)
//     until a free name is found. Deterministic, never randomized.
//  4. Insert and return the new record, created=true.
//
// LOST RACES:
// Two first-logins for the same subject can both pass step 1 and race the
// insert. The store's unique constraint lets exactly one through; the loser
// sees a subject_id conflict, re-reads the winner's row, and returns it
// with created=false — both callers end up with equivalent identity data
// and exactly one row exists. A username conflict on insert is the same
// race on a different axis: the loop just advances to the next suffix,
// which re-checks against the now-current store state.
func (s *IdentityService) ResolveOrCreate(ctx context.Context, claims *auth.Claims) (*model.User, bool, error) {
	if claims == nil || claims.Subject == "" {
		return nil, false, fmt.Errorf("service/identity: %w",
			apperror.Unauthenticated("token carries no subject"))
	}

	user, err := s.users.GetBySubjectID(ctx, claims.Subject)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, false, fmt.Errorf("service/identity: looking up subject: %w", err)
	}

	base := usernameBase(claims)

	for i := 0; i <= maxUsernameSuffix; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", base, i)
		}

		if _, err := s.users.GetByUsername(ctx, candidate); err == nil {
			continue // taken, next suffix
		} else if !errors.Is(err, apperror.ErrNotFound) {
			return nil, false, fmt.Errorf("service/identity: checking username: %w", err)
		}

		newUser := &model.User{
			SubjectID:   claims.Subject,
			Username:    candidate,
			Email:       claims.Email,
			DisplayName: claims.Name,
			PhotoURL:    claims.PictureURL,
		}

		err := s.users.Create(ctx, newUser)
		if err == nil {
			s.logger.Info("user auto-provisioned on first login",
				slog.String("userID", newUser.ID),
				slog.String("username", newUser.Username),
			)
			return newUser, true, nil
		}

		var appErr *apperror.AppError
		if errors.As(err, &appErr) && errors.Is(err, apperror.ErrConflict) {
			switch appErr.Field {
			case "subject_id":
				// Lost the first-login race: someone else just created this
				// subject. Their row is the account — return it.
				winner, rerr := s.users.GetBySubjectID(ctx, claims.Subject)
				if rerr != nil {
					return nil, false, fmt.Errorf("service/identity: re-reading after lost race: %w", rerr)
				}
				s.logger.Info("lost provisioning race, adopted existing row",
					slog.String("subjectID", claims.Subject),
				)
				return winner, false, nil
			case "username":
				continue // lost a username race, next suffix
			}
		}

		return nil, false, fmt.Errorf("service/identity: creating user: %w", err)
	}

	return nil, false, fmt.Errorf("service/identity: %w",
		apperror.Conflict("username", base))
}

// Register creates an account with an explicit, caller-chosen username.
// Used by the signup flow, where the user has already authenticated with
// the provider but picks their own handle.
//
// The username pre-check gives a clean Conflict for the common case; the
// store's constraint still backstops the race where two registrations pass
// the check together — the second insert fails with the same Conflict, per
// the error contract a genuine pre-existing conflict would produce.
func (s *IdentityService) Register(ctx context.Context, subjectID string, in RegisterInput) (*model.User, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("service/identity: %w",
			apperror.Unauthenticated("token carries no subject"))
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, apperror.ValidationFailed("username", "username is required")
	}
	if strings.TrimSpace(in.Email) == "" {
		return nil, apperror.ValidationFailed("email", "email is required")
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, fmt.Errorf("service/identity: %w", apperror.Conflict("username", username))
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/identity: checking username: %w", err)
	}

	user := &model.User{
		SubjectID:   subjectID,
		Username:    username,
		Email:       in.Email,
		DisplayName: in.DisplayName,
	}

	if in.Password != "" {
		hashed, err := s.passwords.Hash(in.Password)
		if err != nil {
			return nil, apperror.ValidationFailed("password", err.Error())
		}
		user.HashedPassword = hashed
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("service/identity: registering user: %w", err)
	}

	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("username", user.Username),
	)

	return user, nil
}

// GoogleLogin verifies a raw ID token (as sent in the google-login request
// body, not a header) and reconciles it to a local user.
func (s *IdentityService) GoogleLogin(ctx context.Context, idToken string) (*model.User, bool, error) {
	claims, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, false, fmt.Errorf("service/identity: %w", err)
	}
	return s.ResolveOrCreate(ctx, claims)
}

// VerifyBearer parses an Authorization header and verifies the token,
// without requiring a local account to exist. The registration handler uses
// it: at that point the subject is authenticated but has no row yet.
func (s *IdentityService) VerifyBearer(ctx context.Context, authorization string) (*auth.Claims, error) {
	token, err := auth.ParseBearer(authorization)
	if err != nil {
		return nil, fmt.Errorf("service/identity: %w", err)
	}
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("service/identity: %w", err)
	}
	return claims, nil
}

// Authenticate is the guard used by protected routes: Bearer parse →
// verify → local lookup by subject. A verified subject with no local row is
// ErrNotFound, never an auto-created account — registration is a separate,
// required prior step.
func (s *IdentityService) Authenticate(ctx context.Context, authorization string) (*model.User, error) {
	claims, err := s.VerifyBearer(ctx, authorization)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetBySubjectID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("service/identity: %w", err)
	}
	return user, nil
}

// UpdateProfile applies a partial update to the user's mutable profile
// fields and persists it.
//
// "FALSY MEANS SKIP": an empty string in the update leaves the stored value
// untouched — it does NOT clear the field. This matches the documented
// behavior of the API this backend replaces. It also means a user cannot
// intentionally blank a field (e.g. remove their bio); expressing "unset"
// would need a pointer/patch payload and is an open question, not something
// to fix silently here.
func (s *IdentityService) UpdateProfile(ctx context.Context, user *model.User, upd ProfileUpdate) (*model.User, error) {
	if upd.DisplayName != "" {
		user.DisplayName = upd.DisplayName
	}
	if upd.Region != "" {
		user.Region = upd.Region
	}
	if upd.Language != "" {
		user.Language = upd.Language
	}
	if upd.PhotoURL != "" {
		user.PhotoURL = upd.PhotoURL
	}
	if upd.Bio != "" {
		user.Bio = upd.Bio
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("service/identity: updating profile: %w", err)
	}

	return user, nil
}

// LookupEmail returns the email address for a username. Pure read; absent
// username is ErrNotFound.
func (s *IdentityService) LookupEmail(ctx context.Context, username string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", apperror.ValidationFailed("username", "username is required")
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("service/identity: %w", err)
	}
	return user.Email, nil
}

// usernameBase derives the starting username candidate from claims:
// the email local-part when present, otherwise a prefix plus a short slice
// of the subject ID.
func usernameBase(claims *auth.Claims) string {
	if claims.Email != "" {
		if at := strings.Index(claims.Email, "@"); at > 0 {
			return claims.Email[:at]
		}
	}

	subject := claims.Subject
	if len(subject) > subjectSliceLen {
		subject = subject[:subjectSliceLen]
	}
	return derivedUsernamePrefix + subject
}
