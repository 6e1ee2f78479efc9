// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents a registered user account.
//
// We use Google (Firebase) as the identity provider, so the primary external
// identifier is the provider's subject ID — the stable "sub"/uid claim from a
// verified ID token. We still generate our own internal string ID (xid) to
// avoid tying our primary keys to a third-party's identifier scheme.
//
// UNIQUENESS INVARIANTS (enforced by the store, see repository/sqlite):
//   - SubjectID: one provider account maps to exactly one local account
//   - Username: chosen at registration or derived at first federated login;
//     never changed by the flows in this backend
//   - Email: one account per address
//
// WHY SubjectID string (not a number)?
// Firebase UIDs are opaque strings (e.g. "Nc5EeYHjPzW..."). Treating them as
// opaque means we never make assumptions about their shape. SubjectID is
// empty only for non-federated accounts, which this backend never creates.
//
// HashedPassword is carried for accounts that supply a password at
// registration, but no in-scope flow ever verifies it — login is
// federated-only. It is never serialized.
type User struct {
	ID             string    `json:"id"             db:"id"`
	SubjectID      string    `json:"subjectId"      db:"subject_id"`
	Username       string    `json:"username"       db:"username"`
	Email          string    `json:"email"          db:"email"`
	HashedPassword string    `json:"-"              db:"hashed_password"`
	DisplayName    string    `json:"displayName"    db:"display_name"`
	Region         string    `json:"region"         db:"region"`   // profile region, e.g. a state or country
	Language       string    `json:"language"       db:"language"` // preferred language
	PhotoURL       string    `json:"photoUrl"       db:"photo_url"`
	Bio            string    `json:"bio"            db:"bio"`
	CreatedAt      time.Time `json:"createdAt"      db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt"      db:"updated_at"`
}
