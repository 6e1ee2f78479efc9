package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	sqlite3 "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/sakif/triangle-auth/internal/apperror"
	"github.com/sakif/triangle-auth/internal/model"
	"github.com/sakif/triangle-auth/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, subject_id, username, email, hashed_password,
	display_name, region, language, photo_url, bio, created_at, updated_at`

// Create inserts a new user row, assigning the internal ID and timestamps.
//
// UNIQUENESS IS DECIDED HERE, NOT BY A PRIOR LOOKUP:
// Two requests can both look up a username, both see it free, and both
// reach this INSERT — only the UNIQUE constraints make exactly one of them
// win. The loser gets SQLITE_CONSTRAINT_UNIQUE, which we translate into
// apperror.Conflict naming the violated column so the caller can decide
// whether the race is recoverable.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	now := time.Now()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.SubjectID,
		user.Username,
		nullIfEmpty(user.Email),
		user.HashedPassword,
		user.DisplayName,
		user.Region,
		user.Language,
		user.PhotoURL,
		user.Bio,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return fmt.Errorf("sqlite: inserting user: %w",
				apperror.Conflict(field, fieldValue(user, field)))
		}
		return fmt.Errorf("sqlite: %w", apperror.Unavailable("inserting user", err))
	}

	return nil
}

// GetBySubjectID retrieves a user by the identity provider's subject ID.
// Returns apperror.ErrNotFound if no such user exists.
func (db *DB) GetBySubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	return db.getBy(ctx, "subject_id", subjectID)
}

// GetByUsername retrieves a user by username.
func (db *DB) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return db.getBy(ctx, "username", username)
}

// GetByEmail retrieves a user by email address.
func (db *DB) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getBy(ctx, "email", email)
}

// getBy runs a single-row lookup on one of the unique columns. The column
// name is always one of our own constants, never caller input — safe to
// interpolate.
func (db *DB) getBy(ctx context.Context, column, value string) (*model.User, error) {
	var (
		u     model.User
		email sql.NullString
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`,
		value,
	).Scan(
		&u.ID,
		&u.SubjectID,
		&u.Username,
		&email,
		&u.HashedPassword,
		&u.DisplayName,
		&u.Region,
		&u.Language,
		&u.PhotoURL,
		&u.Bio,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqlite: %w",
			apperror.Unavailable(fmt.Sprintf("getting user by %s", column), err))
	}

	u.Email = email.String
	return &u, nil
}

// Update persists the mutable profile fields and bumps updated_at.
// subject_id, username, and created_at are deliberately not in the SET list
// — they are immutable in every flow this backend exposes.
func (db *DB) Update(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE users
		 SET email = ?, display_name = ?, region = ?, language = ?,
		     photo_url = ?, bio = ?, updated_at = ?
		 WHERE id = ?`,
		nullIfEmpty(user.Email),
		user.DisplayName,
		user.Region,
		user.Language,
		user.PhotoURL,
		user.Bio,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return fmt.Errorf("sqlite: updating user: %w",
				apperror.Conflict(field, fieldValue(user, field)))
		}
		return fmt.Errorf("sqlite: %w", apperror.Unavailable("updating user", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %w", apperror.Unavailable("updating user", err))
	}
	if n == 0 {
		return fmt.Errorf("sqlite: updating user: %w", apperror.NotFound("user", user.ID))
	}

	return nil
}

// uniqueViolation reports whether err is a SQLite uniqueness-constraint
// rejection, and if so which users column it fired on.
//
// modernc.org/sqlite surfaces constraint failures as *sqlite.Error with the
// extended result code, and a message of the form
// "UNIQUE constraint failed: users.username". The column name in the
// message is the only way to tell WHICH constraint fired — the code alone
// says "some unique column".
func uniqueViolation(err error) (string, bool) {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return "", false
	}
	switch serr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
	default:
		return "", false
	}

	msg := serr.Error()
	const marker = "users."
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return "unknown", true
	}
	field := msg[i+len(marker):]
	if j := strings.IndexFunc(field, func(r rune) bool {
		return r == ' ' || r == ')' || r == ','
	}); j >= 0 {
		field = field[:j]
	}
	return field, true
}

// nullIfEmpty stores "" as NULL so the UNIQUE(email) constraint never fires
// between two accounts that simply have no address.
func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// fieldValue returns the user's value for a violated column, for the
// conflict message.
func fieldValue(u *model.User, field string) string {
	switch field {
	case "subject_id":
		return u.SubjectID
	case "username":
		return u.Username
	case "email":
		return u.Email
	default:
		return u.ID
	}
}
