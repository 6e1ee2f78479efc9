// Package repository defines the persistence interfaces the service layer
// programs against. Concrete backends live in subpackages (sqlite).
package repository

import (
	"context"

	"github.com/sakif/triangle-auth/internal/model"
)

// UserRepository is the user store.
//
// CONTRACT:
//   - Create assigns User.ID/CreatedAt/UpdatedAt and inserts the row. A
//     uniqueness violation (username, email, or subject_id already taken)
//     returns apperror.ErrConflict with AppError.Field naming the column —
//     atomically, at the store level, so two concurrent inserts can never
//     both succeed. Check-then-insert alone is NOT a uniqueness guarantee.
//   - The GetBy* lookups return apperror.ErrNotFound when no row matches.
//   - Update persists mutable profile fields and bumps UpdatedAt; it has the
//     same conflict contract as Create.
//   - Any I/O failure wraps apperror.ErrUnavailable.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetBySubjectID(ctx context.Context, subjectID string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Update(ctx context.Context, user *model.User) error
}
