package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sakif/triangle-auth/internal/apperror"
	"github.com/sakif/triangle-auth/internal/auth"
	"github.com/sakif/triangle-auth/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
// A hand-written fake (not a mock framework) keeps the tests dependency-free
// and readable — what the fake does is exactly what you see.
//
// It enforces the same uniqueness contract as the sqlite backend: Create
// fails with a field-tagged Conflict when subject_id, username, or a
// non-empty email is already present.
type fakeUserRepo struct {
	rows   map[string]*model.User // keyed by internal ID
	nextID int

	// beforeCreate, when set, runs just before Create's uniqueness checks.
	// Tests use it to slip a competing row in — simulating another request
	// winning the insert race after this one's lookups saw nothing.
	beforeCreate func(f *fakeUserRepo)

	// set to a non-nil error to simulate a store outage
	failWith error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{rows: make(map[string]*model.User), nextID: 1}
}

func (f *fakeUserRepo) insert(u *model.User) {
	u.ID = "fake-id-" + strconv.Itoa(f.nextID)
	f.nextID++
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	copied := *u
	f.rows[u.ID] = &copied
}

func (f *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	if f.failWith != nil {
		return f.failWith
	}
	if f.beforeCreate != nil {
		hook := f.beforeCreate
		f.beforeCreate = nil // one shot
		hook(f)
	}
	for _, row := range f.rows {
		switch {
		case row.SubjectID == user.SubjectID:
			return apperror.Conflict("subject_id", user.SubjectID)
		case row.Username == user.Username:
			return apperror.Conflict("username", user.Username)
		case user.Email != "" && row.Email == user.Email:
			return apperror.Conflict("email", user.Email)
		}
	}
	f.insert(user)
	return nil
}

func (f *fakeUserRepo) getWhere(match func(*model.User) bool, key string) (*model.User, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	for _, row := range f.rows {
		if match(row) {
			copied := *row
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", key)
}

func (f *fakeUserRepo) GetBySubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	return f.getWhere(func(u *model.User) bool { return u.SubjectID == subjectID }, subjectID)
}

func (f *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return f.getWhere(func(u *model.User) bool { return u.Username == username }, username)
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return f.getWhere(func(u *model.User) bool { return u.Email == email }, email)
}

func (f *fakeUserRepo) Update(ctx context.Context, user *model.User) error {
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.rows[user.ID]; !ok {
		return apperror.NotFound("user", user.ID)
	}
	user.UpdatedAt = time.Now()
	copied := *user
	f.rows[user.ID] = &copied
	return nil
}

// fakeVerifier maps literal token strings to claims.
type fakeVerifier struct {
	tokens map[string]*auth.Claims
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	if c, ok := f.tokens[token]; ok {
		return c, nil
	}
	return nil, apperror.Unauthenticated("invalid or expired token")
}

func newTestService(repo *fakeUserRepo, verifier auth.Verifier) *IdentityService {
	if verifier == nil {
		verifier = &fakeVerifier{}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewIdentityService(repo, verifier, auth.NewPasswordServiceForTest(4), logger)
}

func googleClaims(subject, email string) *auth.Claims {
	return &auth.Claims{
		Subject:    subject,
		Email:      email,
		Name:       "Some Name",
		PictureURL: "https://example.com/p.png",
	}
}

// =========================================================================
// ResolveOrCreate TESTS
// =========================================================================

func TestResolveOrCreate_FirstThenSecondLogin(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)
	claims := googleClaims("sub-1", "alice@example.com")

	first, created, err := svc.ResolveOrCreate(context.Background(), claims)
	if err != nil {
		t.Fatalf("first ResolveOrCreate() error = %v", err)
	}
	if !created {
		t.Error("first call: created = false, want true")
	}
	if first.Username != "alice" {
		t.Errorf("Username = %q, want %q (email local-part)", first.Username, "alice")
	}
	if first.DisplayName != "Some Name" || first.PhotoURL != "https://example.com/p.png" {
		t.Error("profile claims were not copied onto the new user")
	}

	second, created, err := svc.ResolveOrCreate(context.Background(), claims)
	if err != nil {
		t.Fatalf("second ResolveOrCreate() error = %v", err)
	}
	if created {
		t.Error("second call: created = true, want false")
	}
	if second.ID != first.ID || second.Username != first.Username {
		t.Errorf("second call returned a different identity: %+v vs %+v", second, first)
	}
}

func TestResolveOrCreate_NoEmailFallbackUsername(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	user, _, err := svc.ResolveOrCreate(context.Background(), googleClaims("abcdefghijkl", ""))
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}
	if user.Username != "user_abcdefgh" {
		t.Errorf("Username = %q, want %q", user.Username, "user_abcdefgh")
	}
}

func TestResolveOrCreate_CollisionPicksSmallestFreeSuffix(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	// Occupy alice, alice1, alice2 with other subjects.
	for _, name := range []string{"alice", "alice1", "alice2"} {
		repo.insert(&model.User{
			SubjectID: "other-" + name,
			Username:  name,
			Email:     strings.ToLower(name) + "@elsewhere.com",
		})
	}

	user, created, err := svc.ResolveOrCreate(context.Background(),
		googleClaims("sub-new", "alice@example.com"))
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}
	if !created {
		t.Fatal("created = false, want true")
	}
	if user.Username != "alice3" {
		t.Errorf("Username = %q, want %q (smallest unused suffix)", user.Username, "alice3")
	}
}

func TestResolveOrCreate_LostSubjectRaceAdoptsWinner(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	// The competitor lands between our lookup and our insert.
	repo.beforeCreate = func(f *fakeUserRepo) {
		f.insert(&model.User{
			SubjectID: "sub-race",
			Username:  "winner",
			Email:     "winner@example.com",
		})
	}

	user, created, err := svc.ResolveOrCreate(context.Background(),
		googleClaims("sub-race", "winner@example.com"))
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}
	if created {
		t.Error("created = true, want false — the competitor's row is the account")
	}
	if user.Username != "winner" {
		t.Errorf("Username = %q, want the winner's row", user.Username)
	}

	// Exactly one row for the subject.
	count := 0
	for _, row := range repo.rows {
		if row.SubjectID == "sub-race" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("rows for subject = %d, want 1", count)
	}
}

func TestResolveOrCreate_NoSubject(t *testing.T) {
	svc := newTestService(newFakeUserRepo(), nil)

	_, _, err := svc.ResolveOrCreate(context.Background(), &auth.Claims{})
	if !errors.Is(err, apperror.ErrUnauthenticated) {
		t.Errorf("ResolveOrCreate() error = %v, want ErrUnauthenticated", err)
	}
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	user, err := svc.Register(context.Background(), "sub-reg", RegisterInput{
		Username:    "chosen_name",
		Email:       "reg@example.com",
		DisplayName: "Reggie",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Username != "chosen_name" {
		t.Errorf("Username = %q, want %q", user.Username, "chosen_name")
	}
	if user.HashedPassword != "" {
		t.Error("HashedPassword should be unset for a password-less registration")
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	if _, err := svc.Register(context.Background(), "sub-a", RegisterInput{
		Username: "alice", Email: "a@example.com",
	}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	_, err := svc.Register(context.Background(), "sub-b", RegisterInput{
		Username: "alice", Email: "b@example.com",
	})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("second Register() error = %v, want ErrConflict", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := newTestService(newFakeUserRepo(), nil)

	tests := []struct {
		name  string
		input RegisterInput
	}{
		{"empty username", RegisterInput{Email: "a@example.com"}},
		{"whitespace username", RegisterInput{Username: "   ", Email: "a@example.com"}},
		{"empty email", RegisterInput{Username: "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), "sub-v", tt.input)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Errorf("Register() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestRegister_HashesOptionalPassword(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	user, err := svc.Register(context.Background(), "sub-pw", RegisterInput{
		Username: "pwuser",
		Email:    "pw@example.com",
		Password: "hunter2-but-longer",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.HashedPassword == "" || user.HashedPassword == "hunter2-but-longer" {
		t.Error("password should be stored hashed, never plaintext")
	}
}

// =========================================================================
// Authenticate TESTS
// =========================================================================

func TestAuthenticate(t *testing.T) {
	repo := newFakeUserRepo()
	verifier := &fakeVerifier{tokens: map[string]*auth.Claims{
		"good-token":     googleClaims("sub-known", "known@example.com"),
		"orphaned-token": googleClaims("sub-unknown", "unknown@example.com"),
	}}
	svc := newTestService(repo, verifier)

	repo.insert(&model.User{SubjectID: "sub-known", Username: "known", Email: "known@example.com"})

	t.Run("valid token, existing user", func(t *testing.T) {
		user, err := svc.Authenticate(context.Background(), "Bearer good-token")
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if user.Username != "known" {
			t.Errorf("Username = %q, want %q", user.Username, "known")
		}
	})

	t.Run("valid token, no local record", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "Bearer orphaned-token")
		if !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("Authenticate() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "Bearer bogus")
		if !errors.Is(err, apperror.ErrUnauthenticated) {
			t.Errorf("Authenticate() error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "")
		if !errors.Is(err, apperror.ErrUnauthenticated) {
			t.Errorf("Authenticate() error = %v, want ErrUnauthenticated", err)
		}
	})
}

// =========================================================================
// UpdateProfile TESTS
// =========================================================================

func TestUpdateProfile_FalsyFieldsAreSkipped(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	user := &model.User{
		SubjectID:   "sub-p",
		Username:    "profiled",
		Email:       "p@example.com",
		DisplayName: "Original Name",
		Bio:         "old bio",
	}
	repo.insert(user)

	updated, err := svc.UpdateProfile(context.Background(), user, ProfileUpdate{
		DisplayName: "", // falsy → skipped, NOT cleared
		Bio:         "new bio",
	})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	if updated.DisplayName != "Original Name" {
		t.Errorf("DisplayName = %q, want unchanged %q", updated.DisplayName, "Original Name")
	}
	if updated.Bio != "new bio" {
		t.Errorf("Bio = %q, want %q", updated.Bio, "new bio")
	}
}

func TestUpdateProfile_AllFields(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)

	user := &model.User{SubjectID: "sub-all", Username: "allfields", Email: "all@example.com"}
	repo.insert(user)

	updated, err := svc.UpdateProfile(context.Background(), user, ProfileUpdate{
		DisplayName: "New",
		Region:      "BC",
		Language:    "en",
		PhotoURL:    "https://example.com/new.png",
		Bio:         "bio",
	})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if updated.Region != "BC" || updated.Language != "en" || updated.DisplayName != "New" {
		t.Errorf("UpdateProfile() did not apply all fields: %+v", updated)
	}
}

// =========================================================================
// LookupEmail TESTS
// =========================================================================

func TestLookupEmail(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(repo, nil)
	repo.insert(&model.User{SubjectID: "sub-l", Username: "lookedup", Email: "l@example.com"})

	email, err := svc.LookupEmail(context.Background(), "lookedup")
	if err != nil {
		t.Fatalf("LookupEmail() error = %v", err)
	}
	if email != "l@example.com" {
		t.Errorf("email = %q, want %q", email, "l@example.com")
	}

	if _, err := svc.LookupEmail(context.Background(), "nobody"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("LookupEmail(nobody) error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// GoogleLogin TESTS
// =========================================================================

func TestGoogleLogin_InvalidToken(t *testing.T) {
	svc := newTestService(newFakeUserRepo(), &fakeVerifier{})

	_, _, err := svc.GoogleLogin(context.Background(), "garbage")
	if !errors.Is(err, apperror.ErrUnauthenticated) {
		t.Errorf("GoogleLogin() error = %v, want ErrUnauthenticated", err)
	}
}

func TestGoogleLogin_NewThenExisting(t *testing.T) {
	repo := newFakeUserRepo()
	verifier := &fakeVerifier{tokens: map[string]*auth.Claims{
		"id-token": googleClaims("sub-g", "guser@example.com"),
	}}
	svc := newTestService(repo, verifier)

	_, created, err := svc.GoogleLogin(context.Background(), "id-token")
	if err != nil {
		t.Fatalf("GoogleLogin() error = %v", err)
	}
	if !created {
		t.Error("first GoogleLogin: created = false, want true")
	}

	_, created, err = svc.GoogleLogin(context.Background(), "id-token")
	if err != nil {
		t.Fatalf("second GoogleLogin() error = %v", err)
	}
	if created {
		t.Error("second GoogleLogin: created = true, want false")
	}
}
