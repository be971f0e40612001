package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	platformauth "github.com/guardianlink/project/internal/platform/auth"
)

type fakeRepo struct {
	users map[string]User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: map[string]User{}}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	for _, u := range f.users {
		if u.Name == user.Name {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}
func (f *fakeRepo) FindUserByName(ctx context.Context, name string) (User, error) {
	for _, u := range f.users {
		if u.Name == name {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}
func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
func (f *fakeRepo) FindDependentByCode(ctx context.Context, code string) (User, error) {
	for _, u := range f.users {
		if u.Role == RoleDependent && u.Code == code {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}
func (f *fakeRepo) SetGuardian(ctx context.Context, dependentID, guardianID string) error {
	u, ok := f.users[dependentID]
	if !ok || u.GuardianID != "" {
		return ErrAlreadyLinked
	}
	u.GuardianID = guardianID
	f.users[dependentID] = u
	return nil
}
func (f *fakeRepo) ListDependents(ctx context.Context, guardianID string) ([]User, error) {
	out := []User{}
	for _, u := range f.users {
		if u.GuardianID == guardianID {
			out = append(out, u)
		}
	}
	return out, nil
}

func newServiceForTests() (*Service, *fakeRepo) {
	repo := newFakeRepo()
	mgr := platformauth.NewManager("secret", time.Hour)
	svc := NewService(repo, mgr)
	next := 0
	svc.NewID = func() string {
		next++
		return fmt.Sprintf("nuid%04dtrailing", next)
	}
	return svc, repo
}

func TestRegister_DependentGetsCode(t *testing.T) {
	svc, _ := newServiceForTests()

	resp, err := svc.Register(context.Background(), "dasha", "password123", "dependent")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if resp.User.Role != RoleDependent {
		t.Fatalf("unexpected role: %+v", resp.User)
	}
	if len(resp.User.Code) != 8 || resp.User.Code != strings.ToUpper(resp.User.Code) {
		t.Fatalf("expected 8-char upper code, got %q", resp.User.Code)
	}
	if resp.Token == "" {
		t.Fatal("expected a token")
	}
}

func TestRegister_GuardianHasNoCode(t *testing.T) {
	svc, _ := newServiceForTests()

	resp, err := svc.Register(context.Background(), "galina", "password123", "guardian")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if resp.User.Code != "" {
		t.Fatalf("guardian should have no code, got %q", resp.User.Code)
	}
}

func TestRegister_NameTaken(t *testing.T) {
	svc, _ := newServiceForTests()

	if _, err := svc.Register(context.Background(), "galina", "password123", "guardian"); err != nil {
		t.Fatalf("first Register error: %v", err)
	}
	_, err := svc.Register(context.Background(), "galina", "password456", "dependent")
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestRegister_InvalidRole(t *testing.T) {
	svc, _ := newServiceForTests()
	_, err := svc.Register(context.Background(), "x", "password123", "admin")
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestLogin_RoundTrip(t *testing.T) {
	svc, _ := newServiceForTests()

	reg, err := svc.Register(context.Background(), "galina", "password123", "guardian")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	resp, err := svc.Login(context.Background(), "galina", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if resp.User.ID != reg.User.ID {
		t.Fatalf("login returned a different user: %+v", resp.User)
	}

	if _, err := svc.Login(context.Background(), "galina", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLinkDependent_Flow(t *testing.T) {
	svc, repo := newServiceForTests()
	ctx := context.Background()

	guardian, err := svc.Register(ctx, "galina", "password123", "guardian")
	if err != nil {
		t.Fatalf("register guardian: %v", err)
	}
	dependent, err := svc.Register(ctx, "dasha", "password123", "dependent")
	if err != nil {
		t.Fatalf("register dependent: %v", err)
	}

	linked, err := svc.LinkDependent(ctx, guardian.User.ID, dependent.User.Code)
	if err != nil {
		t.Fatalf("LinkDependent error: %v", err)
	}
	if linked.ID != dependent.User.ID {
		t.Fatalf("linked the wrong user: %+v", linked)
	}
	if got := repo.users[dependent.User.ID].GuardianID; got != guardian.User.ID {
		t.Fatalf("guardian link not persisted, got %q", got)
	}

	ok, err := svc.IsLinked(ctx, guardian.User.ID, dependent.User.ID)
	if err != nil || !ok {
		t.Fatalf("IsLinked = %v, %v; want true", ok, err)
	}
}

func TestLinkDependent_Exclusivity(t *testing.T) {
	svc, _ := newServiceForTests()
	ctx := context.Background()

	g1, _ := svc.Register(ctx, "galina", "password123", "guardian")
	g2, _ := svc.Register(ctx, "gleb", "password123", "guardian")
	dep, _ := svc.Register(ctx, "dasha", "password123", "dependent")

	if _, err := svc.LinkDependent(ctx, g1.User.ID, dep.User.Code); err != nil {
		t.Fatalf("first link failed: %v", err)
	}

	// A second guardian may not claim a linked dependent.
	if _, err := svc.LinkDependent(ctx, g2.User.ID, dep.User.Code); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked for g2, got %v", err)
	}

	// Re-linking the same pair is rejected too: the link is set once.
	if _, err := svc.LinkDependent(ctx, g1.User.ID, dep.User.Code); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked for repeat link, got %v", err)
	}
}

func TestLinkDependent_UnknownCode(t *testing.T) {
	svc, _ := newServiceForTests()
	ctx := context.Background()

	g, _ := svc.Register(ctx, "galina", "password123", "guardian")
	if _, err := svc.LinkDependent(ctx, g.User.ID, "NOPE1234"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestDependentCode_GuardianForbidden(t *testing.T) {
	svc, _ := newServiceForTests()
	ctx := context.Background()

	g, _ := svc.Register(ctx, "galina", "password123", "guardian")
	if _, err := svc.DependentCode(ctx, g.User.ID); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
}
