package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/guardianlink/project/internal/platform/auth"
	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidName        = errors.New("name is required")
	ErrInvalidPassword    = errors.New("password must be at least 8 characters")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNameTaken          = errors.New("name already taken")
	ErrForbiddenRole      = errors.New("insufficient permissions for this action")
	ErrCodeNotFound       = errors.New("unknown dependent code")
	ErrAlreadyLinked      = errors.New("dependent is already linked to a guardian")
)

type AuthResponse struct {
	Token string      `json:"token"`
	User  UserProfile `json:"user"`
}

type UserProfile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
	Code string `json:"code,omitempty"`
}

type Service struct {
	Repo      Repository
	AuthToken auth.Manager
	NewID     func() string
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:      repo,
		AuthToken: tokenManager,
		NewID:     nuid.Next,
	}
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}

func IsValidRole(role string) bool {
	switch role {
	case RoleGuardian, RoleDependent:
		return true
	default:
		return false
	}
}

func (s *Service) Register(ctx context.Context, name, password, role string) (AuthResponse, error) {
	name = normalizeName(name)
	if name == "" {
		return AuthResponse{}, ErrInvalidName
	}
	if len(strings.TrimSpace(password)) < 8 {
		return AuthResponse{}, ErrInvalidPassword
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if !IsValidRole(role) {
		return AuthResponse{}, ErrInvalidRole
	}

	if _, err := s.Repo.FindUserByName(ctx, name); err == nil {
		return AuthResponse{}, ErrNameTaken
	} else if !errors.Is(err, ErrNotFound) {
		return AuthResponse{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Name:         name,
		PasswordHash: string(hash),
		Role:         role,
	}
	if role == RoleDependent {
		u.Code = s.newDependentCode()
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueToken(u)
}

func (s *Service) Login(ctx context.Context, name, password string) (AuthResponse, error) {
	name = normalizeName(name)
	if name == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueToken(u)
}

func (s *Service) Profile(ctx context.Context, userID string) (UserProfile, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		return UserProfile{}, err
	}
	return UserProfile{ID: u.ID, Name: u.Name, Role: u.Role}, nil
}

// DependentCode returns the connect code for a dependent account.
func (s *Service) DependentCode(ctx context.Context, userID string) (string, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.Role != RoleDependent {
		return "", ErrForbiddenRole
	}
	if u.Code == "" {
		return "", ErrNotFound
	}
	return u.Code, nil
}

// LinkDependent attaches a dependent to the guardian by connect code.
// A dependent holds at most one guardian link and the link is never
// reassigned; any existing link, including to the same guardian, rejects.
func (s *Service) LinkDependent(ctx context.Context, guardianID, code string) (UserProfile, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return UserProfile{}, ErrCodeNotFound
	}

	guardian, err := s.Repo.FindUserByID(ctx, guardianID)
	if err != nil {
		return UserProfile{}, err
	}
	if guardian.Role != RoleGuardian {
		return UserProfile{}, ErrForbiddenRole
	}

	dependent, err := s.Repo.FindDependentByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserProfile{}, ErrCodeNotFound
		}
		return UserProfile{}, err
	}
	if dependent.GuardianID != "" {
		return UserProfile{}, ErrAlreadyLinked
	}

	if err := s.Repo.SetGuardian(ctx, dependent.ID, guardianID); err != nil {
		return UserProfile{}, err
	}
	return UserProfile{ID: dependent.ID, Name: dependent.Name, Role: RoleDependent}, nil
}

func (s *Service) ListDependents(ctx context.Context, guardianID string) ([]UserProfile, error) {
	deps, err := s.Repo.ListDependents(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	out := make([]UserProfile, 0, len(deps))
	for _, d := range deps {
		out = append(out, UserProfile{ID: d.ID, Name: d.Name, Role: RoleDependent})
	}
	return out, nil
}

// IsLinked reports whether dependentID is linked to guardianID.
func (s *Service) IsLinked(ctx context.Context, guardianID, dependentID string) (bool, error) {
	dependent, err := s.Repo.FindUserByID(ctx, dependentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return dependent.Role == RoleDependent && dependent.GuardianID == guardianID, nil
}

func (s *Service) issueToken(u User) (AuthResponse, error) {
	token, err := s.AuthToken.Sign(u.ID, u.Role)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{
		Token: token,
		User:  UserProfile{ID: u.ID, Name: u.Name, Role: u.Role, Code: u.Code},
	}, nil
}

// newDependentCode produces the short connect token a dependent shares with
// their guardian. nuid output is crockford-ish base62; take a short upper
// prefix so the code is easy to read out loud.
func (s *Service) newDependentCode() string {
	raw := strings.ToUpper(s.NewID())
	if len(raw) > 8 {
		raw = raw[:8]
	}
	return raw
}
