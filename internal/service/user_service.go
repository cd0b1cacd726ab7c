package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserAlreadyExists is returned when attempting to register with an existing email.
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrInvalidReferralCode is returned when a referral code matches no account.
	ErrInvalidReferralCode = errors.New("invalid referral code")
	// ErrInvalidInput wraps registration validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	minPasswordLength   = 8
	maxPasswordBytes    = 72 // bcrypt input limit
	referralCodeLength  = 10
	referralCodeRetries = 3
)

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, email, password, referralCode string) (*domain.User, error)
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// UserConfig holds the token grants applied at registration.
type UserConfig struct {
	SignupTokens  int
	ReferralBonus int
}

type userService struct {
	users repository.UserRepository
	cfg   UserConfig
}

func NewUserService(users repository.UserRepository, cfg UserConfig) UserService {
	return &userService{
		users: users,
		cfg:   cfg,
	}
}

func (s *userService) Register(ctx context.Context, email, password, referralCode string) (*domain.User, error) {
	email = normalizeEmail(email)
	referralCode = strings.ToUpper(strings.TrimSpace(referralCode))

	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	var referrer *domain.User
	if referralCode != "" {
		ref, err := s.users.GetByReferralCode(ctx, referralCode)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrInvalidReferralCode
			}
			return nil, err
		}
		referrer = ref
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Email:        email,
		PasswordHash: string(hash),
		Plan:         domain.PlanFree,
		Tokens:       s.cfg.SignupTokens,
	}
	if referrer != nil {
		user.ReferredBy = &referrer.ID
		user.Tokens += s.cfg.ReferralBonus
	}

	if err := s.create(ctx, user); err != nil {
		return nil, err
	}

	if referrer != nil && s.cfg.ReferralBonus > 0 {
		if err := s.users.AddTokens(ctx, referrer.ID, s.cfg.ReferralBonus); err != nil {
			return nil, fmt.Errorf("credit referrer: %w", err)
		}
	}

	return sanitizeUser(user), nil
}

// create inserts the user, drawing a fresh referral code on collisions.
func (s *userService) create(ctx context.Context, user *domain.User) error {
	var err error
	for attempt := 0; attempt < referralCodeRetries; attempt++ {
		user.ReferralCode = newReferralCode()
		if _, err = s.users.Create(ctx, user); err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		if _, lookupErr := s.users.GetByEmail(ctx, user.Email); lookupErr == nil {
			return ErrUserAlreadyExists
		}
	}
	return fmt.Errorf("allocate referral code: %w", err)
}

func (s *userService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return sanitizeUser(user), nil
}

func (s *userService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newReferralCode() string {
	code := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(code[:referralCodeLength])
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	clone := *user
	clone.PasswordHash = ""
	return &clone
}
