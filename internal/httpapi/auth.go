package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/store"
)

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    store.UserRepository
}

type apiClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
	Nom  string `json:"nom"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users store.UserRepository) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
	}
	// Startup operation, runs before any request context exists.
	manager.bootstrapUsers(context.Background())
	return manager
}

// bootstrapUsers creates the accounts named by the *_EMAIL/*_PASSWORD env
// pairs when they do not exist yet. Bootstrapped accounts must change their
// password on first login.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.users == nil {
		return
	}
	seeds := []struct {
		emailEnv    string
		passwordEnv string
		nom         string
		role        domain.Role
	}{
		{"ADMIN_EMAIL", "ADMIN_PASSWORD", "Administrateur", domain.RoleAdmin},
		{"STOCK_MANAGER_EMAIL", "STOCK_MANAGER_PASSWORD", "Gestionnaire de stock", domain.RoleStockManager},
		{"CASHIER_EMAIL", "CASHIER_PASSWORD", "Caissier", domain.RoleCashier},
	}
	for _, seed := range seeds {
		email := strings.TrimSpace(os.Getenv(seed.emailEnv))
		password := os.Getenv(seed.passwordEnv)
		if email == "" || password == "" {
			continue
		}
		if _, err := a.users.GetUserByEmail(ctx, email); err == nil {
			continue
		}
		hash, err := hashPassword(password)
		if err != nil {
			log.Printf("[httpapi] WARN: bootstrap hash failed for %s: %v", seed.emailEnv, err)
			continue
		}
		_, err = a.users.CreateUser(ctx, domain.User{
			Nom:                seed.nom,
			Email:              email,
			Role:               seed.role,
			Actif:              true,
			MustChangePassword: true,
			PasswordHash:       hash,
		})
		if err != nil {
			log.Printf("[httpapi] WARN: bootstrap user %s failed: %v", email, err)
		}
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	email := strings.TrimSpace(req.Email)
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !user.Actif {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	out := *user
	out.PasswordHash = ""
	return domain.LoginResponse{
		Token:              token,
		User:               out,
		MustChangePassword: user.MustChangePassword,
		ExpiresAt:          expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &apiClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{ID: sub, Nom: claims.Nom, Role: domain.Role(claims.Role)}, nil
}

func (a *AuthManager) sign(user *domain.User, expiresAt time.Time) (string, error) {
	claims := apiClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "computerstore",
		},
		Role: string(user.Role),
		Nom:  user.Nom,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) Me(ctx context.Context, userID string) (*domain.User, error) {
	return a.users.GetUserByID(ctx, userID)
}

func (a *AuthManager) ChangePassword(ctx context.Context, userID string, req domain.ChangePasswordRequest) error {
	user, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !verifyPassword(user.PasswordHash, req.AncienMotDePasse) {
		return errors.New("invalid credentials")
	}
	if len(req.NouveauMotDePasse) < 8 {
		return fmt.Errorf("%w: mot de passe trop court (8 caractères minimum)", store.ErrInvalidInput)
	}
	if req.NouveauMotDePasse == req.AncienMotDePasse {
		return fmt.Errorf("%w: nouveau mot de passe identique à l'ancien", store.ErrInvalidInput)
	}

	hash, err := hashPassword(req.NouveauMotDePasse)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.MustChangePassword = false
	_, err = a.users.UpdateUser(ctx, *user)
	return err
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
