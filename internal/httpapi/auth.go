package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"mitrapos/backend/internal/domain"
)

// EmployeeStore is the slice of the repository the auth manager needs.
// Employee records live in the public partition, so none of these calls
// require a tenant on the context.
type EmployeeStore interface {
	CreateEmployee(ctx context.Context, employee domain.Employee) error
	GetEmployeeByUsername(ctx context.Context, username string) (*domain.Employee, error)
	ListEmployees(ctx context.Context) ([]domain.Employee, error)
	UpdateEmployeePassword(ctx context.Context, username string, passwordHash string) error
}

type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	employees  EmployeeStore
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, employees EmployeeStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN == "" {
		managerPIN = "disabled"
	}
	if hashed, err := hashPassword(managerPIN); err == nil {
		managerPIN = hashed
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		employees:  employees,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.TrimSpace(req.Username)
	employee, err := a.employees.GetEmployeeByUsername(ctx, username)
	if err != nil {
		// Same response as a bad password so usernames cannot be probed.
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(employee.PasswordHash), []byte(req.Password)) != nil {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !employee.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(employee.Username, employee.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        employee.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
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
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username string, role string, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "mitrapos",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateManagerPIN guards refund approval.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func (a *AuthManager) CreateEmployee(ctx context.Context, req domain.EmployeeCreateRequest) (domain.Employee, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return domain.Employee{}, errors.New("username is required")
	}
	if len(req.Password) < 8 {
		return domain.Employee{}, errors.New("password must be at least 8 characters")
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = "cashier"
	}
	if role != "cashier" && role != "admin" {
		return domain.Employee{}, fmt.Errorf("unknown role %q", role)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.Employee{}, err
	}
	employee := domain.Employee{
		Username:     username,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.employees.CreateEmployee(ctx, employee); err != nil {
		return domain.Employee{}, err
	}
	return employee, nil
}

func (a *AuthManager) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	return a.employees.ListEmployees(ctx)
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
