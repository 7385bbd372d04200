package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/multichat-dev/multichat/internal/db"
	"github.com/multichat-dev/multichat/internal/models"
)

// TokenCookie is the cookie the browser client stores its session token in.
const TokenCookie = "auth-token"

const (
	tokenTTL   = 7 * 24 * time.Hour
	bcryptCost = 12
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailTaken         = errors.New("email already exists")
	ErrRegistrationClosed = errors.New("registration is currently closed")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims is the JWT payload: registered claims plus the owning user.
type Claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
}

// Service issues and verifies session tokens and manages user credentials.
// maxUsers caps registrations; zero means unlimited.
type Service struct {
	db       *db.Database
	secret   []byte
	maxUsers int
}

func NewService(database *db.Database, secret []byte, maxUsers int) *Service {
	return &Service{db: database, secret: secret, maxUsers: maxUsers}
}

// Register creates a user with a bcrypt-hashed password and returns a fresh
// session token alongside it.
func (s *Service) Register(username, email, password string) (*models.User, string, error) {
	if s.maxUsers > 0 {
		count, err := s.db.CountUsers()
		if err != nil {
			return nil, "", errors.Wrap(err, "counting users")
		}
		if count >= s.maxUsers {
			return nil, "", ErrRegistrationClosed
		}
	}

	if _, err := s.db.GetUserByUsername(username); err == nil {
		return nil, "", ErrUsernameTaken
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, "", err
	}

	if _, err := s.db.GetUserByEmail(email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, "", errors.Wrap(err, "hashing password")
	}

	user, err := s.db.CreateUser(username, email, string(hash))
	if err != nil {
		return nil, "", errors.Wrap(err, "creating user")
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies a username/password pair. Unknown usernames and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(username, password string) (*models.User, string, error) {
	user, err := s.db.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) issueToken(user *models.User) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		UserID:   user.ID,
		Username: user.Username,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return token, nil
}

// VerifyToken resolves a session token to its claims, or ErrInvalidToken
// for anything expired, tampered with, or signed with a different method.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
