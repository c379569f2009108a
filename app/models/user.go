package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

type User struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Name             string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email            string         `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Password         string         `gorm:"type:text" json:"-" validate:"required,min=6"`
	Role             string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status           string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	APIKeyHash       string         `gorm:"type:char(64);default:'';index" json:"-"`
	APIKeyPrefix     string         `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	APIKeyCreatedAt  *time.Time     `json:"api_key_created_at"`
	APIKeyLastUsedAt *time.Time     `json:"api_key_last_used_at"`
	APIKeyRevokedAt  *time.Time     `json:"-"`
	LastLoginAt      *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "lun_"

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(username string, email string, password string) (*User, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Name:     username,
		Email:    email,
		Password: pw,
		Role:     ROLE_USER,
		Status:   STATUS_INACTIVE,
	}

	err = u.Validate()
	if err != nil {
		return nil, err
	}

	return u, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// CheckPassword verifies if the provided password matches the user's stored password
func (u *User) CheckPassword(password string) bool {
	return CheckPasswordHash(password, u.Password)
}

// SetPassword hashes and sets a new password for the user
func (u *User) SetPassword(password string) error {
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.Password = hashedPassword
	return nil
}

// HasActiveAPIKey reports whether the user has an active API key configured
func (u *User) HasActiveAPIKey() bool {
	return u != nil && u.APIKeyHash != "" && u.APIKeyRevokedAt == nil
}

// IssueAPIKey generates a new API key, persists metadata on the struct, and returns the raw secret.
// Callers must persist the struct via the database after invoking this method.
func (u *User) IssueAPIKey() (string, error) {
	rawKey, prefix, hash, err := generateAPIKeyMaterial()
	if err != nil {
		return "", err
	}
	now := time.Now()
	u.APIKeyHash = hash
	u.APIKeyPrefix = prefix
	u.APIKeyCreatedAt = &now
	u.APIKeyRevokedAt = nil
	u.APIKeyLastUsedAt = nil
	return rawKey, nil
}

// TouchAPIKeyUsage updates the last-used timestamp metadata.
func (u *User) TouchAPIKeyUsage() {
	now := time.Now()
	u.APIKeyLastUsedAt = &now
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func generateAPIKeyMaterial() (string, string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	encoded := apiKeyEncoding.EncodeToString(b)
	encoded = strings.ToLower(encoded)
	rawKey := apiKeyPrefix + encoded
	if len(rawKey) < 12 {
		return "", "", "", fmt.Errorf("api key generation failed: key too short")
	}
	prefix := rawKey[:min(len(rawKey), 16)]
	hash := HashAPIKey(rawKey)
	return rawKey, prefix, hash, nil
}
