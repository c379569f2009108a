package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/lunaria-app/lunaria/app/models"
	"github.com/lunaria-app/lunaria/app/repository"
)

// RegisterRequest is the payload for account creation.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=150"`
	Email    string `json:"email" validate:"required,email,max=200"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// LoginRequest is the payload for credential login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// HandleRegister creates a new account and issues its API key. The raw key
// is returned exactly once; only its hash is stored.
func HandleRegister(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "username, email and password are required"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	if _, err := repo.GetByEmail(req.Email); err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "Email already registered"})
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Auth] email lookup failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	user, err := models.CreateUser(req.Username, req.Email, req.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid account data"})
	}
	user.Status = models.STATUS_ACTIVE

	apiKey, err := user.IssueAPIKey()
	if err != nil {
		log.Errorf("[Auth] api key generation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	if err := repo.Create(user); err != nil {
		log.Errorf("[Auth] user creation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":       user.ID,
		"username": user.Name,
		"email":    user.Email,
		"api_key":  apiKey,
	})
}

// HandleLogin verifies credentials and rotates the account's API key.
func HandleLogin(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "email and password are required"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByEmail(req.Email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid credentials"})
		}
		log.Errorf("[Auth] login lookup failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	if !user.CheckPassword(req.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid credentials"})
	}
	if !user.IsActive() {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Account inactive"})
	}

	apiKey, err := user.IssueAPIKey()
	if err != nil {
		log.Errorf("[Auth] api key rotation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	now := time.Now()
	user.LastLoginAt = &now

	if err := repo.Update(user); err != nil {
		log.Errorf("[Auth] login update failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	return c.JSON(fiber.Map{
		"id":       user.ID,
		"username": user.Name,
		"api_key":  apiKey,
	})
}
