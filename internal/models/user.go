package models

import "time"

const (
	RoleTester    = "tester"
	RoleDeveloper = "developer"
	RoleAdmin     = "admin"
)

// User is an account that can own projects and report bugs.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	FullName       string    `json:"full_name"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}
