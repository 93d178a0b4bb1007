package models

import "time"

// DefaultProfilePicture is used when a user signs up without one.
const DefaultProfilePicture = "/public/default_pic.svg"

// User is a directory record. The password hash never leaves the server.
type User struct {
	ID             string    `json:"_id" gorm:"primaryKey;size:36"`
	FullName       string    `json:"fullName"`
	Username       string    `json:"username" gorm:"uniqueIndex;size:64;not null"`
	Email          string    `json:"email" gorm:"uniqueIndex;size:255;not null"`
	Password       string    `json:"-" gorm:"not null"`
	Gender         string    `json:"gender,omitempty"`
	ProfilePicture string    `json:"profilePicture"`
	IsAdmin        bool      `json:"isAdmin"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PublicUser is the directory view other users get to see.
type PublicUser struct {
	ID             string `json:"_id"`
	FullName       string `json:"fullName"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	ProfilePicture string `json:"profilePicture"`
}

// Public drops the admin flag, gender and timestamps.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:             u.ID,
		FullName:       u.FullName,
		Username:       u.Username,
		Email:          u.Email,
		ProfilePicture: u.ProfilePicture,
	}
}

// Meta returns the display metadata echoed in call events.
func (u *User) Meta() PeerMeta {
	return PeerMeta{
		Name:           u.Username,
		ProfilePicture: u.ProfilePicture,
		Email:          u.Email,
	}
}

// SignupRequest is the request body for creating an account
type SignupRequest struct {
	FullName       string `json:"fullName" binding:"required"`
	Username       string `json:"username" binding:"required,min=3,max=64"`
	Password       string `json:"password" binding:"required,min=6"`
	Email          string `json:"email" binding:"required,email"`
	Gender         string `json:"gender"`
	ProfilePicture string `json:"profilePicture"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Message string `json:"message"`
	User    *User  `json:"user"`
	Token   string `json:"token"`
}
