package model

import "time"

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	IsAdmin      bool      `json:"is_admin"`
	Online       bool      `json:"online"`
	LastActive   time.Time `json:"last_active"`
}
