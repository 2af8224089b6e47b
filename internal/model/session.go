package model

import "time"

// Session is the record that a user is logged into this running instance.
type Session struct {
	ID        string
	UserID    string
	Name      string
	IsAdmin   bool
	StartedAt time.Time
}
