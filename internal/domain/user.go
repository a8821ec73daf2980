// Package domain contains core domain types for fieldchat.
package domain

import "time"

// User is a registered field worker reachable over a messaging channel.
type User struct {
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	DisplayName string    `json:"display_name"`
	Language    string    `json:"language"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
