package models

import "time"

// OnlineUser is one element of the broadcast online set.
type OnlineUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// PresenceEntry binds an online user to the connection that currently owns it.
type PresenceEntry struct {
	UserID       string
	DisplayName  string
	ConnectionID string
	JoinedAt     time.Time
}

func (e PresenceEntry) Online() OnlineUser {
	return OnlineUser{UserID: e.UserID, DisplayName: e.DisplayName}
}
