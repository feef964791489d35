package models

import "github.com/google/uuid"

// User is the identity record the matchmaker reads when building rosters.
type User struct {
	ID                   uuid.UUID `json:"id"`
	DisplayName          string    `json:"displayName"`
	FriendCount          int       `json:"friendCount"`
	MultiplayerGameCount int       `json:"multiplayerGameCount"`
	Rating               int       `json:"rating"`
	AvatarRef            string    `json:"avatarRef,omitempty"`
}
