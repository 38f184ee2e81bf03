package store

import "time"

type User struct {
	ID           string
	Username     string
	DisplayName  string
	Email        string
	PasswordHash string
	Color        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is the public part of a user carried on annotations and presence.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

func (u User) Profile() Profile {
	return Profile{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, Color: u.Color}
}

type Document struct {
	ID              string
	OwnerID         string
	CollaboratorIDs []string
	Title           string
	// Content is empty when the text lives in blob storage under ContentKey.
	Content       string
	ContentKey    string
	ContentLength int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Annotation struct {
	ID           string
	DocumentID   string
	UserID       string
	StartOffset  int
	EndOffset    int
	SelectedText string
	Comment      string
	Color        string
	IsResolved   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// User is filled in on reads.
	User Profile
}

// AnnotationPatch carries the mutable annotation fields. Nil means unchanged.
type AnnotationPatch struct {
	Comment    *string
	IsResolved *bool
}

func (p AnnotationPatch) Empty() bool {
	return p.Comment == nil && p.IsResolved == nil
}
