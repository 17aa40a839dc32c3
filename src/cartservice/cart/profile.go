package cart

import (
	"strings"
	"time"
)

// Profile is the user record kept next to the cart.
type Profile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	PhotoURL    *string   `json:"photoURL"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLogin   time.Time `json:"lastLogin"`
}

// ProfileUpdates is a shallow patch over a profile.
type ProfileUpdates struct {
	DisplayName *string    `json:"displayName,omitempty"`
	PhotoURL    *string    `json:"photoURL,omitempty"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
}

// NewProfile fills the display name from the e-mail local part when it is blank.
func NewProfile(uid, email, displayName string, photoURL *string, now time.Time) Profile {
	if strings.TrimSpace(displayName) == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}
	if photoURL != nil && *photoURL == "" {
		photoURL = nil
	}
	return Profile{
		UID:         uid,
		Email:       email,
		DisplayName: displayName,
		PhotoURL:    photoURL,
		CreatedAt:   now,
		LastLogin:   now,
	}
}

func (u ProfileUpdates) IsEmpty() bool {
	return u.DisplayName == nil && u.PhotoURL == nil && u.LastLogin == nil
}

// ApplyTo merges the patch onto p.
func (u ProfileUpdates) ApplyTo(p *Profile) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.PhotoURL != nil {
		p.PhotoURL = u.PhotoURL
	}
	if u.LastLogin != nil {
		p.LastLogin = *u.LastLogin
	}
}
