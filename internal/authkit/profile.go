package authkit

import "time"

// UserProfile is the outbound representation of a user. It has no password field.
type UserProfile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	Enabled   bool      `json:"enable"`
	Provider  Origin    `json:"provider"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewUserProfile converts a stored user into its outbound shape.
func NewUserProfile(user User) UserProfile {
	roles := make([]string, len(user.Roles))
	copy(roles, user.Roles)
	return UserProfile{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.DisplayName,
		Image:     user.AvatarURL,
		Enabled:   user.Enabled,
		Provider:  user.Origin,
		Roles:     roles,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
