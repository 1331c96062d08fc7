package model

// RemoteUser is a snapshot of an account already present on the forum.
type RemoteUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// MissingUser is an mbox author that has to be created on the forum.
// Password is shown to the operator once and never stored.
type MissingUser struct {
	Email       string
	DisplayName string
	Username    string
	Password    string
}
