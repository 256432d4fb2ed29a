// Package domain contains entity without logic, just meta-data
package domain

// UserID identifies one client of the relay. For browser clients it is the
// relay-issued token cookie; embedders may supply their own stable ids.
type UserID string

// User pairs an id with a display name for rendering call history.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}
