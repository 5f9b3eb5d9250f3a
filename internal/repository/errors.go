// Package repository defines the user persistence contract and its
// backends. The sentinel errors below let the service layer tell a missing
// record from a duplicate one without knowing which database is in use.
package repository

import "errors"

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// ErrEmailExists is returned by Create when the email is already taken.
// Handlers translate it into an HTTP 409 response.
var ErrEmailExists = errors.New("email already exists")
