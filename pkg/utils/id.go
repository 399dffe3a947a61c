package utils

import "github.com/google/uuid"

// GenID returns a new globally unique message id.
func GenID() string { return uuid.New().String() }

// GenSessionID returns a new session id.
func GenSessionID() string { return uuid.New().String() }
