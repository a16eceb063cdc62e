package repository

import (
	"errors"

	"github.com/mrrifat/multibot/internal/fault"
)

// ErrNotFound reports a missing row. It is the same sentinel the rest
// of the platform classifies on.
var ErrNotFound = fault.ErrNotFound

// ErrDuplicate reports a uniqueness violation, e.g. registering a bot
// name that already exists.
var ErrDuplicate = errors.New("already exists")
