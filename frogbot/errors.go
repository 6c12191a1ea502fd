package frogbot

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrInvalidArgument is returned for malformed input, either from a
	// user or from a stored record.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCategoryExists is returned when creating a DM category for an
	// owner who already has one in the guild.
	ErrCategoryExists = errors.New("user has an existing category in this server")

	// ErrNoCategory is returned when the owner has no DM category
	ErrNoCategory = errors.New("no DM category")

	// ErrUnknownChannel is returned when a channel is not tracked by the
	// DM category it was looked up in.
	ErrUnknownChannel = errors.New("channel is not part of this DM category")

	ErrAlreadyArchived = errors.New("channel is already archived")
	ErrNotArchived     = errors.New("channel is not archived")

	// ErrSettingsMissing is returned when an operation needs guild sheet
	// settings that haven't been configured.
	ErrSettingsMissing = errors.New("sheet approval settings are not configured for this server")

	ErrNotAuthorized = errors.New("you are not allowed to do that")

	ErrNoSheet = errors.New("could not find a sheet with that approval ID")

	// Reconstruction errors, raised when a stored record refers to
	// something that no longer exists on the platform.
	ErrNoGuild    = errors.New("guild not found")
	ErrNoOwner    = errors.New("owner not found")
	ErrNoApprover = errors.New("approver not found")
	ErrNoChannel  = errors.New("channel not found")
	ErrNoMessage  = errors.New("message not found")

	// ErrPlatformNotFound and ErrPlatformForbidden classify discord REST
	// failures.
	ErrPlatformNotFound  = errors.New("not found")
	ErrPlatformForbidden = errors.New("missing permissions")
)

// platformError wraps a discord REST error with ErrPlatformNotFound or
// ErrPlatformForbidden when the status code calls for it.
func platformError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrPlatformNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrPlatformForbidden, err)
		}
	}
	return err
}

// isReconstructionError reports whether err means a stored record refers
// to something that's gone, and the record should be pruned.
func isReconstructionError(err error) bool {
	return errors.Is(err, ErrNoGuild) ||
		errors.Is(err, ErrNoOwner) ||
		errors.Is(err, ErrNoChannel) ||
		errors.Is(err, ErrNoMessage)
}

// userMessage returns the message shown to a discord user for err, and
// whether err is one the user can act on. Unexpected errors return false.
func userMessage(err error) (string, bool) {
	var msgErr *userError
	switch {
	case errors.As(err, &msgErr):
		return msgErr.msg, true
	case errors.Is(err, ErrCategoryExists):
		return "You already have a DM category in this server!", true
	case errors.Is(err, ErrNoCategory):
		return "You don't have a DM category! Create one with `/dm setup`", true
	case errors.Is(err, ErrUnknownChannel):
		return "That channel is not part of your DM category.", true
	case errors.Is(err, ErrAlreadyArchived):
		return "That channel is already archived.", true
	case errors.Is(err, ErrNotArchived):
		return "That channel is not archived.", true
	case errors.Is(err, ErrSettingsMissing):
		return "Sheet approval hasn't been set up for this server yet. " +
			"Ask an admin to run `/sheet set`.", true
	case errors.Is(err, ErrNotAuthorized):
		return "You don't have permission to do that.", true
	case errors.Is(err, ErrNoSheet):
		return "Could not find that sheet.", true
	case errors.Is(err, ErrPlatformForbidden):
		return "I don't have permission to do that. " +
			"Check my roles and the channel permissions.", true
	case errors.Is(err, ErrInvalidArgument):
		return err.Error(), true
	default:
		return "", false
	}
}

// userError carries a specific message for the user, wrapping a
// sentinel for classification.
type userError struct {
	msg string
	err error
}

func (e *userError) Error() string {
	return e.msg
}

func (e *userError) Unwrap() error {
	return e.err
}

func newUserError(sentinel error, format string, args ...any) error {
	return &userError{msg: fmt.Sprintf(format, args...), err: sentinel}
}
