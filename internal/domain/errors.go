package domain

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidRole     = errors.New("invalid role")

	ErrToken                = errors.New("token request failed")
	ErrConnect              = errors.New("media connection failed")
	ErrMediaAccess          = errors.New("camera or microphone unavailable")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrJoin                 = errors.New("conversation join failed")
	ErrSend                 = errors.New("message send failed")
	ErrNotJoined            = errors.New("conversation not joined")
	ErrSessionClosed        = errors.New("session closed")
)

// Describe turns an error into the single message shown to the user.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToken):
		return "Could not get access to the consultation. Please try again."
	case errors.Is(err, ErrMediaAccess):
		return "Camera or microphone is unavailable. Check device permissions and retry."
	case errors.Is(err, ErrConnect):
		return "Could not connect to the video call. Please retry."
	case errors.Is(err, ErrConversationNotFound):
		return "The chat for this consultation could not be found."
	case errors.Is(err, ErrJoin):
		return "Could not join the consultation chat."
	case errors.Is(err, ErrSend):
		return "Message was not sent. Please resend it."
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidRole):
		return "Consultation details are incomplete."
	default:
		return "Something went wrong with the consultation session."
	}
}
