package domain

import "errors"

var (
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
	ErrPermissionDenied       = errors.New("notifications permission denied")
	ErrDecode                 = errors.New("malformed base64 key")
	ErrNetwork                = errors.New("network failure")
	ErrPayloadParse           = errors.New("malformed push payload")

	ErrEmptyReply           = errors.New("reply is empty")
	ErrNotFound             = errors.New("not found")
	ErrSubscriptionConflict = errors.New("subscription exists with a different application server key")
	ErrNoIdentity           = errors.New("no owner identity, look up your vehicle first")
)
