package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrMessageNotFound = errors.New("message not found")

	// ErrAuthenticationFailed is the only error the authentication gate
	// reports for bad credentials, whether or not the user exists.
	ErrAuthenticationFailed = errors.New("authentication failed")

	ErrStoreUnavailable = errors.New("mailbox store unavailable")
	ErrTLSNegotiation   = errors.New("tls negotiation failed")

	ErrDBUniqueViolation = errors.New("unique violation")
	ErrS3UploadFailed    = errors.New("s3 upload failed")
)
