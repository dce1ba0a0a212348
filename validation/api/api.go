// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"

	assocapi "github.com/element-hq/identity/associations/api"
)

// Medium is the kind of third party identifier being validated.
type Medium string

const (
	MediumEmail  Medium = "email"
	MediumMSISDN Medium = "msisdn"
)

// Session is a validation session for one (medium, address, client secret).
type Session struct {
	ID                int64
	Medium            Medium
	Address           string
	ClientSecret      string
	Token             string
	SendAttemptNumber int
	Mtime             spec.Timestamp
	Validated         bool
	ValidatedAt       spec.Timestamp
	// The next_link given when the session was created, if any.
	NextLink string
	// The Matrix user ID a client asked to bind before the session was
	// validated.
	PendingMXID string
}

// SID renders the session ID the way it is sent to clients.
func (s *Session) SID() string {
	return strconv.FormatInt(s.ID, 10)
}

// ParseSID parses a session ID as sent by a client.
func ParseSID(sid string) (int64, error) {
	return strconv.ParseInt(sid, 10, 64)
}

// Errors returned by the session store.
var (
	ErrSessionNotFound = errors.New("no session could be found with this sid")
	ErrSecretMismatch  = errors.New("client secret does not match")
	ErrSessionExpired  = errors.New("validation session has expired")
	ErrTokenMismatch   = errors.New("token does not match")
)

// ErrorKind names a way in which a validation operation failed.
type ErrorKind int

const (
	KindOK ErrorKind = iota
	KindInvalidParam
	KindDestinationRejected
	KindAddressInvalid
	KindSendFailed
	KindSessionNotFound
	KindSecretMismatch
	KindSessionExpired
	KindTokenMismatch
	KindNextLinkMismatch
	KindSessionNotValidated
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindInvalidParam:
		return "invalid param"
	case KindDestinationRejected:
		return "destination rejected"
	case KindAddressInvalid:
		return "address invalid"
	case KindSendFailed:
		return "send failed"
	case KindSessionNotFound:
		return "session not found"
	case KindSecretMismatch:
		return "secret mismatch"
	case KindSessionExpired:
		return "session expired"
	case KindTokenMismatch:
		return "token mismatch"
	case KindNextLinkMismatch:
		return "next link mismatch"
	case KindSessionNotValidated:
		return "session not validated"
	case KindInternal:
		return "internal error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a failed validation operation. Err holds the underlying cause,
// which may be nil.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a validation error. Errors which did not come
// from a validator are KindInternal, and nil is KindOK.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ValidateResult is the outcome of submitting a token. Kind is KindOK when
// the session is validated.
type ValidateResult struct {
	Kind    ErrorKind
	Session *Session
	// Set when validation completed a pending bind.
	Association *assocapi.LocalAssociation
}

// Success reports whether the token was accepted.
func (r ValidateResult) Success() bool {
	return r.Kind == KindOK
}

// MatrixError returns the error sent to clients for a failed token
// submission.
func (r ValidateResult) MatrixError() spec.MatrixError {
	switch r.Kind {
	case KindSessionNotFound:
		return spec.MatrixError{ErrCode: "M_NO_VALID_SESSION", Err: "No session could be found with this sid"}
	case KindSecretMismatch:
		return spec.MatrixError{ErrCode: spec.ErrorInvalidParam, Err: "Client secret does not match the one given when requesting the token"}
	case KindSessionExpired:
		return spec.MatrixError{ErrCode: "M_SESSION_EXPIRED", Err: "This validation session has expired: call requestToken again"}
	case KindTokenMismatch:
		return spec.MatrixError{ErrCode: spec.ErrorInvalidParam, Err: "The token doesn't match"}
	case KindNextLinkMismatch:
		return spec.MatrixError{ErrCode: spec.ErrorUnknown, Err: "The provided 'next_link' is invalid for this session. Try requesting a new token"}
	case KindSessionNotValidated:
		return spec.MatrixError{ErrCode: "M_SESSION_NOT_VALIDATED", Err: "This validation session has not yet been completed"}
	}
	return spec.MatrixError{ErrCode: spec.ErrorUnknown, Err: "Internal server error"}
}
