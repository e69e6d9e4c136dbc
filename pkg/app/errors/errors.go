// Package errors contains helper functions and types to work with errors
package errors

import (
	"errors"
	"net/http"
)

// Category defines error category
type Category int

const (
	// CategoryNoError is the zero value, meaning no error occurred.
	CategoryNoError Category = iota
	// CategoryUserInput The client sent invalid data in the request,
	// for example a malformed address or an amount below the minimum.
	CategoryUserInput
	// CategoryUnauthorized The client is not authorized to access the requested resource
	CategoryUnauthorized
	// CategoryForbidden The client is not authenticated to access the requested resource
	CategoryForbidden
	// CategoryNotFound The client is attempting to access a resource that does not exist
	CategoryNotFound
	// CategoryConflict The client sent data that conflicts with existing data
	CategoryConflict
	// CategoryRateLimited The client exceeded an admission limit and should back off
	CategoryRateLimited
	// CategoryTransient A dependency failed in a way that is expected to heal;
	// the operation can be retried later unchanged.
	CategoryTransient
	// CategoryDisagreement Independent providers returned conflicting answers
	// for the same query; no answer can be trusted.
	CategoryDisagreement
	// CategoryMalformed Upstream returned data that cannot be decoded
	CategoryMalformed
	// CategoryInvariant An internal invariant was violated; the process state
	// can no longer be trusted.
	CategoryInvariant
	// CategoryGeneralError The service failed in an unexpected way
	CategoryGeneralError
)

func (c Category) String() string {
	switch c {
	case CategoryUserInput:
		return "CategoryUserInput"
	case CategoryUnauthorized:
		return "CategoryUnauthorized"
	case CategoryForbidden:
		return "CategoryForbidden"
	case CategoryNotFound:
		return "CategoryNotFound"
	case CategoryConflict:
		return "CategoryConflict"
	case CategoryRateLimited:
		return "CategoryRateLimited"
	case CategoryTransient:
		return "CategoryTransient"
	case CategoryDisagreement:
		return "CategoryDisagreement"
	case CategoryMalformed:
		return "CategoryMalformed"
	case CategoryInvariant:
		return "CategoryInvariant"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError represents service specific type that
// is used all over the services.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err ServiceError) Unwrap() error {
	return err.Err
}

// Is implements the custom condition to check an error is equal to a service error
func (err ServiceError) Is(target error) bool {
	return err.Message == target.Error()
}

// Is checks that provided error is a ServiceError with desired Category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Category == cat {
		return true
	}
	return false
}

// CategoryOf extracts the category from an error chain,
// CategoryGeneralError when none is attached.
func CategoryOf(err error) Category {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Category
	}
	return CategoryGeneralError
}

// IsInternalError checks that provided error is an internal system error
// rather than a client-caused one.
func IsInternalError(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && (svcErr.Category < CategoryTransient) {
		return false
	}
	return true
}

// GeneralError returns a general service error
// this error message sent to the user is "Internal Server Error"
// the error passed is logged in the logger
func GeneralError(err error) error {
	if err == nil {
		err = errors.New("internal server error")
	}
	return &ServiceError{
		Category: CategoryGeneralError,
		Message:  "Internal Server Error",
		Err:      err,
	}
}

// NotFoundError returns an error with category NotFound
// the error message provided is returned to the user
// the err object provided is logged in logger
func NotFoundError(err error, message string) error {
	if err == nil {
		err = errors.New("resource not found:" + message)
	}
	return &ServiceError{
		Category: CategoryNotFound,
		Message:  message,
		Err:      err,
	}
}

// UserInputError returns an error with category UserInput
// the error message provided is returned to the user
// the error object provided is logged in logger
func UserInputError(err error, message string) error {
	if err == nil {
		err = errors.New("bad request:" + message)
	}
	return &ServiceError{
		Category: CategoryUserInput,
		Message:  message,
		Err:      err,
	}
}

// ForbiddenError returns an error with category CategoryForbidden
// the error message provided is returned to the user
// the error object provided is logged in logger
func ForbiddenError(err error, message string) error {
	if err == nil {
		err = errors.New("request forbidden")
	}
	return &ServiceError{
		Category: CategoryForbidden,
		Message:  message,
		Err:      err,
	}
}

// UnAuthorizedError returns an error with category CategoryUnauthorized
// the error message provided is returned to the user
// the error object provided is logged in logger
func UnAuthorizedError(err error, message string) error {
	if err == nil {
		err = errors.New("unauthorized")
	}
	return &ServiceError{
		Category: CategoryUnauthorized,
		Message:  message,
		Err:      err,
	}
}

// ConflictError returns an error with category CategoryConflict
// the error message provided is returned to the user
// the error object provided is logged in logger
func ConflictError(err error, message string) error {
	if err == nil {
		err = errors.New("conflict")
	}
	return &ServiceError{
		Category: CategoryConflict,
		Message:  message,
		Err:      err,
	}
}

// RateLimitedError returns an error with category CategoryRateLimited
// the error message provided is returned to the user
// the error object provided is logged in logger
func RateLimitedError(err error, message string) error {
	if err == nil {
		err = errors.New("rate limited:" + message)
	}
	return &ServiceError{
		Category: CategoryRateLimited,
		Message:  message,
		Err:      err,
	}
}

// TransientError returns an error with category CategoryTransient
// the error message provided is returned to the user
// the error object provided is logged in logger
func TransientError(err error, message string) error {
	if err == nil {
		err = errors.New("temporarily unavailable:" + message)
	}
	return &ServiceError{
		Category: CategoryTransient,
		Message:  message,
		Err:      err,
	}
}

// DisagreementError returns an error with category CategoryDisagreement
// the error message provided is returned to the user
// the error object provided is logged in logger
func DisagreementError(err error, message string) error {
	if err == nil {
		err = errors.New("providers disagree:" + message)
	}
	return &ServiceError{
		Category: CategoryDisagreement,
		Message:  message,
		Err:      err,
	}
}

// MalformedError returns an error with category CategoryMalformed
// the error message provided is returned to the user
// the error object provided is logged in logger
func MalformedError(err error, message string) error {
	if err == nil {
		err = errors.New("malformed upstream data:" + message)
	}
	return &ServiceError{
		Category: CategoryMalformed,
		Message:  message,
		Err:      err,
	}
}

// InvariantError returns an error with category CategoryInvariant.
// Callers are expected to stop processing after observing one.
func InvariantError(err error, message string) error {
	if err == nil {
		err = errors.New("invariant violated:" + message)
	}
	return &ServiceError{
		Category: CategoryInvariant,
		Message:  message,
		Err:      err,
	}
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryUserInput:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryTransient:
		return http.StatusServiceUnavailable
	case CategoryDisagreement, CategoryMalformed:
		return http.StatusBadGateway
	case CategoryInvariant, CategoryGeneralError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
