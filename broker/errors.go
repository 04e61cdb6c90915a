// Copyright 2023-2024 The avlbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"errors"
	"fmt"
	"strings"
)

// GenericError is an error structure containing common fields to be
// embedded by specific error types defined below
type GenericError struct {
	Message string
	Err     error
}

func (ge GenericError) Error() string {
	return ge.Message
}

func (ge GenericError) Unwrap() error {
	return ge.Err
}

// ValidationError the subscribe request was malformed
type ValidationError struct {
	GenericError
	// Errors one message per invalid field
	Errors []string
}

// NewValidationError define a ValidationError from the collected field errors
func NewValidationError(errs []string) error {
	return ValidationError{
		GenericError: GenericError{Message: strings.Join(errs, "; ")},
		Errors:       errs,
	}
}

// IsValidationError whether the error is a ValidationError
func IsValidationError(target error) bool {
	var e ValidationError
	return errors.As(target, &e)
}

// AsValidationError extract the ValidationError from the chain
func AsValidationError(target error) (ValidationError, bool) {
	var e ValidationError
	ok := errors.As(target, &e)
	return e, ok
}

// UnauthorizedError the API key is not accepted
type UnauthorizedError struct {
	GenericError
}

func NewUnauthorizedError(err error, format string, args ...interface{}) error {
	return UnauthorizedError{
		GenericError: GenericError{fmt.Sprintf(format, args...), err},
	}
}

func IsUnauthorizedError(target error) bool {
	var e UnauthorizedError
	return errors.As(target, &e)
}

// NotFoundError a referenced entity is missing
type NotFoundError struct {
	GenericError
}

func NewNotFoundError(err error, format string, args ...interface{}) error {
	return NotFoundError{
		GenericError: GenericError{fmt.Sprintf(format, args...), err},
	}
}

func IsNotFoundError(target error) bool {
	var e NotFoundError
	return errors.As(target, &e)
}

// ConflictError the subscription is already live
type ConflictError struct {
	GenericError
}

func NewConflictError(err error, format string, args ...interface{}) error {
	return ConflictError{
		GenericError: GenericError{fmt.Sprintf(format, args...), err},
	}
}

func IsConflictError(target error) bool {
	var e ConflictError
	return errors.As(target, &e)
}

// DeactivatingConflictError the queue name was deleted too recently to be reused
type DeactivatingConflictError struct {
	GenericError
}

func NewDeactivatingConflictError(err error, format string, args ...interface{}) error {
	return DeactivatingConflictError{
		GenericError: GenericError{fmt.Sprintf(format, args...), err},
	}
}

func IsDeactivatingConflictError(target error) bool {
	var e DeactivatingConflictError
	return errors.As(target, &e)
}

// ThrottledConflictError the delivery infrastructure provider is rate limiting
type ThrottledConflictError struct {
	GenericError
}

func NewThrottledConflictError(err error, format string, args ...interface{}) error {
	return ThrottledConflictError{
		GenericError: GenericError{fmt.Sprintf(format, args...), err},
	}
}

func IsThrottledConflictError(target error) bool {
	var e ThrottledConflictError
	return errors.As(target, &e)
}
