package easyslip

import "fmt"

// VerificationError is returned when EasySlip rejects a verification request
type VerificationError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("easyslip: verification failed (status %d): %s", e.Status, e.Message)
}

// DecodeError is returned when a response body does not have the expected shape.
// Field is the dotted path of the offending field, e.g. "data.sender.account.name".
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("easyslip: decoding %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FileAccessError is returned when an image cannot be opened for upload.
// No request has been sent when this error is returned.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("easyslip: opening image %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error {
	return e.Err
}
