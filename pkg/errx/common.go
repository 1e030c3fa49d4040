package errx

// Convenience constructors for one-off errors outside any registry.

func Internal(message string) *Error {
	return New(message, TypeInternal)
}

func Validation(message string) *Error {
	return New(message, TypeValidation)
}

func NotFound(message string) *Error {
	return New(message, TypeNotFound)
}

func Unauthorized(message string) *Error {
	return New(message, TypeAuthorization)
}

func Forbidden(message string) *Error {
	return New(message, TypeForbidden)
}

func Conflict(message string) *Error {
	return New(message, TypeConflict)
}

func External(message string) *Error {
	return New(message, TypeExternal)
}
