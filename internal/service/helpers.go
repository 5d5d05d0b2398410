package service

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

func isValidationErr(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}
