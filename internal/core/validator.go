package core

import (
	"github.com/go-playground/validator/v10"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// Validator wraps go-playground/validator for request body validation in
// handlers. Kept behind a thin type so custom tags have one registration
// point.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with struct tag validation enabled.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateStruct runs tag validation on v, translating failures into a
// single validation AppError listing the offending fields.
func (v *Validator) ValidateStruct(val any) error {
	err := v.validate.Struct(val)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid request", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = "failed " + fe.Tag() + " validation"
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidBody,
		"request validation failed",
		err,
		map[string]any{"fields": fields},
	)
}
