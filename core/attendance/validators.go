package attendance

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mahudhurio/core"
)

var (
	attStatusTag  = "attstatus"
	attStatusText = "invalid attendance status"
)

// InitValidators registers this package's custom validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(attStatusTag, attStatusValidation)
	core.RegisterCustomTranslation(validate, translator, attStatusTag, attStatusText)
}

// attStatusValidation checks that the provided value is a supported Status.
func attStatusValidation(fl validator.FieldLevel) bool {
	if status, ok := fl.Field().Interface().(Status); ok {
		return status.Valid()
	}
	return Status(fl.Field().String()).Valid()
}
