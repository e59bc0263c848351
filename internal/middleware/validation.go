package middleware

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/service/appointment"
	"github.com/jwalitptl/palliative-api/pkg/errors"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var errorMessages = map[string]string{
	"required":   "is required",
	"max":        "is too long",
	"min":        "is too short",
	"uuid":       "must be a UUID",
	"visittype":  "must be home or hospital",
	"aptstatus":  "must be pending, done or cancelled",
	"isodate":    "must be a date in YYYY-MM-DD form",
	"hhmm":       "must be a time in HH:MM form",
	"aptref":     "must be an appointment id or code",
	"notblank":   "must not be blank",
	"oneof":      "has an unsupported value",
}

var registerOnce sync.Once

// RegisterValidations installs the custom binding tags on gin's validator and
// makes errors report json field names. Safe to call more than once.
func RegisterValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}

		custom := map[string]validator.Func{
			"visittype": func(fl validator.FieldLevel) bool {
				return model.VisitType(fl.Field().String()).Valid()
			},
			"aptstatus": func(fl validator.FieldLevel) bool {
				return model.AppointmentStatus(fl.Field().String()).Valid()
			},
			"isodate": func(fl validator.FieldLevel) bool {
				_, err := model.ParseDate(fl.Field().String())
				return err == nil
			},
			"hhmm": func(fl validator.FieldLevel) bool {
				_, err := model.ParseClockTime(fl.Field().String())
				return err == nil
			},
			"aptref": func(fl validator.FieldLevel) bool {
				_, err := appointment.ParseRef(fl.Field().String())
				return err == nil
			},
			"notblank": func(fl validator.FieldLevel) bool {
				return strings.TrimSpace(fl.Field().String()) != ""
			},
		}
		for tag, fn := range custom {
			if err := v.RegisterValidation(tag, fn); err != nil {
				panic(err)
			}
		}

		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"json", "form", "uri"} {
				name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
				if name == "-" {
					return fld.Name
				}
				if name != "" {
					return name
				}
			}
			return fld.Name
		})
	})
}

// BindingError turns a gin binding failure into a validation AppError whose
// message names the offending fields.
func BindingError(err error) error {
	var verrs validator.ValidationErrors
	if stdErrors.As(err, &verrs) {
		fields := ValidationErrors(verrs)
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, f.Field+" "+f.Message)
		}
		return errors.BadRequest(strings.Join(parts, "; "), err)
	}

	var typeErr *json.UnmarshalTypeError
	if stdErrors.As(err, &typeErr) {
		return errors.BadRequest(fmt.Sprintf("%s has the wrong type", typeErr.Field), err)
	}
	var syntaxErr *json.SyntaxError
	if stdErrors.As(err, &syntaxErr) {
		return errors.BadRequest("malformed JSON body", err)
	}
	return errors.BadRequest(err.Error(), err)
}

func ValidationErrors(verrs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(verrs))
	for _, e := range verrs {
		msg := errorMessages[e.Tag()]
		if msg == "" {
			msg = "failed the " + e.Tag() + " check"
		}
		out = append(out, ValidationError{Field: e.Field(), Message: msg})
	}
	return out
}
