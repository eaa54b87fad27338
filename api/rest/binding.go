package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type validationResponse struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
}

var registerOnce sync.Once

// registerJSONFieldNames makes validator report fields by their JSON name,
// so binding errors use the same keys the client sent.
func registerJSONFieldNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

// bind decodes the JSON body into req. On failure it writes the error
// response and returns false.
func (h *Handler) bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}

	var validationErrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &validationErrs):
		fields := make(map[string]string, len(validationErrs))
		for _, fieldErr := range validationErrs {
			fields[fieldErr.Field()] = fieldMessage(fieldErr)
		}
		c.JSON(http.StatusUnprocessableEntity, validationResponse{
			Message: fieldMessage(validationErrs[0]),
			Errors:  fields,
		})
	case errors.As(err, &typeErr):
		msg := fmt.Sprintf("The %s field must be of type %s.", typeErr.Field, typeErr.Type.Kind())
		c.JSON(http.StatusUnprocessableEntity, validationResponse{
			Message: msg,
			Errors:  map[string]string{typeErr.Field: msg},
		})
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Message: "invalid request body"})
	}
	return false
}

func fieldMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", fieldErr.Field())
	case "oneof":
		return fmt.Sprintf("The selected %s is invalid.", fieldErr.Field())
	default:
		return fmt.Sprintf("The %s field is invalid.", fieldErr.Field())
	}
}
