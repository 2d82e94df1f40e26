// Package binder decodes request bodies into typed structs and validates
// them with struct tags.
package binder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodySize = 1 << 20

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrInvalidJSON          = errors.New("invalid JSON")
	ErrBodyTooLarge         = errors.New("request body too large")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// JSON decodes a strict JSON body into v and validates it.
// An empty body is accepted for requests without required fields.
func JSON() func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if r.ContentLength != 0 {
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mt, _, err := mime.ParseMediaType(ct)
				if err != nil || mt != "application/json" {
					return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, ct)
				}
			}
		}

		body := io.LimitReader(r.Body, maxBodySize+1)
		raw, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if len(raw) > maxBodySize {
			return ErrBodyTooLarge
		}

		if len(strings.TrimSpace(string(raw))) > 0 {
			dec := json.NewDecoder(strings.NewReader(string(raw)))
			dec.DisallowUnknownFields()
			if err := dec.Decode(v); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
			}
			if dec.More() {
				return fmt.Errorf("%w: unexpected data after JSON object", ErrInvalidJSON)
			}
		}

		return Validate(v)
	}
}

// Validate runs struct tag validation. Non-struct values pass through.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(rv.Interface())
}
