package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidDuration   = errors.New("invalid duration")
)

var (
	validate = validator.New()
	trans    ut.Translator
)

func init() {
	uni := ut.New(en.New())
	trans, _ = uni.GetTranslator("en")

	// Report fields by their config-file key instead of the Go name
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if label := fld.Tag.Get("label"); label != "" {
			return label
		}
		return fld.Name
	})

	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(err)
	}
}

// translate flattens validator errors into one readable error.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		messages := make([]string, 0, len(verrs))
		for _, e := range verrs {
			messages = append(messages, e.Translate(trans))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}
