// Package validate checks inbound payloads and turns failures into InvalidPayload errors
// with readable, json-named field messages.
package validate

import (
	stderrors "errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/victornm/examlive/internal/errors"
)

var (
	v     *govalidator.Validate
	trans ut.Translator
)

func init() {
	v = govalidator.New(govalidator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)
}

// Struct validates s and returns nil or a CodeInvalidPayload error.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var ve govalidator.ValidationErrors
	if !stderrors.As(err, &ve) {
		return errors.New(errors.CodeInvalidPayload, errors.WithMessagef("invalid payload"), errors.WithCause(err))
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fe.Translate(trans))
	}
	sort.Strings(msgs)

	return errors.New(errors.CodeInvalidPayload,
		errors.WithMessagef("invalid payload: %s", strings.Join(msgs, "; ")),
		errors.WithCause(err),
	)
}
