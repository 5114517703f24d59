package config

import (
	"reflect"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Validator is implemented by configuration structs that check their own
// values. [Loader.Load] calls it on the top-level struct after the required
// tags pass; a struct composing others calls their Validate itself.
//
// Validate may also fill in defaults for zero-valued fields:
//
//	func (c *Config) Validate() error {
//	    if c.Timeout == 0 {
//	        c.Timeout = DefaultTimeout
//	    }
//	    if c.Timeout < 0 {
//	        return fmt.Errorf("forward: timeout must not be negative")
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isSSErr := sserr.AsError(err); isSSErr {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: invalid configuration")
	}
	return nil
}

// validateRequired walks nested structs and reports the first field tagged
// `required:"true"` that is still zero, by its dotted path
// ("Refresh.ClientID").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
