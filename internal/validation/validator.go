package validation

import (
    "fmt"
    "reflect"
    "strconv"
    "strings"
)

// Validator validates structs
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
    return &Validator{}
}

// Validate validates a struct against its `validate` tags.
// Supported rules: required, min=N, max=N, oneof=a b c.
// min/max bound numeric values and string lengths.
func (v *Validator) Validate(s interface{}) error {
    val := reflect.ValueOf(s)
    if val.Kind() == reflect.Ptr {
        val = val.Elem()
    }

    if val.Kind() != reflect.Struct {
        return fmt.Errorf("validate expects a struct")
    }

    typ := val.Type()

    for i := 0; i < val.NumField(); i++ {
        field := val.Field(i)
        fieldType := typ.Field(i)
        tag := fieldType.Tag.Get("validate")

        if tag == "" || !fieldType.IsExported() {
            continue
        }

        if err := v.validateField(field, tag); err != nil {
            return fmt.Errorf("%s: %w", fieldName(fieldType), err)
        }
    }

    return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
    rules := strings.Split(tag, ",")

    for _, rule := range rules {
        parts := strings.SplitN(rule, "=", 2)
        ruleName := parts[0]
        arg := ""
        if len(parts) == 2 {
            arg = parts[1]
        }

        switch ruleName {
        case "required":
            if field.IsZero() {
                return fmt.Errorf("field is required")
            }

        case "min", "max":
            limit, err := strconv.ParseFloat(arg, 64)
            if err != nil {
                return fmt.Errorf("bad %s rule %q", ruleName, arg)
            }
            n, unit, ok := measure(field)
            if !ok {
                continue
            }
            if ruleName == "min" && n < limit {
                return fmt.Errorf("minimum %s is %s", unit, arg)
            }
            if ruleName == "max" && n > limit {
                return fmt.Errorf("maximum %s is %s", unit, arg)
            }

        case "oneof":
            if field.Kind() != reflect.String || field.String() == "" {
                continue
            }
            allowed := strings.Fields(arg)
            found := false
            for _, a := range allowed {
                if field.String() == a {
                    found = true
                    break
                }
            }
            if !found {
                return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
            }
        }
    }

    return nil
}

// measure returns the value compared by min/max
func measure(field reflect.Value) (float64, string, bool) {
    switch field.Kind() {
    case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
        return float64(field.Int()), "value", true
    case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
        return float64(field.Uint()), "value", true
    case reflect.Float32, reflect.Float64:
        return field.Float(), "value", true
    case reflect.String, reflect.Slice, reflect.Map:
        return float64(field.Len()), "length", true
    }
    return 0, "", false
}

func fieldName(f reflect.StructField) string {
    if tag := f.Tag.Get("json"); tag != "" {
        if name := strings.Split(tag, ",")[0]; name != "" && name != "-" {
            return name
        }
    }
    return f.Name
}
