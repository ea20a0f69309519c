package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateStorage, StorageConfig{})
	validate.RegisterStructValidation(validateTransport, TransportConfig{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var details ValidationErrors
			for _, fe := range validationErrors {
				details = append(details, ConfigError{
					Field:   fe.Namespace(),
					Message: formatValidationError(fe),
					Value:   fe.Value(),
				})
			}
			return details
		}
		return err
	}
	return nil
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_for_driver":
		return fmt.Sprintf("this field is required when %s is selected", fe.Param())
	case "known_driver":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "development", "staging", "production":
		return true
	}
	return false
}

// validateStorage checks the connection settings of the selected backend.
func validateStorage(sl validator.StructLevel) {
	s := sl.Current().Interface().(StorageConfig)
	switch s.Driver {
	case "sql":
		if s.SQL.DSN == "" {
			sl.ReportError(s.SQL.DSN, "SQL.DSN", "DSN", "required_for_driver", "sql")
		}
	case "mongodb":
		if s.MongoDB.ConnectionString == "" {
			sl.ReportError(s.MongoDB.ConnectionString, "MongoDB.ConnectionString", "ConnectionString", "required_for_driver", "mongodb")
		}
		if s.MongoDB.Database == "" {
			sl.ReportError(s.MongoDB.Database, "MongoDB.Database", "Database", "required_for_driver", "mongodb")
		}
	case "cassandra":
		if len(s.Cassandra.ContactPoints) == 0 {
			sl.ReportError(s.Cassandra.ContactPoints, "Cassandra.ContactPoints", "ContactPoints", "required_for_driver", "cassandra")
		}
		if s.Cassandra.Keyspace == "" {
			sl.ReportError(s.Cassandra.Keyspace, "Cassandra.Keyspace", "Keyspace", "required_for_driver", "cassandra")
		}
	case "redis":
		if s.Redis.Addr == "" {
			sl.ReportError(s.Redis.Addr, "Redis.Addr", "Addr", "required_for_driver", "redis")
		}
	}
}

// KnownDrivers lists the transport driver names the registry can build.
var KnownDrivers = []string{"http", "mqtt", "grpc", "cloudevents", "redis", "nats", "kafka", "amqp", "memory"}

func isKnownDriver(name string) bool {
	for _, d := range KnownDrivers {
		if d == name {
			return true
		}
	}
	return false
}

// validateTransport rejects unknown default and underlying driver names early.
func validateTransport(sl validator.StructLevel) {
	t := sl.Current().Interface().(TransportConfig)
	known := strings.Join(KnownDrivers, " ")
	if t.Default != "" && !isKnownDriver(t.Default) {
		sl.ReportError(t.Default, "Default", "Default", "known_driver", known)
	}
	underlying := t.Drivers.CloudEvents.UnderlyingDriver
	if underlying != "" && !isKnownDriver(underlying) {
		sl.ReportError(underlying, "Drivers.CloudEvents.UnderlyingDriver", "UnderlyingDriver", "known_driver", known)
	}
}
