package validation

import (
	"fmt"
	"strings"
	"unicode"

	"edunexus/internal/constants"
	"edunexus/internal/errors"
	"edunexus/internal/models"
)

// ValidateEmail validates email address format and length
func ValidateEmail(email string) error {
	if email == "" {
		return errors.NewValidationError("email", "email cannot be empty")
	}

	if len(email) > constants.MaxEmailLength {
		return errors.NewValidationError("email",
			fmt.Sprintf("email too long (max %d characters)", constants.MaxEmailLength))
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return errors.NewValidationError("email", "email must contain a local part and a domain")
	}
	if !strings.Contains(email[at+1:], ".") {
		return errors.NewValidationError("email", "email domain is not valid")
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return errors.NewValidationError("email", "email must not contain whitespace")
	}

	return nil
}

// ValidateOrgType validates the organization type of a code request
func ValidateOrgType(orgType string) error {
	switch orgType {
	case models.OrgTypeSchool, models.OrgTypeInstitute:
		return nil
	default:
		return errors.NewValidationError("orgType",
			fmt.Sprintf("org type must be %q or %q", models.OrgTypeSchool, models.OrgTypeInstitute))
	}
}

// ValidateToken validates a request token reference from untrusted input
func ValidateToken(token string) error {
	if len(token) < constants.MinTokenLength {
		return errors.NewValidationError("token",
			fmt.Sprintf("token must be at least %d characters", constants.MinTokenLength))
	}
	if len(token) > constants.MaxTokenLength {
		return errors.NewValidationError("token",
			fmt.Sprintf("token too long (max %d characters)", constants.MaxTokenLength))
	}

	for _, char := range token {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' {
			return errors.NewValidationError("token",
				"token must contain only letters, numbers, underscores, and dashes")
		}
	}

	return nil
}

// ValidateReason validates a rejection reason. Empty is allowed.
func ValidateReason(reason string) error {
	if len(reason) > constants.MaxReasonLength {
		return errors.NewValidationError("reason",
			fmt.Sprintf("reason too long (max %d characters)", constants.MaxReasonLength))
	}
	return nil
}

// ValidatePassword enforces the minimum password length for signups
func ValidatePassword(password string) error {
	if len(password) < constants.MinPasswordLength {
		return errors.NewValidationError("password",
			fmt.Sprintf("password must be at least %d characters", constants.MinPasswordLength))
	}
	return nil
}

// ValidateName validates an optional display name
func ValidateName(name string) error {
	if len(name) > constants.MaxNameLength {
		return errors.NewValidationError("name",
			fmt.Sprintf("name too long (max %d characters)", constants.MaxNameLength))
	}
	for _, char := range name {
		if char == '\x00' || char == '\n' || char == '\r' {
			return errors.NewValidationError("name", "name contains invalid characters")
		}
	}
	return nil
}
