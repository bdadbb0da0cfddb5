package auth

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minPasswordLen = 6
	maxFieldLen    = 255
)

var (
	emailPattern      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	fiscalCodePattern = regexp.MustCompile(`^[A-Z0-9]{11,16}$`)
)

// RegisterInput is the untrusted registration payload.
type RegisterInput struct {
	Name                 string `json:"name"`
	Surname              string `json:"surname"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	FiscalCode           string `json:"fiscal_code,omitempty"`
}

func (in *RegisterInput) validate() error {
	v := newValidationError()
	requireText(v, "name", in.Name)
	requireText(v, "surname", in.Surname)
	switch {
	case strings.TrimSpace(in.Email) == "":
		v.add("email", "is required")
	case !emailPattern.MatchString(strings.TrimSpace(in.Email)):
		v.add("email", "is not a valid email address")
	case len(in.Email) > maxFieldLen:
		v.add("email", "is too long")
	}
	validatePassword(v, in.Password, in.PasswordConfirmation)
	if in.FiscalCode != "" {
		if !fiscalCodePattern.MatchString(normalizeFiscalCode(in.FiscalCode)) {
			v.add("fiscal_code", "is not a valid fiscal code")
		}
	}
	return v.orNil()
}

// LoginInput is the untrusted login payload.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in *LoginInput) validate() error {
	v := newValidationError()
	if strings.TrimSpace(in.Email) == "" {
		v.add("email", "is required")
	}
	if in.Password == "" {
		v.add("password", "is required")
	}
	return v.orNil()
}

// ChangePasswordInput carries the authenticated password change payload.
type ChangePasswordInput struct {
	CurrentPassword      string `json:"current_password"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

func (in *ChangePasswordInput) validate() error {
	v := newValidationError()
	if in.CurrentPassword == "" {
		v.add("current_password", "is required")
	}
	validatePassword(v, in.Password, in.PasswordConfirmation)
	return v.orNil()
}

// ProfileInput is the untrusted profile update payload. All fields are
// optional; empty strings clear the corresponding column.
type ProfileInput struct {
	BirthDate     string `json:"birth_date,omitempty"`
	BirthCity     string `json:"birth_city,omitempty"`
	BirthProvince string `json:"birth_province,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Street        string `json:"street,omitempty"`
	City          string `json:"city,omitempty"`
	Province      string `json:"province,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
	FiscalCode    string `json:"fiscal_code,omitempty"`
}

func (in *ProfileInput) validate() (birthDate *time.Time, err error) {
	v := newValidationError()
	if in.BirthDate != "" {
		t, perr := time.Parse("2006-01-02", in.BirthDate)
		if perr != nil {
			v.add("birth_date", "must be formatted as YYYY-MM-DD")
		} else {
			birthDate = &t
		}
	}
	for field, value := range map[string]string{
		"birth_city":     in.BirthCity,
		"birth_province": in.BirthProvince,
		"street":         in.Street,
		"city":           in.City,
		"province":       in.Province,
		"postal_code":    in.PostalCode,
		"country":        in.Country,
	} {
		if utf8.RuneCountInString(value) > maxFieldLen {
			v.add(field, "is too long")
		}
	}
	if in.Gender != "" {
		switch strings.ToUpper(strings.TrimSpace(in.Gender)) {
		case "M", "F", "X":
		default:
			v.add("gender", "must be one of M, F, X")
		}
	}
	if in.FiscalCode != "" && !fiscalCodePattern.MatchString(normalizeFiscalCode(in.FiscalCode)) {
		v.add("fiscal_code", "is not a valid fiscal code")
	}
	return birthDate, v.orNil()
}

func requireText(v *ValidationError, field, value string) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		v.add(field, "is required")
		return
	}
	if utf8.RuneCountInString(trimmed) > maxFieldLen {
		v.add(field, "is too long")
	}
}

func validatePassword(v *ValidationError, password, confirmation string) {
	if password == "" {
		v.add("password", "is required")
		return
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		v.add("password", "must be at least 6 characters")
	}
	if password != confirmation {
		v.add("password_confirmation", "does not match")
	}
}

func normalizeFiscalCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
