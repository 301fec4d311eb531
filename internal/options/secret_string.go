package options

// SecretString holds a credential that must not show up in logs or
// formatted output.
type SecretString struct {
	s *string
}

func NewSecretString(s string) SecretString {
	return SecretString{s: &s}
}

func (s SecretString) GoString() string {
	return `"` + s.String() + `"`
}

func (s SecretString) String() string {
	if s.s == nil || len(*s.s) == 0 {
		return ``
	}
	return `**redacted**`
}

// Unwrap returns the secret value.
func (s *SecretString) Unwrap() string {
	if s.s == nil {
		return ""
	}
	return *s.s
}
