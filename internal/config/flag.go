package config

// A StrValue is a flag.Value remembering whether the flag was set on the
// command line, so file values are only overridden explicitly.
type StrValue struct {
	s     *string
	isSet bool
}

// NewStrValue returns a flag value writing through to s.
func NewStrValue(s *string) *StrValue { return &StrValue{s: s} }

func (v *StrValue) String() string {
	if v.s != nil {
		return *v.s
	}
	return ""
}

// Set implements the flag.Value interface.
func (v *StrValue) Set(s string) error {
	*v.s = s
	v.isSet = true
	return nil
}

// Merge resolves the flag > file > default precedence on a config field.
func (v *StrValue) Merge(field *string) {
	if v.isSet || *field == "" {
		*field = *v.s
	}
}
