package logging

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"auth_token":    true,
	"authorization": true,
	"cookie":        true,
	"credential":    true,
}

type Fields map[string]interface{}

func WithField(key string, value interface{}) Fields {
	return Fields{key: value}
}

func (f Fields) Add(key string, value interface{}) Fields {
	f[key] = value
	return f
}

func (f Fields) Merge(other Fields) Fields {
	for k, v := range other {
		f[k] = v
	}
	return f
}

// Sanitize replaces values under sensitive keys so share passwords and auth
// tokens never reach log output.
func (f Fields) Sanitize() Fields {
	result := make(Fields, len(f))
	for k, v := range f {
		if sensitiveKeys[k] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = v
		}
	}
	return result
}
