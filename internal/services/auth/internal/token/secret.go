package token

type secretProvider interface {
	Get() []byte
}

// SecretString is a static signing secret. Its String form is redacted so it can be passed to
// loggers without leaking.
type SecretString struct {
	secret []byte
}

func NewSecretString(secret string) *SecretString {
	return &SecretString{
		secret: []byte(secret),
	}
}

func (s *SecretString) Get() []byte {
	return s.secret
}

func (s *SecretString) String() string {
	return "[redacted]"
}
