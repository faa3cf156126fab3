package domain

// DefaultWelcome is the fixed fallback greeting when neither the tenant nor
// the operator configured one.
const DefaultWelcome = "You are verified. Send a message and the owner will get back to you."

// ResolveWelcome applies the greeting precedence: tenant custom text, else the
// operator-set global text, else the system default.
func ResolveWelcome(t Tenant, global string) string {
	if t.Welcome != "" {
		return t.Welcome
	}
	if global != "" {
		return global
	}
	return DefaultWelcome
}
