package commsutil

import "strings"

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "everest"

// Manager request operations.
const (
	OpManifest    = "manifest"
	OpInterface   = "interface"
	OpErrorList   = "errors"
	OpConnections = "connections"
	OpConfig      = "config"
)

// ManagerSubject is "<prefix>.manager.<op>".
func ManagerSubject(prefix, op string) string {
	return join(prefix, "manager", op)
}

// ModuleReadySubject is where a module announces it finished registration.
func ModuleReadySubject(prefix, module string) string {
	return join(prefix, "modules", Token(module), "ready")
}

// ModuleReadyWildcard matches the ready announcement of every module.
func ModuleReadyWildcard(prefix string) string {
	return join(prefix, "modules", "*", "ready")
}

// GlobalReadySubject carries the broadcast sent once every module is ready.
func GlobalReadySubject(prefix string) string {
	return join(prefix, "ready")
}

// CommandSubject addresses one command of one implementation.
func CommandSubject(prefix, module, impl, cmd string) string {
	return join(prefix, "modules", Token(module), "impl", Token(impl), "cmd", Token(cmd))
}

// CommandWildcard matches every command of one implementation.
func CommandWildcard(prefix, module, impl string) string {
	return join(prefix, "modules", Token(module), "impl", Token(impl), "cmd", "*")
}

// ErrorSubject carries raise/clear events of one implementation.
func ErrorSubject(prefix, module, impl string) string {
	return join(prefix, "modules", Token(module), "impl", Token(impl), "error")
}

// GlobalErrorSubject mirrors every error event for modules that observe
// all errors.
func GlobalErrorSubject(prefix string) string {
	return join(prefix, "errors")
}

// Token makes s safe for use as a single subject token.
func Token(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func join(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + strings.Join(parts, ".")
}
