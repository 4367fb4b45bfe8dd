package core

// EnvBindingFunc creates a JS binding to be set on the worker's env object.
// It receives the JSRuntime for the current execution. The returned value
// is a basic Go type (string, int, float64, bool, nil) that is set on the
// env object via SetGlobal. For complex objects, use rt.Eval() to construct
// them in JS-land and return nil.
type EnvBindingFunc func(rt JSRuntime) (any, error)

// Env holds the bindings passed to the worker as the second handler argument.
// Only plain vars/secrets are part of the core spec; CustomBindings lets a
// host wire additional globals (e.g. a logging token) without the engine
// needing to know their shape.
type Env struct {
	Vars    map[string]string
	Secrets map[string]string

	CustomBindings map[string]EnvBindingFunc
}
