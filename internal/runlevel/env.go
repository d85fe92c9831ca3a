package runlevel

// Environment composes a Controller's CurrentRunlevel with a teardown
// reporter (internal/reload.Engine) into the single statemachine.Environment
// the Machine needs, without either package importing the other.
type Environment struct {
	*Controller
	Teardown interface{ InTeardown() bool }
}

// InTeardown satisfies statemachine.Environment by delegating to Teardown.
func (e Environment) InTeardown() bool { return e.Teardown.InTeardown() }
