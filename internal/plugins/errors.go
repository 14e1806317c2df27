package plugins

import (
	"fmt"

	"github.com/streamspace/pluginhost/internal/pherrors"
)

func newIllegalTransitionError(pluginName string, from, to State) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.ManifestInvalid, pluginName,
		fmt.Sprintf("illegal state transition %s -> %s", from, to))
}

func newDependencyCycleError(cycle []string) *pherrors.HostError {
	return pherrors.New(pherrors.DependencyCycle, fmt.Sprintf("dependency cycle detected: %v", cycle))
}

func newDependencyMissingError(pluginName, missing string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.DependencyMissing, pluginName,
		fmt.Sprintf("missing dependency: %s", missing))
}

func newDependencyTimeoutError(pluginName string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.DependencyTimeout, pluginName, "timed out waiting for dependencies")
}

func newDependencyFailedError(pluginName, dependency string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.DependencyFailed, pluginName,
		fmt.Sprintf("dependency %s failed to load", dependency))
}

func newGuardUnresolvableError(pluginName, guardName string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.GuardUnresolvable, pluginName,
		fmt.Sprintf("guard %s could not be resolved", guardName))
}

func newGuardCircularError(pluginName string, cycle []string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.GuardCircular, pluginName,
		fmt.Sprintf("circular guard dependency: %v", cycle))
}

func newCircuitOpenError(pluginName string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.CircuitOpen, pluginName, "circuit breaker is open").
		WithSuggestion("wait for the reset timeout or call resetPlugin")
}

func newLifecycleHookFailureError(pluginName, hook string, cause error) *pherrors.HostError {
	he := pherrors.Wrap(pherrors.LifecycleHookFailure,
		fmt.Sprintf("%s hook failed for %s", hook, pluginName), cause)
	he.PluginName = pluginName
	return he
}

func newLifecycleHookTimeoutError(pluginName, hook string) *pherrors.HostError {
	return pherrors.ForPlugin(pherrors.LifecycleHookTimeout, pluginName,
		fmt.Sprintf("%s hook timed out", hook))
}
