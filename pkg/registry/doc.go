// Package registry maps perpetual task types to the plug-ins that serve
// them: a ParamBuilder that runs on the control plane and an Executor that
// runs on workers. Both sides look up the same type string, so a new kind
// of pollable resource is added by registering one pair.
package registry
