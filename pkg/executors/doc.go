/*
Package executors contains the built-in perpetual task types.

Each type is a ParamBuilder/Executor pair registered under a type string:

	demo        echoes its client context back; useful for wiring tests
	http-probe  polls an HTTP endpoint and reports the status code
	tcp-probe   checks that a TCP address accepts connections

Client context keys for http-probe are url, method, status_min,
status_max and header.<Name>. tcp-probe takes address.

Executors honour the context passed to RunOnce. The worker derives it
from the task's timeout, so a hung endpoint is abandoned at the deadline
rather than holding the run open.

	reg := registry.New()
	if err := executors.RegisterDefaults(reg); err != nil {
		return err
	}
*/
package executors
