/*
Package client is the Go client of the perpetual task service.

Client wraps a gRPC connection to the manager API. Operators use the
administrative calls (CreateTask, PauseTask, GenerateToken and so on) with
the admin token; workers use it as their worker.ManagerClient with a worker
token issued for their account.

	cl, err := client.NewClient("manager:7950", client.Options{Token: token})
	if err != nil {
		return err
	}
	defer cl.Close()

	w, err := worker.NewWorker(&worker.Config{
		WorkerID: "worker-1",
		Client:   cl,
		Registry: reg,
	})

NotFound statuses are turned back into sentinels so callers can use
errors.Is: types.ErrTaskNotFound for task calls and
worker.ErrNotRegistered for WorkerHeartbeat. Calls without a deadline are
bounded by Options.Timeout (DefaultTimeout when unset). Setting
Options.CAFile switches the connection to TLS.
*/
package client
