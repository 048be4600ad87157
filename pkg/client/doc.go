/*
Package client is a Go client for the studio HTTP API, used by the CLI
subcommands and usable by any other Go program.

A client is built from a base URL and an optional bearer token:

	c := client.New("http://127.0.0.1:8080", os.Getenv("STUDIO_TOKEN"))

	result, err := c.CreateProject(ctx, "My App", "vite-react")
	if err != nil {
		log.Fatal(err)
	}

	err = c.FollowTask(ctx, result.Task.ID, func(e *client.TaskEvent) error {
		fmt.Printf("%s %s\n", e.Type, e.Message)
		return nil
	})

Mutating lifecycle calls (StartDev, StopDev, Hibernate, Restore) are
asynchronous on the server: they answer with a queued task snapshot,
and progress flows over the task's event stream. FollowTask attaches
to that stream; on a finished task it replays the buffered events and
returns, so following after the fact works too.

Non-2xx responses decode into *APIError carrying the server's status,
message, and error class code. IsNotFound unwraps the common 404 case.
*/
package client
