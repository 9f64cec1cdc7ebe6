/*
Package client is a Go client for the membersync HTTP API. The CLI uses it for
every command that talks to a running server.

	c, err := client.NewClient("localhost:8080")
	if err != nil {
		return err
	}
	detail, err := c.GetTask(ctx, taskID)
	if client.IsNotFound(err) {
		...
	}

Non-2xx responses come back as *Error carrying the API's error code.
*/
package client
