// Package automation is the HTTP client for the remote automation service that
// configurations are published to, compiled by, and pulled from by test nodes.
//
// Resources live under one account per run:
//
//	PUT    /accounts/{name}
//	DELETE /accounts/{id}
//	PUT    /accounts/{id}/modules/{module}         GET reports provisioningState
//	PUT    /accounts/{id}/configurations/{name}
//	PUT    /accounts/{id}/compilations/{name}      GET reports status
//	GET    /accounts/{id}/nodes/{instance}         status is the compliance state
package automation
