package automation

// Remote provisioning states of published modules.
const (
	stateSucceeded = "Succeeded"
	stateFailed    = "Failed"
	stateCancelled = "Cancelled"
)

// Remote statuses of compilation jobs.
const (
	statusCompleted = "Completed"
	statusFailed    = "Failed"
	statusSuspended = "Suspended"
	statusStopped   = "Stopped"
)

type accountRequest struct {
	Name     string            `json:"name"`
	Location string            `json:"location,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type accountResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
}

type moduleRequest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	ContentLink string `json:"contentLink,omitempty"`
}

type moduleResponse struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ProvisioningState string `json:"provisioningState"`
	Error             string `json:"error,omitempty"`
}

type configurationRequest struct {
	Name         string   `json:"name"`
	Source       string   `json:"source"`
	Environments []string `json:"environments,omitempty"`
}

type compilationRequest struct {
	Configuration string                 `json:"configuration"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
}

type compilationResponse struct {
	Configuration string `json:"configuration"`
	Status        string `json:"status"`
	Exception     string `json:"exception,omitempty"`
}

type nodeResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}
