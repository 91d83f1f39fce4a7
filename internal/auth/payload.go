package auth

import (
	"net/http"

	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/server"
)

// CoreCapability is the capability key of the core protocol limits.
const CoreCapability = "http://jmap.io/spec-core.html"

// Advertised protocol limits.
const (
	MaxSizeUpload         = 8 * 1024 * 1024
	MaxSizeRequest        = 8 * 1024 * 1024
	MaxConcurrentUpload   = 1
	MaxConcurrentRequests = 1
	MaxCallsInRequest     = 8
	MaxObjectsInGet       = 100
	MaxObjectsInSet       = 100
)

// LoginResponse asks the client for the next credential.
type LoginResponse struct {
	Methods []provider.AuthMethod `json:"methods"`
	LoginID string                `json:"loginId"`
	Prompt  string                `json:"prompt,omitempty"`
}

// SuccessResponse is the session resource sent after login and on refetch.
type SuccessResponse struct {
	AccessToken    string                    `json:"accessToken,omitempty"`
	APIURL         string                    `json:"apiUrl"`
	UploadURL      string                    `json:"uploadUrl"`
	DownloadURL    string                    `json:"downloadUrl"`
	EventSourceURL string                    `json:"eventSourceUrl"`
	Username       string                    `json:"username"`
	Accounts       map[string]map[string]any `json:"accounts"`
	Capabilities   map[string]any            `json:"capabilities"`
}

// CoreCapabilities returns the advertised core limits.
func CoreCapabilities() map[string]any {
	return map[string]any{
		"maxSizeUpload":         MaxSizeUpload,
		"maxSizeRequest":        MaxSizeRequest,
		"maxConcurrentUpload":   MaxConcurrentUpload,
		"maxConcurrentRequests": MaxConcurrentRequests,
		"maxCallsInRequest":     MaxCallsInRequest,
		"maxObjectsInGet":       MaxObjectsInGet,
		"maxObjectsInSet":       MaxObjectsInSet,
	}
}

// AccountsByID keys accounts by id. The id is not repeated in the values.
func AccountsByID(accounts []provider.Account) map[string]map[string]any {
	out := make(map[string]map[string]any, len(accounts))
	for _, a := range accounts {
		m := a.Map()
		delete(m, "id")
		out[a.ID] = m
	}
	return out
}

func (p *Processor) successPayload(r *http.Request, token, username string, accounts []provider.Account) *SuccessResponse {
	urls := p.controller.Endpoints(r)
	return &SuccessResponse{
		AccessToken:    token,
		APIURL:         urls[server.EndpointAPI],
		UploadURL:      urls[server.EndpointUpload],
		DownloadURL:    urls[server.EndpointDownload],
		EventSourceURL: urls[server.EndpointEventSource],
		Username:       username,
		Accounts:       AccountsByID(accounts),
		Capabilities:   map[string]any{CoreCapability: CoreCapabilities()},
	}
}
