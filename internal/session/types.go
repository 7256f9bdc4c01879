package session

// ListResponse is the payload of the session listing endpoint.
type ListResponse struct {
	Active   int       `json:"active"`
	Sessions []Session `json:"sessions"`
}
