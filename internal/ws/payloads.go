package ws

// client → server
type VisibilityPayload struct {
	Hidden bool `json:"hidden"`
}

// server → client
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
