package federation

// RegisterPeerRequest is the body of POST /peers.
type RegisterPeerRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// RegisterRoomRequest is the body of POST /rooms.
type RegisterRoomRequest struct {
	RoomID           string   `json:"roomId"`
	Name             string   `json:"name"`
	OriginEndpoint   string   `json:"originEndpoint"`
	AllowedPlatforms []string `json:"allowedPlatforms,omitempty"`
}

// RelayMessageRequest is the body of POST /relay-message.
type RelayMessageRequest struct {
	RoomID              string  `json:"roomId"`
	Message             Message `json:"message"`
	OriginatingPlatform string  `json:"originatingPlatform"`
}

// RelayMessageResponse is returned by POST /relay-message.
type RelayMessageResponse struct {
	RoomID  string        `json:"roomId"`
	Results []RelayResult `json:"results"`
}

// InboundRelayRequest is the body of POST /relay delivered to one platform.
type InboundRelayRequest struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

// InboundRelayResponse acknowledges an inbound relay.
type InboundRelayResponse struct {
	Delivered bool   `json:"delivered"`
	Skipped   string `json:"skipped,omitempty"`
}

// ErrorBody is the error envelope of every HTTP endpoint.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
