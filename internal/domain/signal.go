package domain

// SDPPayload is the JSON structure for SDP offer/answer messages exchanged
// with the gateway.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for trickled ICE candidates.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// PluginResult is the result portion of a streaming plugin event.
type PluginResult struct {
	Status string `json:"status,omitempty"`
}

// PluginMessage is the plugin-level payload of an inbound gateway event.
// Result.Status == "stopped" means the remote side ended the watch session;
// a non-empty Error means the camera mountpoint could not be served.
type PluginMessage struct {
	Result *PluginResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Stopped reports whether the message carries a terminal "stopped" status.
func (m PluginMessage) Stopped() bool {
	return m.Result != nil && m.Result.Status == "stopped"
}
