package server

// Request payloads. Responses reuse the domain types directly; they already
// carry the API shape.

type TurnRequest struct {
	Text      string   `json:"text"`
	MissionID string   `json:"mission_id,omitempty"`
	ThreadIDs []string `json:"thread_ids,omitempty"`
}

type ApproveCardRequest struct {
	// Execute runs the plan immediately after approval.
	Execute bool `json:"execute,omitempty"`
}

type RejectCardRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetMissionStatusRequest struct {
	Status string `json:"status" enum:"active,waiting_on_other,needs_user,done,archived"`
}
