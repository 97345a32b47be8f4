package models

// SyncProgress is what presentation layers render while a collection pull is
// running: records applied so far against the server-declared total.
type SyncProgress struct {
	Count int `json:"count"`
	Total int `json:"total"`
}
