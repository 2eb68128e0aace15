package server

import (
	"esmap/internal/domain"
	"esmap/internal/geo"
	"esmap/internal/progress"
)

// Request payloads

type AuthCallbackRequest struct {
	Key string `json:"key" doc:"Temporary key handed back by the Entu OAuth redirect"`
}

type SubmitResponseRequest struct {
	LocationID  string           `json:"location_id,omitempty"`
	Coordinates *geo.Coordinates `json:"coordinates,omitempty"`
	Text        string           `json:"text,omitempty"`
}

type SelectRequest struct {
	LocationID  string           `json:"location_id,omitempty"`
	Coordinates *geo.Coordinates `json:"coordinates,omitempty" doc:"Raw map tap; resolved by ~1m tolerance when location_id is absent"`
}

type WebhookEntityRequest struct {
	EntityID string `json:"entity_id"`
	Type     string `json:"type,omitempty" doc:"Entity type name as configured in the account"`
	Action   string `json:"action,omitempty" enum:"create,update,delete,"`
}

// Response payloads

type SessionResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type LocationListResponse struct {
	Items []geo.Location `json:"items"`
}

type SubmitResponseResponse struct {
	ID      string `json:"id"`
	Pending bool   `json:"pending" doc:"True when the submission was queued locally because the CMS was unreachable"`
}

type PhotoUploadRequest struct {
	Filename string `json:"filename" minLength:"1"`
	Filetype string `json:"filetype,omitempty"`
	Size     int64  `json:"size,omitempty" minimum:"0"`
}

type PhotoUploadResponse struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type SelectionResponse struct {
	Selected *geo.Location `json:"selected,omitempty"`
}

type MarkerListResponse struct {
	Items []progress.Marker `json:"items"`
}

type WebhookGrantResponse struct {
	Tasks   int `json:"tasks"`
	Granted int `json:"granted"`
}

type OutboxListResponse struct {
	Items []domain.OutboxItem `json:"items"`
}

type FlushResponse struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}
