package domain

// Task is the normalized view of an Entu task entity.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MapID       string `json:"map_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Deadline    string `json:"deadline,omitempty" format:"date-time"`
}

// Session is an authenticated user's server-side session. The Entu token is
// kept here so the browser only ever holds the esmap JWT.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	EntuToken string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// OutboxItem is a response submission accepted while Entu was unreachable,
// waiting to be flushed.
type OutboxItem struct {
	ID         string   `json:"id"`
	TaskID     string   `json:"task_id"`
	UserID     string   `json:"user_id"`
	LocationID string   `json:"location_id,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Long       *float64 `json:"long,omitempty"`
	Text       string   `json:"text,omitempty"`
	Status     string   `json:"status" enum:"pending,sent,failed"`
	Attempts   int      `json:"attempts"`
	LastError  string   `json:"last_error,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// Event is one append-only audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     string `json:"user_id"`
	Payload    string `json:"payload_json"`
}

// CachedEntity is one row of the local TTL cache of Entu fetches.
type CachedEntity struct {
	Key       string `json:"key"`
	Payload   string `json:"payload"`
	FetchedAt string `json:"fetched_at" format:"date-time"`
}
