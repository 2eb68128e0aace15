package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"esmap/internal/config"
	"esmap/internal/domain"
	"esmap/internal/entu"
	"esmap/internal/events"
	"esmap/internal/geo"
	"esmap/internal/progress"
	"esmap/internal/repo"
	"esmap/internal/selection"
)

// Engine orchestrates Entu fetches, the local store, and the aggregation
// core. It is safe to copy; the selection store is shared by pointer.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Entu       *entu.Client
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	selections *selectionStore
}

func New(db *sql.DB, client *entu.Client, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Entu:       client,
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Now:        time.Now,
		selections: newSelectionStore(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Task property names in Entu.
const (
	propName        = "name"
	propDescription = "kirjeldus"
	propMap         = "kaart"
	propGroup       = "grupp"
	propDeadline    = "tahtaeg"
)

func normalizeTask(ent entu.Entity) domain.Task {
	t := domain.Task{ID: ent.ID}
	t.Name, _ = ent.String(propName)
	t.Description, _ = ent.String(propDescription)
	t.MapID, _ = ent.Reference(propMap)
	t.GroupID, _ = ent.Reference(propGroup)
	if deadline, ok := ent.DateTime(propDeadline); ok {
		t.Deadline = deadline.UTC().Format(time.RFC3339)
	}
	return t
}

// ListTasks returns the tasks visible to the given Entu token.
func (e Engine) ListTasks(ctx context.Context, entuToken string) ([]domain.Task, error) {
	query := url.Values{}
	query.Set("_type.string", e.Config.EntityType(config.TypeTask))
	entities, err := e.Entu.SearchEntitiesAs(ctx, entuToken, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(entities))
	for _, ent := range entities {
		tasks = append(tasks, normalizeTask(ent))
	}
	return tasks, nil
}

// GetTask fetches one task entity.
func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	ent, err := e.Entu.GetEntity(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return normalizeTask(ent), nil
}

// TaskLocations returns the coordinate-valid locations of the task's map.
// Raw entities are cached locally with a TTL so repeated views while a
// student walks the map do not hammer Entu.
func (e Engine) TaskLocations(ctx context.Context, task domain.Task) ([]geo.Location, error) {
	if task.MapID == "" {
		return nil, nil
	}
	cacheKey := "locations:" + task.MapID
	ttl := time.Duration(e.Config.Cache.TTLSeconds) * time.Second

	if payload, err := e.Repo.CacheGet(ctx, cacheKey, ttl, e.now()); err == nil {
		var entities []entu.Entity
		if err := json.Unmarshal([]byte(payload), &entities); err == nil {
			return geo.NormalizeLocations(entities), nil
		}
	}

	query := url.Values{}
	query.Set("_type.string", e.Config.EntityType(config.TypeLocation))
	query.Set("_parent.reference", task.MapID)
	entities, err := e.Entu.SearchEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch locations: %w", err)
	}
	if payload, err := json.Marshal(entities); err == nil {
		if err := e.Repo.CachePut(ctx, cacheKey, string(payload), e.now()); err != nil {
			log.Printf("engine: cache locations for %s: %v", task.MapID, err)
		}
	}
	return geo.NormalizeLocations(entities), nil
}

// UserResponses returns the user's responses for a task, newest included;
// normalization never drops a response.
func (e Engine) UserResponses(ctx context.Context, taskID, userID string) ([]geo.Response, error) {
	query := url.Values{}
	query.Set("_type.string", e.Config.EntityType(config.TypeResponse))
	query.Set("_parent.reference", taskID)
	query.Set("_owner.reference", userID)
	entities, err := e.Entu.SearchEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch responses: %w", err)
	}
	return geo.NormalizeResponses(entities), nil
}

// TaskView is the assembled per-user state of one task the API serves: the
// task, its locations, visit progress, and markers with the user's current
// selection applied.
type TaskView struct {
	Task      domain.Task       `json:"task"`
	Locations []geo.Location    `json:"locations"`
	Progress  progress.Progress `json:"progress"`
	Markers   []progress.Marker `json:"markers"`
	Selected  *geo.Location     `json:"selected,omitempty"`
}

// BuildTaskView fetches everything a task screen needs and runs the
// aggregation pipeline over immutable snapshots.
func (e Engine) BuildTaskView(ctx context.Context, taskID, userID string) (TaskView, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	locations, err := e.TaskLocations(ctx, task)
	if err != nil {
		return TaskView{}, err
	}
	responses, err := e.UserResponses(ctx, taskID, userID)
	if err != nil {
		return TaskView{}, err
	}

	sel := e.selections.get(taskID, userID)
	sel.Reset(locations)

	prog := progress.Compute(responses, locations)
	view := TaskView{
		Task:      task,
		Locations: locations,
		Progress:  prog,
		Markers:   progress.PresentMarkers(locations, prog.VisitedIDs, sel.CurrentID()),
	}
	if selected, ok := sel.Current(); ok {
		view.Selected = &selected
	}
	return view, nil
}

// TaskProgress recomputes progress for a task and user.
func (e Engine) TaskProgress(ctx context.Context, taskID, userID string) (progress.Progress, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return progress.Progress{}, err
	}
	locations, err := e.TaskLocations(ctx, task)
	if err != nil {
		return progress.Progress{}, err
	}
	responses, err := e.UserResponses(ctx, taskID, userID)
	if err != nil {
		return progress.Progress{}, err
	}
	return progress.Compute(responses, locations), nil
}

// SubmitOptions are parameters for submitting a task response.
type SubmitOptions struct {
	TaskID      string
	UserID      string
	LocationID  string
	Coordinates *geo.Coordinates
	Text        string
	EntuToken   string
}

// SubmitResult reports where the submission landed.
type SubmitResult struct {
	ID      string
	Pending bool
}

// SubmitResponse validates and stores one submission. The response entity is
// created in Entu under the task; whenever Entu is unreachable, including
// during validation, the submission goes to the local outbox and the caller
// gets an accepted-pending result. A coordinate-only submission is resolved
// to a known location by proximity so it counts toward progress. Duplicate
// submissions to the same location are allowed — the aggregator counts
// them once.
func (e Engine) SubmitResponse(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	if opts.TaskID == "" {
		return SubmitResult{}, errors.New("task is required")
	}
	if opts.UserID == "" {
		return SubmitResult{}, errors.New("user is required")
	}
	if opts.LocationID == "" && opts.Coordinates == nil && opts.Text == "" {
		return SubmitResult{}, errors.New("location, coordinates, or text is required")
	}

	task, err := e.GetTask(ctx, opts.TaskID)
	if err != nil {
		// A full outage must not lose a submission made in the field;
		// membership is re-checked when the outbox flushes.
		if entuUnavailable(err) {
			return e.queueSubmission(ctx, opts, err)
		}
		return SubmitResult{}, err
	}
	if opts.LocationID != "" || opts.Coordinates != nil {
		locations, err := e.TaskLocations(ctx, task)
		if err != nil {
			if entuUnavailable(err) {
				return e.queueSubmission(ctx, opts, err)
			}
			return SubmitResult{}, err
		}
		resolveLocation(&opts, locations)
		if opts.LocationID != "" && !containsLocation(locations, opts.LocationID) {
			return SubmitResult{}, fmt.Errorf("invalid location %s for task %s", opts.LocationID, opts.TaskID)
		}
	}

	token := opts.EntuToken
	if token == "" {
		token = e.Entu.Token
	}
	id, createErr := e.Entu.CreateEntity(ctx, token, e.responseProps(opts))
	if createErr != nil {
		return e.queueSubmission(ctx, opts, createErr)
	}

	e.appendEvent(ctx, "response.submitted", "response", id, opts.UserID, events.EventPayload{
		"task_id":     opts.TaskID,
		"location_id": opts.LocationID,
	})
	return SubmitResult{ID: id}, nil
}

// resolveLocation matches a coordinate-only submission to a known location by
// the tolerance rule. A tap in the void stays a coordinate-only response.
func resolveLocation(opts *SubmitOptions, locations []geo.Location) {
	if opts.LocationID != "" || opts.Coordinates == nil {
		return
	}
	if loc, ok := geo.FindByCoordinates(locations, *opts.Coordinates); ok {
		opts.LocationID = loc.ID
	}
}

// entuUnavailable reports whether the error means the CMS cannot answer
// right now, as opposed to rejecting the request.
func entuUnavailable(err error) bool {
	var ae *entu.APIError
	if errors.As(err, &ae) {
		return ae.StatusCode >= 500
	}
	// No HTTP status at all: transport-level failure.
	return true
}

func (e Engine) queueSubmission(ctx context.Context, opts SubmitOptions, cause error) (SubmitResult, error) {
	item := domain.OutboxItem{
		ID:         uuid.NewString(),
		TaskID:     opts.TaskID,
		UserID:     opts.UserID,
		LocationID: opts.LocationID,
		Text:       opts.Text,
	}
	if opts.Coordinates != nil {
		lat, long := opts.Coordinates.Lat, opts.Coordinates.Long
		item.Lat, item.Long = &lat, &long
	}
	if err := e.Repo.EnqueueOutbox(ctx, item); err != nil {
		return SubmitResult{}, fmt.Errorf("entu unavailable and outbox failed: %w (entu: %v)", err, cause)
	}
	log.Printf("engine: entu unavailable, queued response %s: %v", item.ID, cause)
	e.appendEvent(ctx, "response.queued", "response", item.ID, opts.UserID, events.EventPayload{"task_id": opts.TaskID})
	return SubmitResult{ID: item.ID, Pending: true}, nil
}

func (e Engine) responseProps(opts SubmitOptions) []entu.PropertyInput {
	props := []entu.PropertyInput{
		entu.Str("_type", e.Config.EntityType(config.TypeResponse)),
		entu.Ref("_parent", opts.TaskID),
	}
	if opts.LocationID != "" {
		props = append(props, entu.Ref("asukoht", opts.LocationID))
	}
	if opts.Coordinates != nil {
		props = append(props,
			entu.Num("geopunkt", opts.Coordinates.Lat),
			entu.Num("geopunkt", opts.Coordinates.Long))
	}
	if opts.Text != "" {
		props = append(props, entu.Str("vastus", opts.Text))
	}
	return props
}

// PhotoUploadTarget asks Entu for a presigned upload target for the photo
// property of a stored response. The file bytes go straight from the client
// to the target, never through this server.
func (e Engine) PhotoUploadTarget(ctx context.Context, token, responseID, filename, filetype string, size int64) (entu.UploadInfo, error) {
	if responseID == "" {
		return entu.UploadInfo{}, errors.New("response is required")
	}
	if filename == "" {
		return entu.UploadInfo{}, errors.New("filename is required")
	}
	if token == "" {
		token = e.Entu.Token
	}
	return e.Entu.UploadURL(ctx, token, responseID, "photo", filename, filetype, size)
}

func (e Engine) taskLocationsByID(ctx context.Context, taskID string) ([]geo.Location, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.TaskLocations(ctx, task)
}

// FlushOutbox delivers pending submissions to Entu. Items that keep failing
// past the configured attempt limit are parked as failed.
func (e Engine) FlushOutbox(ctx context.Context) (sent, failed int, err error) {
	items, err := e.Repo.ListOutbox(ctx, "pending")
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		opts := SubmitOptions{
			TaskID:     item.TaskID,
			UserID:     item.UserID,
			LocationID: item.LocationID,
			Text:       item.Text,
		}
		if item.Lat != nil && item.Long != nil {
			opts.Coordinates = &geo.Coordinates{Lat: *item.Lat, Long: *item.Long}
		}
		// Queued items skipped validation during the outage; re-check now.
		if opts.LocationID != "" || opts.Coordinates != nil {
			if locations, locErr := e.taskLocationsByID(ctx, opts.TaskID); locErr == nil {
				resolveLocation(&opts, locations)
				if opts.LocationID != "" && !containsLocation(locations, opts.LocationID) {
					failed++
					deliveryErr := fmt.Sprintf("invalid location %s for task %s", opts.LocationID, opts.TaskID)
					if markErr := e.Repo.MarkOutboxFailed(ctx, item.ID, deliveryErr, e.Config.Outbox.MaxAttempts); markErr != nil {
						log.Printf("engine: mark outbox %s failed: %v", item.ID, markErr)
					}
					continue
				}
			}
		}
		if _, createErr := e.Entu.CreateEntity(ctx, e.Entu.Token, e.responseProps(opts)); createErr != nil {
			failed++
			if markErr := e.Repo.MarkOutboxFailed(ctx, item.ID, createErr.Error(), e.Config.Outbox.MaxAttempts); markErr != nil {
				log.Printf("engine: mark outbox %s failed: %v", item.ID, markErr)
			}
			continue
		}
		sent++
		if markErr := e.Repo.MarkOutboxSent(ctx, item.ID); markErr != nil {
			log.Printf("engine: mark outbox %s sent: %v", item.ID, markErr)
		}
	}
	if sent > 0 {
		e.appendEvent(ctx, "outbox.flushed", "outbox", "", "system", events.EventPayload{"sent": sent, "failed": failed})
	}
	return sent, failed, nil
}

// GrantTaskAccess gives every member of the task's group expander rights on
// the task entity, so students can attach responses under it. Called from
// the Entu webhook when a task/group association changes.
func (e Engine) GrantTaskAccess(ctx context.Context, taskID string) (int, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.GroupID == "" {
		return 0, nil
	}
	query := url.Values{}
	query.Set("_type.string", e.Config.EntityType(config.TypePerson))
	query.Set("_parent.reference", task.GroupID)
	members, err := e.Entu.SearchEntities(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("fetch group members: %w", err)
	}
	granted := 0
	for _, member := range members {
		if err := e.Entu.AddRights(ctx, taskID, member.ID, "_expander"); err != nil {
			log.Printf("engine: grant rights on %s to %s: %v", taskID, member.ID, err)
			continue
		}
		granted++
	}
	if granted > 0 {
		e.appendEvent(ctx, "rights.granted", "task", taskID, "system", events.EventPayload{
			"group_id": task.GroupID,
			"granted":  granted,
		})
	}
	return granted, nil
}

// TasksOfGroup returns the ids of tasks assigned to a group. Used by the
// webhook path when a group edit may affect several tasks.
func (e Engine) TasksOfGroup(ctx context.Context, groupID string) ([]string, error) {
	query := url.Values{}
	query.Set("_type.string", e.Config.EntityType(config.TypeTask))
	query.Set(propGroup+".reference", groupID)
	entities, err := e.Entu.SearchEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch group tasks: %w", err)
	}
	ids := make([]string, 0, len(entities))
	for _, ent := range entities {
		ids = append(ids, ent.ID)
	}
	return ids, nil
}

// Select marks a location selected for the given task and user.
func (e Engine) Select(ctx context.Context, taskID, userID, locationID string) (geo.Location, bool, error) {
	sel, err := e.loadedSync(ctx, taskID, userID)
	if err != nil {
		return geo.Location{}, false, err
	}
	loc, ok := sel.Select(locationID)
	return loc, ok, nil
}

// SelectAt resolves a raw map tap by coordinate tolerance.
func (e Engine) SelectAt(ctx context.Context, taskID, userID string, point geo.Coordinates) (geo.Location, bool, error) {
	sel, err := e.loadedSync(ctx, taskID, userID)
	if err != nil {
		return geo.Location{}, false, err
	}
	loc, ok := sel.SelectAt(point)
	return loc, ok, nil
}

// Deselect clears the selection for the given task and user.
func (e Engine) Deselect(taskID, userID string) {
	e.selections.get(taskID, userID).Deselect()
}

// Selection returns the current selection for the given task and user.
func (e Engine) Selection(taskID, userID string) (geo.Location, bool) {
	return e.selections.get(taskID, userID).Current()
}

func (e Engine) loadedSync(ctx context.Context, taskID, userID string) (*selection.Synchronizer, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	locations, err := e.TaskLocations(ctx, task)
	if err != nil {
		return nil, err
	}
	sel := e.selections.get(taskID, userID)
	sel.Reset(locations)
	return sel, nil
}

func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, userID string, payload events.EventPayload) {
	e.Events.Now = e.Now
	if err := e.Events.Append(ctx, evtType, entityKind, entityID, userID, payload); err != nil {
		log.Printf("engine: append event %s: %v", evtType, err)
	}
}

func containsLocation(locations []geo.Location, id string) bool {
	for _, loc := range locations {
		if loc.ID == id {
			return true
		}
	}
	return false
}

// selectionStore keys one Synchronizer per task and user. Selection is a
// transient UI value; it lives in memory only.
type selectionStore struct {
	mu   sync.Mutex
	byID map[string]*selection.Synchronizer
}

func newSelectionStore() *selectionStore {
	return &selectionStore{byID: make(map[string]*selection.Synchronizer)}
}

func (s *selectionStore) get(taskID, userID string) *selection.Synchronizer {
	key := taskID + "|" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel, ok := s.byID[key]; ok {
		return sel
	}
	sel := selection.New(nil)
	s.byID[key] = sel
	return sel
}
