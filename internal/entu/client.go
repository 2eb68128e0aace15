package entu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Entu REST client scoped to one account.
type Client struct {
	BaseURL    string
	Account    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, account, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Account: account,
		Token:   token,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses from Entu.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("entu: status=%d body=%s", e.StatusCode, e.Body)
}

// AuthResult is the account token issued for a temporary OAuth key.
type AuthResult struct {
	Token   string `json:"token"`
	UserID  string `json:"user"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Expires string `json:"expires,omitempty"`
	Account string `json:"account,omitempty"`
}

// Authenticate exchanges a temporary key (handed back by the OAuth redirect)
// for an account-scoped bearer token. The temporary key is single-use.
func (c *Client) Authenticate(ctx context.Context, temporaryKey string) (AuthResult, error) {
	endpoint := fmt.Sprintf("%s/auth?account=%s", c.base(), url.QueryEscape(c.Account))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return AuthResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+temporaryKey)
	res, err := c.httpClient().Do(req)
	if err != nil {
		return AuthResult{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return AuthResult{}, readAPIError(res)
	}
	// The auth endpoint answers with a map of account name to token info.
	var accounts map[string]AuthResult
	if err := json.NewDecoder(res.Body).Decode(&accounts); err != nil {
		return AuthResult{}, fmt.Errorf("decode auth response: %w", err)
	}
	result, ok := accounts[c.Account]
	if !ok {
		return AuthResult{}, fmt.Errorf("no token for account %s", c.Account)
	}
	result.Account = c.Account
	return result, nil
}

// searchResponse wraps entity listings.
type searchResponse struct {
	Entities []Entity `json:"entities"`
	Count    int      `json:"count"`
}

// SearchEntities lists entities matching the query, e.g.
// {"_type.string": ["asukoht"], "_parent.reference": [mapID]}.
func (c *Client) SearchEntities(ctx context.Context, query url.Values) ([]Entity, error) {
	endpoint := c.accountPath("entity")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, endpoint, c.Token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// SearchEntitiesAs runs the search with a caller-supplied token so results
// honor that user's entity-level permissions.
func (c *Client) SearchEntitiesAs(ctx context.Context, token string, query url.Values) ([]Entity, error) {
	endpoint := c.accountPath("entity")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// GetEntity fetches one entity by id.
func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp struct {
		Entity Entity `json:"entity"`
	}
	endpoint := c.accountPath("entity/" + url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, endpoint, c.Token, nil, &resp); err != nil {
		return Entity{}, err
	}
	return resp.Entity, nil
}

// PropertyInput is one property to write when creating or amending an entity.
type PropertyInput struct {
	Type      string   `json:"type"`
	String    *string  `json:"string,omitempty"`
	Number    *float64 `json:"number,omitempty"`
	Boolean   *bool    `json:"boolean,omitempty"`
	Reference *string  `json:"reference,omitempty"`
	DateTime  *string  `json:"datetime,omitempty"`
	Filename  *string  `json:"filename,omitempty"`
	Filesize  *int64   `json:"filesize,omitempty"`
	Filetype  *string  `json:"filetype,omitempty"`
}

// Str builds a string property input.
func Str(name, value string) PropertyInput {
	return PropertyInput{Type: name, String: &value}
}

// Num builds a number property input.
func Num(name string, value float64) PropertyInput {
	return PropertyInput{Type: name, Number: &value}
}

// Ref builds a reference property input.
func Ref(name, id string) PropertyInput {
	return PropertyInput{Type: name, Reference: &id}
}

// File builds a file property input. Entu answers a file property with a
// presigned upload target instead of storing the bytes directly.
func File(name, filename, filetype string, size int64) PropertyInput {
	return PropertyInput{Type: name, Filename: &filename, Filesize: &size, Filetype: &filetype}
}

// CreateEntity creates a new entity from the given properties and returns
// its id. The "_type" and "_parent" properties position it in the tree.
func (c *Client) CreateEntity(ctx context.Context, token string, props []PropertyInput) (string, error) {
	var resp struct {
		ID string `json:"_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.accountPath("entity"), token, props, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("entu: create returned no id")
	}
	return resp.ID, nil
}

// UploadInfo is the presigned target Entu hands back for a file property.
// The caller PUTs or POSTs the file bytes there with the given headers.
type UploadInfo struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// UploadURL registers a file property on an entity and returns the upload
// target Entu issues for it.
func (c *Client) UploadURL(ctx context.Context, token, entityID, property, filename, filetype string, size int64) (UploadInfo, error) {
	var resp struct {
		Properties []struct {
			Upload UploadInfo `json:"upload"`
		} `json:"properties"`
	}
	endpoint := c.accountPath("entity/" + url.PathEscape(entityID))
	props := []PropertyInput{File(property, filename, filetype, size)}
	if err := c.do(ctx, http.MethodPost, endpoint, token, props, &resp); err != nil {
		return UploadInfo{}, err
	}
	for _, p := range resp.Properties {
		if p.Upload.URL != "" {
			return p.Upload, nil
		}
	}
	return UploadInfo{}, fmt.Errorf("entu: no upload target for %s", property)
}

// AddRights grants a person the named right (_viewer, _expander, _editor) on
// an entity by appending a reference property to it.
func (c *Client) AddRights(ctx context.Context, entityID, personID, right string) error {
	props := []PropertyInput{Ref(right, personID)}
	endpoint := c.accountPath("entity/" + url.PathEscape(entityID))
	return c.do(ctx, http.MethodPost, endpoint, c.Token, props, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func readAPIError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) accountPath(p string) string {
	return fmt.Sprintf("%s/%s/%s", c.base(), url.PathEscape(c.Account), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
