// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DirectoryUser is an account in the user-directory service.
type DirectoryUser struct {
	ID       string
	Username string
}

// IdentityLink ties a directory account to an upstream identity-provider
// subject.
type IdentityLink struct {
	ID         string
	ProviderID string
	Subject    string
	UserID     string
}

// DirectoryEmail is an email address attached to a directory account.
type DirectoryEmail struct {
	ID     string
	UserID string
	Email  string
}

// directoryError is a non-2xx response from the directory admin API.
type directoryError struct {
	Status int
	Body   string
}

func (e *directoryError) Error() string {
	return fmt.Sprintf("directory API returned %d: %s", e.Status, e.Body)
}

// isDirectoryConflict reports whether an error is a 409 or a
// "already exists" style rejection from the directory API.
func isDirectoryConflict(err error) bool {
	var dirErr *directoryError
	if !errors.As(err, &dirErr) {
		return false
	}
	return dirErr.Status == http.StatusConflict ||
		strings.Contains(strings.ToLower(dirErr.Body), "already exists")
}

func isDirectoryNotFound(err error) bool {
	var dirErr *directoryError
	return errors.As(err, &dirErr) && dirErr.Status == http.StatusNotFound
}

// DirectoryClient talks to the user-directory admin API (MAS-style REST)
// using the client-credentials admin token.
type DirectoryClient struct {
	baseURL  string
	pageSize int
	tokens   *adminTokenSource
	http     *http.Client
	log      zerolog.Logger
}

func NewDirectoryClient(cfg *Config, log zerolog.Logger) *DirectoryClient {
	return &DirectoryClient{
		baseURL:  cfg.Directory.URL,
		pageSize: cfg.Directory.PageSize,
		tokens:   newAdminTokenSource(cfg.Auth.OAuth2, log),
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("component", "directory").Logger(),
	}
}

// resource is the JSON:API-style envelope the directory wraps entities in.
type resource[A any] struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes A      `json:"attributes"`
}

type userAttributes struct {
	Username string `json:"username"`
}

type emailAttributes struct {
	Email  string `json:"email"`
	UserID string `json:"user_id"`
}

type linkAttributes struct {
	Subject    string `json:"subject"`
	ProviderID string `json:"provider_id"`
	UserID     string `json:"user_id"`
}

func (dc *DirectoryClient) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := dc.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtaining admin token: %w", err)
	}
	reqURL := dc.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := dc.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &directoryError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// ListUsersPage fetches one page of users, starting after the given cursor
// (a user ID; empty for the first page).
func (dc *DirectoryClient) ListUsersPage(ctx context.Context, after string) ([]DirectoryUser, error) {
	query := url.Values{"page[first]": {fmt.Sprintf("%d", dc.pageSize)}}
	if after != "" {
		query.Set("page[after]", after)
	}
	var parsed struct {
		Data []resource[userAttributes] `json:"data"`
	}
	if err := dc.request(ctx, http.MethodGet, "/api/admin/v1/users", query, nil, &parsed); err != nil {
		return nil, err
	}
	users := make([]DirectoryUser, len(parsed.Data))
	for i, res := range parsed.Data {
		users[i] = DirectoryUser{ID: res.ID, Username: res.Attributes.Username}
	}
	return users, nil
}

// ListAllUsers walks the paginated user listing to the end. The cursor for
// each page is the last user ID of the previous one.
func (dc *DirectoryClient) ListAllUsers(ctx context.Context) ([]DirectoryUser, error) {
	var all []DirectoryUser
	var cursor string
	for {
		page, err := dc.ListUsersPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < dc.pageSize {
			return all, nil
		}
		cursor = page[len(page)-1].ID
	}
}

// GetUserByUsername returns nil without error when the user does not exist.
func (dc *DirectoryClient) GetUserByUsername(ctx context.Context, username string) (*DirectoryUser, error) {
	var parsed struct {
		Data resource[userAttributes] `json:"data"`
	}
	err := dc.request(ctx, http.MethodGet, "/api/admin/v1/users/by-username/"+url.PathEscape(username), nil, nil, &parsed)
	if isDirectoryNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &DirectoryUser{ID: parsed.Data.ID, Username: parsed.Data.Attributes.Username}, nil
}

func (dc *DirectoryClient) CreateUser(ctx context.Context, username string) (*DirectoryUser, error) {
	var parsed struct {
		Data resource[userAttributes] `json:"data"`
	}
	body := map[string]string{"username": username}
	if err := dc.request(ctx, http.MethodPost, "/api/admin/v1/users", nil, body, &parsed); err != nil {
		return nil, err
	}
	return &DirectoryUser{ID: parsed.Data.ID, Username: parsed.Data.Attributes.Username}, nil
}

func (dc *DirectoryClient) ListUserEmails(ctx context.Context, userID string) ([]DirectoryEmail, error) {
	query := url.Values{"filter[user]": {userID}}
	var parsed struct {
		Data []resource[emailAttributes] `json:"data"`
	}
	if err := dc.request(ctx, http.MethodGet, "/api/admin/v1/user-emails", query, nil, &parsed); err != nil {
		return nil, err
	}
	emails := make([]DirectoryEmail, len(parsed.Data))
	for i, res := range parsed.Data {
		emails[i] = DirectoryEmail{ID: res.ID, UserID: res.Attributes.UserID, Email: res.Attributes.Email}
	}
	return emails, nil
}

func (dc *DirectoryClient) AddUserEmail(ctx context.Context, userID, email string) error {
	body := map[string]string{"user_id": userID, "email": email}
	return dc.request(ctx, http.MethodPost, "/api/admin/v1/user-emails", nil, body, nil)
}

// LinkFilter narrows an upstream link listing. Zero fields are omitted.
type LinkFilter struct {
	ProviderID string
	Subject    string
	UserID     string
}

func (dc *DirectoryClient) ListUpstreamLinks(ctx context.Context, filter LinkFilter) ([]IdentityLink, error) {
	query := url.Values{}
	if filter.ProviderID != "" {
		query.Set("filter[provider]", filter.ProviderID)
	}
	if filter.Subject != "" {
		query.Set("filter[subject]", filter.Subject)
	}
	if filter.UserID != "" {
		query.Set("filter[user]", filter.UserID)
	}
	var parsed struct {
		Data []resource[linkAttributes] `json:"data"`
	}
	if err := dc.request(ctx, http.MethodGet, "/api/admin/v1/upstream-oauth-links", query, nil, &parsed); err != nil {
		return nil, err
	}
	links := make([]IdentityLink, len(parsed.Data))
	for i, res := range parsed.Data {
		links[i] = IdentityLink{
			ID:         res.ID,
			ProviderID: res.Attributes.ProviderID,
			Subject:    res.Attributes.Subject,
			UserID:     res.Attributes.UserID,
		}
	}
	return links, nil
}

func (dc *DirectoryClient) AddUpstreamLink(ctx context.Context, providerID, subject, userID string) error {
	body := map[string]string{
		"provider_id": providerID,
		"subject":     subject,
		"user_id":     userID,
	}
	return dc.request(ctx, http.MethodPost, "/api/admin/v1/upstream-oauth-links", nil, body, nil)
}
