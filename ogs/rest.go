package ogs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/poonpunokok/gtp2ogs/policy"
)

// RestClient talks to the server's v1 REST API for the few operations
// the socket does not carry: challenge accept/decline and friend-request
// accept. Transient failures are retried by the underlying client.
type RestClient struct {
	base   string
	apiKey string
	http   *retryablehttp.Client
	log    logrus.FieldLogger
}

// RestError is a non-2xx REST reply.
type RestError struct {
	Status int
	Body   string
}

func (e *RestError) Error() string {
	return "ogs: rest call failed: http " + strconv.Itoa(e.Status) + ": " + e.Body
}

// NewRestClient builds a REST client for the given API base URL
// (".../api/v1") authenticating with the bot's api key.
func NewRestClient(base, apiKey string, log logrus.FieldLogger) *RestClient {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	return &RestClient{
		base:   base,
		apiKey: apiKey,
		http:   c,
		log:    log.WithField("component", "rest"),
	}
}

// AcceptChallenge accepts a challenge by id.
func (c *RestClient) AcceptChallenge(ctx context.Context, id int64) error {
	return c.post(ctx, fmt.Sprintf("me/challenges/%d/accept", id), struct{}{})
}

// DeclineChallenge declines a challenge with a translated message and,
// when present, the machine-readable rejection details.
func (c *RestClient) DeclineChallenge(ctx context.Context, id int64, message string, rej *policy.Rejection) error {
	body := map[string]any{
		"delete":  true,
		"message": message,
	}
	if rej != nil {
		body["rejection_details"] = rej
	}
	return c.post(ctx, fmt.Sprintf("me/challenges/%d", id), body)
}

// AcceptFriendRequest accepts a pending friend request from a user.
func (c *RestClient) AcceptFriendRequest(ctx context.Context, fromUser int64) error {
	return c.post(ctx, "me/friends/invitations", map[string]any{"from_user": fromUser})
}

func (c *RestClient) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ogs: marshal %s: %w", path, err)
	}
	url := c.base + "/" + path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ogs: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ogs: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RestError{Status: resp.StatusCode, Body: string(body)}
	}
	c.log.Debugf("POST %s ok", path)
	return nil
}
