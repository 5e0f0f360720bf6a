package ogs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/poonpunokok/gtp2ogs/policy"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

func restFixture(t *testing.T, status int) (*RestClient, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		reqs = append(reqs, recordedRequest{method: r.Method, path: r.URL.Path, body: body})

		if auth := r.Header.Get("Authorization"); auth != "Bearer sekrit" {
			t.Errorf("Authorization = %q", auth)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewRestClient(srv.URL, "sekrit", log)
	c.http.RetryMax = 0
	return c, &reqs
}

func TestAcceptChallenge(t *testing.T) {
	c, reqs := restFixture(t, http.StatusOK)
	if err := c.AcceptChallenge(context.Background(), 123); err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	if len(*reqs) != 1 {
		t.Fatalf("got %d requests", len(*reqs))
	}
	req := (*reqs)[0]
	if req.method != http.MethodPost || req.path != "/me/challenges/123/accept" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
}

func TestDeclineChallengeCarriesRejection(t *testing.T) {
	c, reqs := restFixture(t, http.StatusOK)
	rej := &policy.Rejection{
		Code:    policy.CodeBoardSizeNotSquare,
		Message: "board must be square, got 19x13",
		Details: map[string]any{"width": 19, "height": 13},
	}
	if err := c.DeclineChallenge(context.Background(), 123, rej.Message, rej); err != nil {
		t.Fatalf("DeclineChallenge: %v", err)
	}

	req := (*reqs)[0]
	if req.path != "/me/challenges/123" {
		t.Errorf("path = %s", req.path)
	}
	if req.body["delete"] != true {
		t.Errorf("delete = %v", req.body["delete"])
	}
	if req.body["message"] != rej.Message {
		t.Errorf("message = %v", req.body["message"])
	}
	details, ok := req.body["rejection_details"].(map[string]any)
	if !ok {
		t.Fatalf("rejection_details = %v", req.body["rejection_details"])
	}
	if details["rejection_code"] != policy.CodeBoardSizeNotSquare {
		t.Errorf("rejection_code = %v", details["rejection_code"])
	}
	// The message is human-facing only; the details object carries the
	// machine-readable violation.
	if _, present := details["message"]; present {
		t.Error("message leaked into rejection_details")
	}
}

func TestDeclineChallengeWithoutRejection(t *testing.T) {
	c, reqs := restFixture(t, http.StatusOK)
	if err := c.DeclineChallenge(context.Background(), 7, "busy", nil); err != nil {
		t.Fatalf("DeclineChallenge: %v", err)
	}
	if _, present := (*reqs)[0].body["rejection_details"]; present {
		t.Error("rejection_details present for a nil rejection")
	}
}

func TestAcceptFriendRequest(t *testing.T) {
	c, reqs := restFixture(t, http.StatusOK)
	if err := c.AcceptFriendRequest(context.Background(), 1001); err != nil {
		t.Fatalf("AcceptFriendRequest: %v", err)
	}
	req := (*reqs)[0]
	if req.path != "/me/friends/invitations" {
		t.Errorf("path = %s", req.path)
	}
	if req.body["from_user"] != float64(1001) {
		t.Errorf("from_user = %v", req.body["from_user"])
	}
}

func TestRestErrorSurfacesStatus(t *testing.T) {
	c, _ := restFixture(t, http.StatusForbidden)
	err := c.AcceptChallenge(context.Background(), 1)
	var rerr *RestError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RestError", err)
	}
	if rerr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rerr.Status)
	}
}
