package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func completionServer(t *testing.T, status int, body string, seen *[]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if seen != nil {
			var req struct {
				Messages []map[string]any `json:"messages"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			*seen = req.Messages
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetReply(t *testing.T) {
	var seen []map[string]any
	srv := completionServer(t, http.StatusOK,
		`{"choices":[{"index":0,"message":{"role":"assistant","content":"Доставка 3-7 дней."}}]}`, &seen)

	c := NewOpenAIClient("key", srv.URL+"/v1", "test-model", time.Second)
	reply, err := c.GetReply(context.Background(), []Message{
		{Role: "system", Text: "preamble"},
		{Role: "user", Text: "Сколько идет доставка?"},
	})
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if reply != "Доставка 3-7 дней." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(seen) != 2 || seen[0]["role"] != "system" || seen[1]["content"] != "Сколько идет доставка?" {
		t.Fatalf("unexpected request messages %#v", seen)
	}
}

func TestGetReplyEmptyChoices(t *testing.T) {
	srv := completionServer(t, http.StatusOK, `{"choices":[]}`, nil)

	reply, err := NewOpenAIClient("key", srv.URL+"/v1", "", time.Second).GetReply(context.Background(), nil)
	if err != nil || reply != "" {
		t.Fatalf("expected empty reply without error, got %q, %v", reply, err)
	}
}

func TestGetReplyClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"rate_limit"}}`, ErrThrottled},
		{http.StatusPaymentRequired, `{"error":{"message":"payment required","type":"billing"}}`, ErrBilling},
		{http.StatusInternalServerError, `{"error":{"message":"boom","type":"server"}}`, ErrUpstream},
		{http.StatusBadGateway, `not json`, ErrUpstream},
	}
	for _, tc := range cases {
		srv := completionServer(t, tc.status, tc.body, nil)
		_, err := NewOpenAIClient("key", srv.URL+"/v1", "m", time.Second).GetReply(context.Background(), []Message{{Role: "user", Text: "hi"}})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestGetReplyKeepsAPIError(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"rate_limit"}}`, nil)

	_, err := NewOpenAIClient("key", srv.URL+"/v1", "m", time.Second).GetReply(context.Background(), []Message{{Role: "user", Text: "hi"}})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("openai error lost from the chain: %v", err)
	}
	if apiErr.HTTPStatusCode != http.StatusTooManyRequests || apiErr.Message != "rate limited" {
		t.Fatalf("unexpected api error %#v", apiErr)
	}
}
