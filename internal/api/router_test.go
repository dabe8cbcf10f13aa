package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dvloznov/transit-tracker/internal/api/handlers"
	"github.com/dvloznov/transit-tracker/internal/cards"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/infra/memory"
	"github.com/dvloznov/transit-tracker/internal/jobs"
	"github.com/dvloznov/transit-tracker/internal/jobs/inmemory"
	"github.com/dvloznov/transit-tracker/internal/vault"
	"github.com/rs/zerolog"
)

const testKey = "s3cret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{5}, vault.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.QueueOptions{}, jobStore)
	t.Cleanup(func() { _ = queue.Close() })

	srv := httptest.NewServer(NewRouter(Deps{
		Runs:   handlers.NewRunsHandler(queue, jobStore),
		Cards:  handlers.NewCardsHandler(cards.NewService(memory.NewStore(), v)),
		APIKey: testKey,
		Log:    zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/runs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("/api without key: status = %d, want 401", resp.StatusCode)
	}
}

func TestCardLifecycle(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/cards",
		`{"user_id":"alice","serial":"1202345678","nickname":"Commute","username":"rider@example.com","password":"hunter2"}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	if bytes.Contains(body, []byte("hunter2")) {
		t.Fatal("response leaks the password")
	}
	var card domain.Card
	if err := json.Unmarshal(body, &card); err != nil || card.CardID == "" {
		t.Fatalf("card = %s (%v)", body, err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"duplicate", http.MethodPost, "/api/cards", `{"user_id":"alice","serial":"1202345678"}`, http.StatusConflict},
		{"missing serial", http.MethodPost, "/api/cards", `{"user_id":"alice"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/cards", `{`, http.StatusBadRequest},
		{"list", http.MethodGet, "/api/cards?user_id=alice", "", http.StatusOK},
		{"rotate", http.MethodPut, "/api/cards/" + card.CardID + "/credentials", `{"user_id":"alice","username":"a","password":"new"}`, http.StatusNoContent},
		{"rotate foreign", http.MethodPut, "/api/cards/" + card.CardID + "/credentials", `{"user_id":"bob","username":"a","password":"new"}`, http.StatusNotFound},
		{"rotate empty password", http.MethodPut, "/api/cards/" + card.CardID + "/credentials", `{"user_id":"alice","username":"a"}`, http.StatusBadRequest},
		{"delete", http.MethodDelete, "/api/cards/" + card.CardID, "", http.StatusNoContent},
		{"delete again", http.MethodDelete, "/api/cards/" + card.CardID, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, body)
			}
		})
	}
}

func TestRuns(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/runs", `{"user_ids":["alice"],"start":"2024-03-01","end":"2024-03-31"}`)
	if code != http.StatusAccepted {
		t.Fatalf("create run: %d %s", code, body)
	}
	var created map[string]string
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created["range"] != "2024-03-01..2024-03-31" {
		t.Errorf("range = %q", created["range"])
	}

	code, body = do(t, srv, http.MethodGet, "/api/runs/"+created["job_id"], "")
	if code != http.StatusOK {
		t.Fatalf("get run: %d %s", code, body)
	}
	var job jobs.IngestionJob
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.JobStatusPending || len(job.UserIDs) != 1 {
		t.Errorf("job = %+v", job)
	}

	code, body = do(t, srv, http.MethodGet, "/api/runs?user_id=alice", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"count":1`) {
		t.Errorf("list runs: %d %s", code, body)
	}

	if code, _ := do(t, srv, http.MethodGet, "/api/runs/nope", ""); code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d", code)
	}
	if code, _ := do(t, srv, http.MethodPost, "/api/runs", `{"start":"2024-03-31","end":"2024-03-01"}`); code != http.StatusBadRequest {
		t.Errorf("inverted range: status = %d", code)
	}
}
