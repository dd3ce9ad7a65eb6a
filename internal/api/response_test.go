package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return env
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"disposition": "hangup"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}

	env := decodeEnvelope(t, w)
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	if data["disposition"] != "hangup" {
		t.Errorf("disposition = %v, want hangup", data["disposition"])
	}
}

func TestWriteJSONNilData(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, nil)

	env := decodeEnvelope(t, w)
	if env.Data != nil {
		t.Errorf("data = %v, want nil", env.Data)
	}
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
}

func TestWriteJSONStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"call_id": "c1"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusNotFound, "call not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error != "call not found" {
		t.Errorf("error = %q, want %q", env.Error, "call not found")
	}
	if env.Data != nil {
		t.Errorf("data = %v, want nil", env.Data)
	}
}

func TestEnvelopeOmitsEmptyError(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, "ok")

	if body := w.Body.String(); strings.Contains(body, `"error"`) {
		t.Errorf("error field present in success envelope: %s", body)
	}

	b, err := json.Marshal(envelope{Error: "bad credentials"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"error":"bad credentials"`) {
		t.Errorf("error envelope = %s", b)
	}
}

func TestReadJSON(t *testing.T) {
	body := strings.NewReader(`{"username":"operator","password":"hunter2"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/login", body)

	var dst struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if errMsg := readJSON(r, &dst); errMsg != "" {
		t.Fatalf("readJSON() = %q, want no error", errMsg)
	}
	if dst.Username != "operator" || dst.Password != "hunter2" {
		t.Errorf("decoded %q/%q, want operator/hunter2", dst.Username, dst.Password)
	}
}

func TestReadJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // exact message, or prefix when exact is ""
		pre  string
	}{
		{"empty body", "", "request body must not be empty", ""},
		{"malformed", "{broken", "malformed json", ""},
		{"unknown field", `{"username":"op","extra":1}`, "", "unknown field"},
		{"wrong type", `{"username":42}`, "", "invalid value for field"},
		{"trailing object", `{"username":"op"}{"username":"b"}`, "request body must contain a single json object", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(tc.body))
			var dst struct {
				Username string `json:"username"`
			}
			got := readJSON(r, &dst)
			if tc.want != "" && got != tc.want {
				t.Errorf("readJSON() = %q, want %q", got, tc.want)
			}
			if tc.pre != "" && !strings.HasPrefix(got, tc.pre) {
				t.Errorf("readJSON() = %q, want prefix %q", got, tc.pre)
			}
		})
	}
}

func TestParsePaginationDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/calls", nil)

	p, errMsg := parsePagination(r)
	if errMsg != "" {
		t.Fatalf("parsePagination() error = %q", errMsg)
	}
	if p.Limit != defaultLimit {
		t.Errorf("limit = %d, want default %d", p.Limit, defaultLimit)
	}
	if p.Offset != 0 {
		t.Errorf("offset = %d, want 0", p.Offset)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		limit      int
		offset     int
		wantErrMsg string
	}{
		{"explicit", "limit=25&offset=10", 25, 10, ""},
		{"zero offset", "offset=0", defaultLimit, 0, ""},
		{"clamped to max", "limit=5000", maxLimit, 0, ""},
		{"limit not a number", "limit=abc", 0, 0, "limit must be a positive integer"},
		{"limit zero", "limit=0", 0, 0, "limit must be a positive integer"},
		{"limit negative", "limit=-5", 0, 0, "limit must be a positive integer"},
		{"offset not a number", "offset=abc", 0, 0, "offset must be a non-negative integer"},
		{"offset negative", "offset=-1", 0, 0, "offset must be a non-negative integer"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/calls?"+tc.query, nil)
			p, errMsg := parsePagination(r)
			if errMsg != tc.wantErrMsg {
				t.Fatalf("parsePagination() error = %q, want %q", errMsg, tc.wantErrMsg)
			}
			if tc.wantErrMsg != "" {
				return
			}
			if p.Limit != tc.limit {
				t.Errorf("limit = %d, want %d", p.Limit, tc.limit)
			}
			if p.Offset != tc.offset {
				t.Errorf("offset = %d, want %d", p.Offset, tc.offset)
			}
		})
	}
}

func TestPaginatedResponseShape(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  []string{"call-1", "call-2"},
		Total:  12,
		Limit:  50,
		Offset: 0,
	})

	env := decodeEnvelope(t, w)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	if data["total"] != float64(12) {
		t.Errorf("total = %v, want 12", data["total"])
	}
	if data["limit"] != float64(50) {
		t.Errorf("limit = %v, want 50", data["limit"])
	}
	items, ok := data["items"].([]any)
	if !ok {
		t.Fatalf("items is %T, want array", data["items"])
	}
	if len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}
}
