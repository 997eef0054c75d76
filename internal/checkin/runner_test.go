package checkin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakePanel is a new-api style check-in endpoint. statusBodies is served
// to successive GETs (the last one repeats); submitBody to the POST.
type fakePanel struct {
	statusBodies []string
	submitBody   string
	submitCode   int
	gets         atomic.Int32
	posts        atomic.Int32
	lastAuth     atomic.Value
	lastUser     atomic.Value
}

func (p *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.lastAuth.Store(r.Header.Get("Authorization"))
	p.lastUser.Store(r.Header.Get("New-Api-User"))
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		n := int(p.gets.Add(1)) - 1
		body := p.statusBodies[min(n, len(p.statusBodies)-1)]
		_, _ = w.Write([]byte(body))
	case http.MethodPost:
		p.posts.Add(1)
		if p.submitCode != 0 {
			w.WriteHeader(p.submitCode)
		}
		_, _ = w.Write([]byte(p.submitBody))
	}
}

func newTestRunner(client *http.Client) *Runner {
	r := NewRunner(client)
	r.now = func() time.Time { return time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC) } // 10:00 Beijing
	return r
}

func panelAccount(url string) Account {
	return Account{ID: "a1", Name: "panel", BaseURL: url, Token: "sys-token", UserID: " 42 "}
}

func TestRunSuccessAfterVerify(t *testing.T) {
	panel := &fakePanel{
		statusBodies: []string{
			`{"success":true,"data":{"checked_in":false}}`,
			`{"success":true,"data":{"checked_in":true,"checkin_date":"2025-03-01"}}`,
		},
		submitBody: `{"success":true,"message":"ok"}`,
	}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))

	assert.Equal(t, Result{ID: "a1", Name: "panel", Status: StatusSuccess, Message: "ok", Date: "2025-03-01"}, res)
	assert.Equal(t, int32(2), panel.gets.Load())
	assert.Equal(t, int32(1), panel.posts.Load())
	assert.Equal(t, "Bearer sys-token", panel.lastAuth.Load())
	assert.Equal(t, "42", panel.lastUser.Load(), "user id is trimmed")
}

func TestRunAlreadySignedAtStatus(t *testing.T) {
	panel := &fakePanel{statusBodies: []string{`{"success":true,"message":"今日已签到"}`}}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "今日已签到", res.Message)
	assert.Equal(t, "2025-03-01", res.Date, "marker without a date means today in Beijing")
	assert.Zero(t, panel.posts.Load())
}

func TestRunSignedInSubmitResponse(t *testing.T) {
	panel := &fakePanel{
		statusBodies: []string{`{"success":true}`},
		submitBody:   `{"success":false,"message":"您今天已签到过了"}`,
	}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))

	assert.Equal(t, StatusSkipped, res.Status, "already-signed wins over success:false")
	assert.Equal(t, int32(1), panel.gets.Load(), "no verify after a skip")
}

func TestRunExplicitFailure(t *testing.T) {
	panel := &fakePanel{
		statusBodies: []string{`{"success":true}`},
		submitBody:   `{"code":"1001","msg":"quota exhausted"}`,
	}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "quota exhausted", res.Message)
	assert.Equal(t, int32(1), panel.gets.Load())
}

func TestRunDidNotTakeEffect(t *testing.T) {
	panel := &fakePanel{
		statusBodies: []string{`{"success":true,"data":{}}`},
		submitBody:   `{"success":true}`,
	}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "check-in did not take effect", res.Message)
}

func TestRunHTTPErrorUsesPayloadMessage(t *testing.T) {
	panel := &fakePanel{
		statusBodies: []string{`{"success":true}`},
		submitCode:   http.StatusUnauthorized,
		submitBody:   `{"message":"token expired"}`,
	}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))
	assert.Equal(t, Result{ID: "a1", Name: "panel", Status: StatusFailed, Message: "token expired"}, res)

	panel.submitBody = `<html>denied</html>`
	res = newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))
	assert.Equal(t, "HTTP 401", res.Message)
}

func TestRunNonJSONStatus(t *testing.T) {
	panel := &fakePanel{statusBodies: []string{`<html>maintenance</html>`}}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	res := newTestRunner(srv.Client()).Run(context.Background(), panelAccount(srv.URL))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "status response is not JSON", res.Message)
}

func TestRunMissingUserIDMakesNoRequest(t *testing.T) {
	panel := &fakePanel{statusBodies: []string{`{}`}}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	acc := panelAccount(srv.URL)
	acc.UserID = "  "
	res := newTestRunner(srv.Client()).Run(context.Background(), acc)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "missing user id", res.Message)
	assert.Zero(t, panel.gets.Load())
}

func TestRunTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := newTestRunner(nil).Run(context.Background(), panelAccount(url))
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.Message)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		acc  Account
		want string
	}{
		{Account{BaseURL: "https://panel.example.com"}, "https://panel.example.com/api/user/checkin"},
		{Account{BaseURL: "https://panel.example.com/"}, "https://panel.example.com/api/user/checkin"},
		{Account{BaseURL: "https://panel.example.com/api"}, "https://panel.example.com/user/checkin"},
		{Account{BaseURL: "https://x", CheckinURL: "https://y/custom/checkin/"}, "https://y/custom/checkin"},
		{Account{BaseURL: "  "}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Endpoint(tt.acc), tt.acc.BaseURL)
	}
}

func TestParseSigned(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"message":"已签到"}`, true},
		{`{"msg":"今天已签到"}`, true},
		{`{"message":null,"msg":"已签到"}`, true},
		{`{"data":{"checkin_date":"2025-03-01"}}`, true},
		{`{"data":{"checked_in":1}}`, true},
		{`{"data":{"signed":false},"signed":true}`, true},
		{`{"is_signed":"yes"}`, true},
		{`{"signed":null,"checked":0,"checkin":true}`, false},
		{`{"already_signed":{}}`, true},
		{`{"checked_in":""}`, false},
		{`{"success":true}`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseSigned(gjson.Parse(tt.body)), tt.body)
	}
}

func TestExplicitFailure(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"success":false}`, true},
		{`{"success":"false"}`, false},
		{`{"status":"error"}`, true},
		{`{"error":"boom"}`, true},
		{`{"error":""}`, false},
		{`{"error":0}`, false},
		{`{"code":0}`, false},
		{`{"code":-1}`, true},
		{`{"code":" 12 "}`, true},
		{`{"code":""}`, false},
		{`{"code":"abc"}`, false},
		{`{"code":true}`, false},
		{`{"success":true,"code":"0"}`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, explicitFailure(gjson.Parse(tt.body)), tt.body)
	}
}

func TestParseMessageFallback(t *testing.T) {
	assert.Equal(t, "fallback", parseMessage(gjson.Parse(`{"message":"  "}`), "fallback"))
	assert.Equal(t, "fallback", parseMessage(gjson.Parse(`{"message":5,"msg":"x"}`), "fallback"),
		"the first present field decides even when it is not a string")
	assert.Equal(t, "hi", parseMessage(gjson.Parse(`{"error":"hi"}`), "fallback"))
	assert.Equal(t, "fallback", parseMessage(gjson.Result{}, "fallback"))
}

func TestRunUsesAccountOverrideURL(t *testing.T) {
	panel := &fakePanel{statusBodies: []string{`{"signed":true}`}}
	mux := http.NewServeMux()
	mux.Handle("/custom/checkin", panel)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	acc := panelAccount("https://unused.invalid")
	acc.CheckinURL = srv.URL + "/custom/checkin"
	res := newTestRunner(srv.Client()).Run(context.Background(), acc)

	require.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "already checked in today", res.Message)
	assert.Empty(t, res.Date)
}
