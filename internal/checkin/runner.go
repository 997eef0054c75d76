package checkin

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/log"
)

// alreadySignedMarker is what new-api style panels put in the message
// when the account has already checked in today.
const alreadySignedMarker = "已签到"

// maxResponseBytes bounds how much of a panel response we read.
const maxResponseBytes = 1 << 20

// userIDHeader carries the panel user id next to the bearer token.
const userIDHeader = "New-Api-User"

// Runner performs the check-in protocol for one account at a time:
// query status, submit, then verify.
type Runner struct {
	client *http.Client
	now    func() time.Time
}

// NewRunner returns a Runner using client. A nil client gets one with a
// 30 second timeout.
func NewRunner(client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{client: client, now: time.Now}
}

// Endpoint returns the check-in URL for an account: the explicit override
// when set, otherwise {base}/user/checkin for a base ending in /api and
// {base}/api/user/checkin for anything else.
func Endpoint(acc Account) string {
	if override := channel.NormalizeBaseURL(acc.CheckinURL); override != "" {
		return override
	}
	base := channel.NormalizeBaseURL(acc.BaseURL)
	if base == "" {
		return ""
	}
	if strings.HasSuffix(base, "/api") {
		return base + "/user/checkin"
	}
	return base + "/api/user/checkin"
}

// Run checks in one account. It never returns an error: every failure,
// transport errors included, becomes a failed Result.
func (r *Runner) Run(ctx context.Context, acc Account) Result {
	result := Result{ID: acc.ID, Name: acc.Name}
	fail := func(msg string) Result {
		result.Status = StatusFailed
		result.Message = msg
		return result
	}

	url := Endpoint(acc)
	if url == "" {
		return fail("site URL is empty")
	}
	userID := strings.TrimSpace(acc.UserID)
	if userID == "" {
		return fail("missing user id")
	}
	today := BeijingDate(r.now())

	// --- Step 1: Status check ---
	r.trace(acc, "status:request", "url", url)
	code, status, err := r.call(ctx, http.MethodGet, url, acc.Token, userID)
	if err != nil {
		return fail(transportMessage(err))
	}
	r.trace(acc, "status:response", "code", code)
	if code < 200 || code > 299 {
		return fail(parseMessage(status, fmt.Sprintf("HTTP %d", code)))
	}
	if !status.Exists() {
		return fail("status response is not JSON")
	}
	r.trace(acc, "status:payload", "body", status.Raw)
	if parseSigned(status) {
		result.Status = StatusSkipped
		result.Message = parseMessage(status, "already checked in today")
		result.Date = extractDate(status, today)
		return result
	}

	// --- Step 2: Submit ---
	code, submitted, err := r.call(ctx, http.MethodPost, url, acc.Token, userID)
	if err != nil {
		return fail(transportMessage(err))
	}
	r.trace(acc, "checkin:response", "code", code)
	if code < 200 || code > 299 {
		return fail(parseMessage(submitted, fmt.Sprintf("HTTP %d", code)))
	}
	if !submitted.Exists() {
		return fail("check-in response is not JSON")
	}
	r.trace(acc, "checkin:payload", "body", submitted.Raw)
	if parseSigned(submitted) {
		result.Status = StatusSkipped
		result.Message = parseMessage(submitted, "already checked in today")
		result.Date = extractDate(submitted, today)
		return result
	}
	if explicitFailure(submitted) {
		r.trace(acc, "checkin:explicit-failure", "body", submitted.Raw)
		return fail(parseMessage(submitted, "check-in failed"))
	}

	// --- Step 3: Verify ---
	//
	// Some panels answer the submit with an empty success envelope, so the
	// only reliable signal is the status endpoint flipping to "signed".
	r.trace(acc, "verify:request", "url", url)
	code, verified, err := r.call(ctx, http.MethodGet, url, acc.Token, userID)
	if err != nil {
		return fail(transportMessage(err))
	}
	r.trace(acc, "verify:response", "code", code)
	if code < 200 || code > 299 {
		return fail(parseMessage(verified, fmt.Sprintf("HTTP %d", code)))
	}
	if !verified.Exists() {
		return fail("verify response is not JSON")
	}
	r.trace(acc, "verify:payload", "body", verified.Raw)
	if !parseSigned(verified) {
		return fail("check-in did not take effect")
	}

	result.Status = StatusSuccess
	result.Message = parseMessage(submitted, "check-in succeeded")
	result.Date = extractDate(submitted, today)
	if result.Date == "" {
		result.Date = extractDate(verified, today)
	}
	return result
}

// call performs one request and returns the status code and the parsed
// JSON body. A body that is not valid JSON yields a non-existent Result.
func (r *Runner) call(ctx context.Context, method, url, token, userID string) (int, gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, gjson.Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	req.Header.Set(userIDHeader, userID)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return resp.StatusCode, gjson.Result{}, nil
	}
	return resp.StatusCode, gjson.ParseBytes(body), nil
}

func (r *Runner) trace(acc Account, stage string, kv ...any) {
	log.Debugw("checkin", append([]any{"stage", stage, "account", acc.Name}, kv...)...)
}

func transportMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "request failed"
}

// messageField is the first of message, msg and error that is present and
// not null.
func messageField(payload gjson.Result) gjson.Result {
	for _, key := range []string{"message", "msg", "error"} {
		if v := payload.Get(key); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func stringify(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Str
	}
	return v.Raw
}

// truthy follows JSON-as-JavaScript truthiness: false, null, 0 and ""
// are false, everything else (including empty objects) is true.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return v.Num != 0 && !math.IsNaN(v.Num)
	case gjson.String:
		return v.Str != ""
	}
	return false
}

// parseSigned reports whether a payload says the account is checked in
// for today. The checks run in order and the first one that applies wins.
func parseSigned(payload gjson.Result) bool {
	msg := strings.TrimSpace(stringify(messageField(payload)))
	if strings.Contains(msg, alreadySignedMarker) {
		return true
	}

	if data := payload.Get("data"); data.IsObject() {
		if truthy(data.Get("checkin_date")) || truthy(data.Get("checked_in")) || truthy(data.Get("signed")) {
			return true
		}
	}

	for _, key := range []string{"signed", "is_signed", "checked", "checkin", "already_signed", "checked_in"} {
		if v := payload.Get(key); v.Exists() && v.Type != gjson.Null {
			return truthy(v)
		}
	}
	return false
}

// explicitFailure reports whether a submit response clearly failed:
// success:false, status:"error", a non-empty error, or a non-zero code.
func explicitFailure(payload gjson.Result) bool {
	if payload.Get("success").Type == gjson.False {
		return true
	}
	if status := payload.Get("status"); status.Type == gjson.String && status.Str == "error" {
		return true
	}
	if truthy(payload.Get("error")) {
		return true
	}

	code := payload.Get("code")
	switch code.Type {
	case gjson.Number:
		return code.Num != 0
	case gjson.String:
		// An empty string counts as 0.
		trimmed := strings.TrimSpace(code.Str)
		if trimmed == "" {
			return false
		}
		n, err := cast.ToFloat64E(trimmed)
		return err == nil && !math.IsNaN(n) && n != 0
	}
	return false
}

func parseMessage(payload gjson.Result, fallback string) string {
	v := messageField(payload)
	if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
		return v.Str
	}
	return fallback
}

// extractDate returns data.checkin_date, or today when the message says
// the account is already checked in, or "".
func extractDate(payload gjson.Result, today string) string {
	if date := payload.Get("data.checkin_date"); date.Type == gjson.String {
		if trimmed := strings.TrimSpace(date.Str); trimmed != "" {
			return trimmed
		}
	}
	if strings.Contains(stringify(messageField(payload)), alreadySignedMarker) {
		return today
	}
	return ""
}
