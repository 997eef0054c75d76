package checkin

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// TestRunRecordedNewAPIPanel replays a real status/submit/verify exchange
// with a new-api panel. Credentials in the cassette are redacted, so
// requests are matched on method and URL only.
func TestRunRecordedNewAPIPanel(t *testing.T) {
	rec, err := recorder.New("testdata/newapi_checkin",
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(func(r *http.Request, i cassette.Request) bool {
			return r.Method == i.Method && r.URL.String() == i.URL
		}),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, rec.Stop()) }()

	runner := newTestRunner(rec.GetDefaultClient())
	res := runner.Run(context.Background(), Account{
		ID:      "site-1",
		Name:    "recorded",
		BaseURL: "https://panel.example.com",
		Token:   "REDACTED",
		UserID:  "1024",
	})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "签到成功，获得 500000 额度", res.Message)
	assert.Equal(t, "2025-03-01", res.Date, "date comes from the verify payload")
}
