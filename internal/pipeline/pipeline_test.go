package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/noiseuploader/internal/api"
	"github.com/tejusbharadwaj/noiseuploader/internal/delivery"
	"github.com/tejusbharadwaj/noiseuploader/internal/delivery/mocks"
	"github.com/tejusbharadwaj/noiseuploader/internal/metrics"
	"github.com/tejusbharadwaj/noiseuploader/internal/models"
	"github.com/tejusbharadwaj/noiseuploader/internal/pipeline"
	"github.com/tejusbharadwaj/noiseuploader/internal/transform"
)

const dataPath = "/api/v1/sensor/DEV1/search/99/data"

var fixedNow = time.Date(2025, 6, 11, 12, 30, 45, 0, time.UTC)

func record(minute int) string {
	return fmt.Sprintf(`{"datetime":"2025-06-11 10:%02d","DEV1":{"intervals":[{"value":10.1234},{"max":20.5},{"value":30},{"value":40},{"max":50.999,"value":1}]}}`, minute)
}

func intervalsBody(n int) string {
	records := make([]string, n)
	for i := range records {
		records[i] = record(i)
	}
	return `{"intervals":[` + strings.Join(records, ",") + `]}`
}

// vendorServer serves the search and data endpoints, returning dataBody for
// the data request.
type vendorServer struct {
	*httptest.Server
	mu       sync.Mutex
	searches int
	fetches  int
}

func newVendorServer(t *testing.T, dataBody string) *vendorServer {
	v := &vendorServer{}
	v.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		defer v.mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/sensor/DEV1/search":
			v.searches++
			w.Write([]byte(`{"data_url":"` + dataPath + `"}`))
		case dataPath:
			v.fetches++
			w.Write([]byte(dataBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(v.Close)
	return v
}

func (v *vendorServer) counts() (searches, fetches int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.searches, v.fetches
}

type fakeArchive struct {
	rows [][]models.FlatRow
	err  error
}

func (a *fakeArchive) BatchInsertIntervals(ctx context.Context, deviceID string, rows []models.FlatRow) error {
	a.rows = append(a.rows, rows)
	return a.err
}

func (a *fakeArchive) Close() error { return nil }

type harness struct {
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	dials    int
}

func newHarness(t *testing.T, vendorURL string, session delivery.Session, archive *fakeArchive) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{metrics: metrics.New()}

	dial := func(ctx context.Context, addr string, timeout time.Duration) (delivery.Session, error) {
		h.dials++
		return session, nil
	}

	client := api.NewSigicomClient(api.ClientConfig{BaseURL: vendorURL, UserID: "1", UserToken: "t", Timeout: time.Second}, logger)
	deps := pipeline.Deps{
		Searcher:  client,
		Fetcher:   client,
		Flattener: transform.NewFlattener(logger),
		Deliverer: delivery.NewFTPUploader(dial, time.Second, logger),
		Metrics:   h.metrics,
		Clock:     func() time.Time { return fixedNow },
	}
	if archive != nil {
		deps.Archive = archive
	}

	h.pipeline = pipeline.New(pipeline.Config{
		DeviceID:    "DEV1",
		Destination: delivery.Destination{Host: "ftp.example.com"},
		Credentials: delivery.Credentials{Username: "noise"},
	}, deps, logger)
	return h
}

func TestRunDelivers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	vendor := newVendorServer(t, intervalsBody(3))
	archive := &fakeArchive{}

	var stored string
	session := mocks.NewMockSession(ctrl)
	session.EXPECT().Login("noise", "").Return(nil)
	session.EXPECT().Store("device_data.csv", gomock.Any()).DoAndReturn(func(path string, r io.Reader) (int, error) {
		b, err := io.ReadAll(r)
		stored = string(b)
		return 226, err
	})
	session.EXPECT().Quit().Return(nil)

	h := newHarness(t, vendor.URL, session, archive)
	outcome, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeDelivered, outcome)

	want := "datetime,LAS,L90,L50,L10,LAeq\n" +
		"2025-06-11 10:00,10.123,20.5,30.0,40.0,50.999\n" +
		"2025-06-11 10:01,10.123,20.5,30.0,40.0,50.999\n" +
		"2025-06-11 10:02,10.123,20.5,30.0,40.0,50.999"
	assert.Equal(t, want, stored)

	require.Len(t, archive.rows, 1)
	assert.Len(t, archive.rows[0], 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("delivered")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RowsDelivered))
}

func TestRunShortCircuits(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantOutcome pipeline.Outcome
	}{
		{"empty body", "", pipeline.OutcomeNoData},
		{"two intervals", intervalsBody(2), pipeline.OutcomeInsufficientData},
		{"no intervals", intervalsBody(0), pipeline.OutcomeInsufficientData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			vendor := newVendorServer(t, tt.body)
			archive := &fakeArchive{}
			// No session calls are expected: delivery must not run.
			session := mocks.NewMockSession(ctrl)

			h := newHarness(t, vendor.URL, session, archive)
			outcome, err := h.pipeline.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, 0, h.dials)
			assert.Empty(t, archive.rows)
			_, fetches := vendor.counts()
			assert.Equal(t, 1, fetches)
		})
	}
}

func TestRunTransformErrorSkipsDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	bad := `{"datetime":"2025-06-11 10:02","DEV1":{"intervals":[{"value":1},{"value":2},{"min":3},{"value":4},{"value":5}]}}`
	vendor := newVendorServer(t, `{"intervals":[`+record(0)+`,`+record(1)+`,`+bad+`]}`)
	session := mocks.NewMockSession(ctrl)

	h := newHarness(t, vendor.URL, session, nil)
	outcome, err := h.pipeline.Run(context.Background())

	assert.Equal(t, pipeline.OutcomeFailed, outcome)
	var terr *transform.TransformError
	require.True(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, models.ErrNoMetricValue)
	assert.Equal(t, 0, h.dials)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("failed")))
}

func TestRunDeliveryErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	vendor := newVendorServer(t, intervalsBody(3))
	archive := &fakeArchive{}

	session := mocks.NewMockSession(ctrl)
	session.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	session.EXPECT().Store(gomock.Any(), gomock.Any()).Return(550, &textproto.Error{Code: 550, Msg: "denied"})
	session.EXPECT().Quit().Return(nil)

	h := newHarness(t, vendor.URL, session, archive)
	outcome, err := h.pipeline.Run(context.Background())

	assert.Equal(t, pipeline.OutcomeFailed, outcome)
	var derr *delivery.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 550, derr.Code)
	assert.Empty(t, archive.rows)
}

func TestRunRetrievalErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusForbidden)
	}))
	defer vendor.Close()

	h := newHarness(t, vendor.URL, mocks.NewMockSession(ctrl), nil)
	outcome, err := h.pipeline.Run(context.Background())

	assert.Equal(t, pipeline.OutcomeFailed, outcome)
	var rerr *api.RetrievalError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusForbidden, rerr.StatusCode)
	assert.Equal(t, 0, h.dials)
}

func TestRunArchiveFailureDoesNotFailRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	vendor := newVendorServer(t, intervalsBody(4))
	archive := &fakeArchive{err: errors.New("db down")}

	session := mocks.NewMockSession(ctrl)
	session.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	session.EXPECT().Store(gomock.Any(), gomock.Any()).Return(226, nil)
	session.EXPECT().Quit().Return(nil)

	h := newHarness(t, vendor.URL, session, archive)
	outcome, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeDelivered, outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ArchiveErrors))
}

func TestRunIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	vendor := newVendorServer(t, intervalsBody(5))
	files := map[string]string{}

	session := mocks.NewMockSession(ctrl)
	session.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	session.EXPECT().Store(gomock.Any(), gomock.Any()).DoAndReturn(func(path string, r io.Reader) (int, error) {
		b, err := io.ReadAll(r)
		if prev, ok := files[path]; ok {
			assert.Equal(t, prev, string(b))
		}
		files[path] = string(b)
		return 226, err
	}).Times(2)
	session.EXPECT().Quit().Return(nil).Times(2)

	h := newHarness(t, vendor.URL, session, nil)
	for i := 0; i < 2; i++ {
		_, err := h.pipeline.Run(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, files, 1)
	searches, _ := vendor.counts()
	assert.Equal(t, 2, searches)
}
