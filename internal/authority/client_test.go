package authority

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperlab-be/dimona/internal/dimona"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(context.Background(), Config{
		BaseURL:    srv.URL + "/api/",
		RateLimit:  1000,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return client
}

func TestCreateDeclarationReturnsLocationReference(t *testing.T) {
	var received map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/declarations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.Header().Set("Location", "https://authority.test/api/declarations/777")
		w.WriteHeader(http.StatusCreated)
	})

	start := "08:00"
	end := "12:00"
	ref, err := client.CreateDeclaration(context.Background(), dimona.DeclarationPayload{
		Type:            dimona.DeclarationTypeCreate,
		EmployerID:      "emp-1",
		WorkerID:        "wrk-1",
		JointCommission: "302",
		WorkerType:      dimona.WorkerTypeFlexi,
		StartDate:       time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		StartHour:       &start,
		EndHour:         &end,
		Location:        dimona.Location{Name: "Bar", PostalCode: "9000", Country: "BE"},
	})
	require.NoError(t, err)
	assert.Equal(t, "777", ref)
	assert.Equal(t, "create", received["declarationType"])
	assert.Equal(t, "FLX", received["workerType"])
	assert.Equal(t, "2025-03-10", received["startDate"])
	assert.Equal(t, "08:00", received["startHour"])
	assert.NotContains(t, received, "periodId")
	location, ok := received["usingEmployer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "9000", location["postCode"])
}

func TestCreateDeclarationCancelCarriesOnlyReference(t *testing.T) {
	var received map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.Header().Set("Location", "/api/declarations/900")
		w.WriteHeader(http.StatusCreated)
	})

	ref := "P-1"
	got, err := client.CreateDeclaration(context.Background(), dimona.DeclarationPayload{
		Type:       dimona.DeclarationTypeCancel,
		EmployerID: "emp-1",
		WorkerID:   "wrk-1",
		WorkerType: dimona.WorkerTypeStudent,
		Reference:  &ref,
	})
	require.NoError(t, err)
	assert.Equal(t, "900", got)
	assert.Equal(t, "P-1", received["periodId"])
	assert.Equal(t, "cancel", received["declarationType"])
	assert.NotContains(t, received, "workerType")
	assert.NotContains(t, received, "startDate")
}

func TestCreateDeclarationErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, dimona.ErrServiceUnavailable)
			},
		},
		{
			name:   "client error carries body",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var reqErr *dimona.RequestError
				require.True(t, errors.As(err, &reqErr))
				assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
				assert.JSONEq(t, `[{"code":"00000-001"}]`, string(reqErr.Body))
			},
		},
		{
			name:   "not found on create is structural",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var reqErr *dimona.RequestError
				assert.True(t, errors.As(err, &reqErr))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`[{"code":"00000-001"}]`))
			})
			_, err := client.CreateDeclaration(context.Background(), dimona.DeclarationPayload{Type: dimona.DeclarationTypeCreate})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestCreateDeclarationWithoutLocationFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	_, err := client.CreateDeclaration(context.Background(), dimona.DeclarationPayload{Type: dimona.DeclarationTypeCreate})
	var reqErr *dimona.RequestError
	require.True(t, errors.As(err, &reqErr))
}

func TestGetDeclaration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/declarations/777", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"declarationStatus":{"result":"W","period":{"id":123456},"anomalies":[{"code":"90017-510","description":"flexi"}]}}`))
	})

	res, err := client.GetDeclaration(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, "W", res.Result)
	assert.Equal(t, "123456", res.PeriodReference)
	assert.True(t, res.Anomalies.Has(dimona.AnomalyFlexiRequirementsNotMet))
}

func TestGetDeclarationPeriodIDForms(t *testing.T) {
	cases := []struct {
		name   string
		period string
		want   string
	}{
		{name: "number", period: `{"id":98765432101}`, want: "98765432101"},
		{name: "string", period: `{"id":"P-00042"}`, want: "P-00042"},
		{name: "absent", period: `{}`, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"declarationStatus":{"result":"A","period":` + tc.period + `,"anomalies":[]}}`))
			})
			res, err := client.GetDeclaration(context.Background(), "777")
			require.NoError(t, err)
			assert.Equal(t, "A", res.Result)
			assert.Equal(t, tc.want, res.PeriodReference)
		})
	}
}

func TestGetDeclarationMalformedPeriodID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"declarationStatus":{"result":"A","period":{"id":{"x":1}}}}`))
	})
	_, err := client.GetDeclaration(context.Background(), "777")
	var reqErr *dimona.RequestError
	require.True(t, errors.As(err, &reqErr))
}

func TestGetDeclarationNotYetProcessed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.GetDeclaration(context.Background(), "777")
	assert.ErrorIs(t, err, dimona.ErrNotYetProcessed)
	assert.True(t, dimona.IsTransient(err))
}

func TestGetDeclarationUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, err := New(context.Background(), Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	srv.Close()

	_, err = client.GetDeclaration(context.Background(), "777")
	assert.ErrorIs(t, err, dimona.ErrServiceUnavailable)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{BaseURL: "https://authority.test"})
	require.Error(t, err)

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

func TestReferenceFromLocation(t *testing.T) {
	assert.Equal(t, "42", referenceFromLocation("https://x.test/declarations/42/"))
	assert.Equal(t, "42", referenceFromLocation("/declarations/42"))
	assert.Equal(t, "", referenceFromLocation(""))
}
