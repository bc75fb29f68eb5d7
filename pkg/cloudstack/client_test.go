package cloudstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey    = "hoge"
	testSecretKey = "fuga"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := ClientConfig{
		BaseURL:      srv.URL + "/client/api",
		APIKey:       testAPIKey,
		SecretKey:    testSecretKey,
		VerifySSL:    true,
		Timeout:      5 * time.Second,
		PageSize:     2,
		RetryInitial: time.Millisecond,
		Namespace:    "cloudstack",
		HTTPClient:   srv.Client(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return client
}

// verifySignature recomputes the signature from the received query.
func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	q := r.URL.Query()
	sig := q.Get("signature")
	q.Del("signature")
	assert.Equal(t, Sign(q, testSecretKey), sig, "signature mismatch for %s", r.URL.RawQuery)
	assert.Equal(t, testAPIKey, q.Get("apiKey"))
	assert.Equal(t, "json", q.Get("response"))
	return q
}

func TestSignKnownVector(t *testing.T) {
	// Regression vector computed independently with HMAC-SHA1 over the lowercased query.
	params := url.Values{}
	params.Set("command", "listUsers")
	params.Set("apikey", "miVr6X7u6bN_sdahOBpjNejPgEsT35eXq-jB8CG20YI3yaxXcgpyuaIRmFI_EJTVwZ0nUkkJbPmY3y2bciKwFQ")
	params.Set("response", "json")

	want := "7/4DCg7EoFzRI3MFubv4EsRjTKU="
	assert.Equal(t, want, Sign(params, "VDaACYb0LV9eNjTetIOElcVQkvJck_J_QljX_FcHRj87ZKiy0z0ty0ZsYBkoXkY9b7eq1EhwJaw7FF3akA3KBQ"))
}

func TestEncodeQueryEscapesSpacesAsPercent20(t *testing.T) {
	params := url.Values{}
	params.Set("startdate", "2014-03-11 10:20:30")
	params.Set("Command", "listEvents")

	assert.Equal(t, "Command=listEvents&startdate=2014-03-11%2010%3A20%3A30", encodeQuery(params))
}

func TestListEventsSendsStartDateAndDomain(t *testing.T) {
	var seen url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = verifySignature(t, r)
		fmt.Fprint(w, `{"listeventsresponse":{"count":1,"event":[{"id":"e1","created":"2014-03-11T10:20:30+0900","type":"VM.CREATE","level":"INFO"}]}}`)
	})

	start := time.Date(2014, 3, 11, 10, 20, 30, 0, time.FixedZone("", 9*3600))
	events, err := client.ListEvents(context.Background(), "domain-1", start)
	require.NoError(t, err)

	assert.Equal(t, "listEvents", seen.Get("command"))
	assert.Equal(t, "domain-1", seen.Get("domainid"))
	assert.Equal(t, "2014-03-11 10:20:30", seen.Get("startdate"))
	assert.Equal(t, "1", seen.Get("page"))
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID())
	assert.Equal(t, "VM.CREATE", events[0]["type"])

	created, err := events[0].Created()
	require.NoError(t, err)
	assert.True(t, created.Equal(start))
}

func TestListEventsWithoutStartDateOrDomain(t *testing.T) {
	var seen url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = verifySignature(t, r)
		fmt.Fprint(w, `{"listeventsresponse":{}}`)
	})

	events, err := client.ListEvents(context.Background(), "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NotNil(t, events)
	_, hasStart := seen["startdate"]
	_, hasDomain := seen["domainid"]
	assert.False(t, hasStart)
	assert.False(t, hasDomain)
}

func TestListVirtualMachinesPaginates(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := verifySignature(t, r)
		calls.Add(1)
		page, _ := strconv.Atoi(q.Get("page"))
		switch page {
		case 1:
			fmt.Fprint(w, `{"listvirtualmachinesresponse":{"count":3,"virtualmachine":[
				{"id":"a","memory":1024,"cpunumber":2,"serviceofferingname":"Small"},
				{"id":"b","memory":"2048","cpunumber":4,"serviceofferingname":"Medium"}]}}`)
		case 2:
			fmt.Fprint(w, `{"listvirtualmachinesresponse":{"count":3,"virtualmachine":[
				{"id":"c","memory":512,"cpunumber":1,"serviceofferingname":"Small"}]}}`)
		default:
			t.Errorf("unexpected page %d", page)
		}
	})

	vms, err := client.ListVirtualMachines(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, vms, 3)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(2048), vms[1].MemoryMB())
	assert.Equal(t, int64(4), vms[1].CPUCount())
	assert.Equal(t, "Small", vms[2].ServiceOfferingName)
}

func TestListVolumesStopsAtReportedCount(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"listvolumesresponse":{"count":2,"volume":[
			{"id":"r","type":"ROOT","size":100},
			{"id":"d","type":"DATADISK","size":50,"diskofferingname":"Small Disk"}]}}`)
	})

	vols, err := client.ListVolumes(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, vols, 2)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, VolumeTypeRoot, vols[0].Type)
	assert.Equal(t, int64(50), vols[1].SizeBytes())
	assert.Equal(t, "Small Disk", vols[1].DiskOfferingName)
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(statusCredentialsInvalid)
		fmt.Fprint(w, `{"listeventsresponse":{"errorcode":432,"errortext":"unable to verify user credentials and/or request signature"}}`)
	})

	_, err := client.ListEvents(context.Background(), "", time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerrors.ErrUnauthorized))
	assert.True(t, internalerrors.IsAuthError(err))
	assert.Contains(t, err.Error(), "unable to verify user credentials")
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"listvolumesresponse":{"count":0}}`)
	})

	vols, err := client.ListVolumes(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, vols)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServerErrorGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(530)
		fmt.Fprint(w, `{"listvolumesresponse":{"errorcode":530,"errortext":"internal error"}}`)
	})

	_, err := client.ListVolumes(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, internalerrors.ErrorTypeAPI, internalerrors.TypeOf(err))
	assert.Equal(t, int32(defaultMaxRetries), calls.Load())
}

func TestParameterErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(431)
		fmt.Fprint(w, `{"listeventsresponse":{"errorcode":431,"errortext":"Unable to parse date"}}`)
	})

	_, err := client.ListEvents(context.Background(), "", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to parse date")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMalformedResponseIsDecodeError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	})

	_, err := client.ListVirtualMachines(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerrors.ErrMalformedResponse))
}

func TestConnectionErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: baseURL, APIKey: "k", SecretKey: "s", MaxRetries: 1})
	require.NoError(t, err)

	_, err = client.ListVolumes(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerrors.ErrConnectionFailed))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{APIKey: "k", SecretKey: "s"})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{BaseURL: "https://h/client/api"})
	assert.Error(t, err)
}

func TestOpName(t *testing.T) {
	assert.Equal(t, "list_events", opName("listEvents"))
	assert.Equal(t, "list_virtual_machines", opName("listVirtualMachines"))
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2014-03-11T10:20:30+0900",
		"2014-03-11T01:20:30Z",
		"2014-03-11T10:20:30+09:00",
	} {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.Equal(t, int64(1394500830), ts.Unix(), s)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)

	_, err = Event{"id": "x"}.Created()
	assert.Error(t, err)
	_, err = Event{"created": 12}.Created()
	assert.Error(t, err)
}

func TestBackoffNextDelay(t *testing.T) {
	cfg := backoffConfig{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.nextDelay(0, 0.5))
	assert.Equal(t, 2*time.Second, cfg.nextDelay(1, 0.5))
	assert.Equal(t, 5*time.Second, cfg.nextDelay(4, 0.5))

	jittered := backoffConfig{Initial: time.Second, Multiplier: 2, Jitter: 0.5}
	assert.Equal(t, 500*time.Millisecond, jittered.nextDelay(0, 0))
	assert.Equal(t, 1500*time.Millisecond, jittered.nextDelay(0, 1))
}
