package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/client"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/scheduler"
)

type fakeRegisterClient struct {
	readData  []byte
	readErr   error
	writeErr  error
	lastRead  [2]uint16 // register, size
	lastWrite [2]uint16 // register, value
}

func (f *fakeRegisterClient) ReadRegisters(_ context.Context, register, size uint16) ([]byte, error) {
	f.lastRead = [2]uint16{register, size}
	return f.readData, f.readErr
}

func (f *fakeRegisterClient) WriteRegister(_ context.Context, register, value uint16) error {
	f.lastWrite = [2]uint16{register, value}
	return f.writeErr
}

type fakeRefresher struct {
	result domain.GroupResult
	err    error
}

func (f *fakeRefresher) Refresh(_ context.Context, group string) (domain.GroupResult, error) {
	if group == "bogus" {
		return domain.GroupResult{}, fmt.Errorf("%w: %q", scheduler.ErrUnknownGroup, group)
	}
	return f.result, f.err
}

func (f *fakeRefresher) Groups() []string { return []string{"realtime"} }

func newTestServer(fc *fakeRegisterClient, fr *fakeRefresher) *Server {
	cfg := config.DefaultConfig()
	cfg.Inverters = []string{"SER1", "SER2"}

	registry := domain.NewInverterRegistry(cfg.Inverters)
	targets := map[string]Target{
		"SER1": {Client: fc, Refresher: fr},
		"SER2": {Client: fc, Refresher: fr},
	}
	return NewServer(cfg, registry, targets)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(&fakeRegisterClient{}, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["inverterCount"])
}

func TestHandleListInverters(t *testing.T) {
	s := newTestServer(&fakeRegisterClient{}, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/inverters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	inverters := body["inverters"].([]interface{})
	first := inverters[0].(map[string]interface{})
	assert.Equal(t, "SER1", first["serial"])
}

func TestHandleReadRegister(t *testing.T) {
	fc := &fakeRegisterClient{readData: []byte{0x01, 0x2C}}
	s := newTestServer(fc, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/read", map[string]string{
		"register":        "0x40a5",
		"register_format": ">H",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "SER1", body["serial"], "defaults to first configured inverter")
	assert.Equal(t, "0x40a5", body["register"])
	assert.Equal(t, "012c", body["hex"])
	assert.Equal(t, float64(300), body["register_value"])
	assert.Equal(t, [2]uint16{0x40A5, 1}, fc.lastRead)
}

func TestHandleReadRegisterRawAndDecimal(t *testing.T) {
	fc := &fakeRegisterClient{readData: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	s := newTestServer(fc, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/read", map[string]string{
		"serial":        "SER2",
		"register":      "16384", // 0x4000 in decimal
		"register_size": "2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "SER2", body["serial"])
	assert.Equal(t, "0x4000", body["register"])
	assert.Equal(t, "deadbeef", body["hex"])
	_, hasValue := body["register_value"]
	assert.False(t, hasValue, "no format means raw passthrough")
	assert.Equal(t, [2]uint16{0x4000, 2}, fc.lastRead)
}

func TestHandleReadRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
		code int
	}{
		{"bad register", map[string]string{"register": "zz"}, http.StatusBadRequest},
		{"bad format", map[string]string{"register": "0x4000", "register_format": "H>"}, http.StatusBadRequest},
		{"bad size", map[string]string{"register": "0x4000", "register_size": "-1"}, http.StatusBadRequest},
		{"unknown serial", map[string]string{"register": "0x4000", "serial": "NOPE"}, http.StatusNotFound},
	}

	s := newTestServer(&fakeRegisterClient{readData: []byte{0, 0}}, &fakeRefresher{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/read", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandleReadRegisterTransactionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", fmt.Errorf("%w: read", client.ErrTimeout), http.StatusGatewayTimeout},
		{"in flight", fmt.Errorf("%w: read", client.ErrTransactionInFlight), http.StatusConflict},
		{"transport", fmt.Errorf("%w: broker", client.ErrTransport), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeRegisterClient{readErr: tt.err}
			s := newTestServer(fc, &fakeRefresher{})

			rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/read", map[string]string{
				"register": "0x4000",
			})
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandleWriteRegister(t *testing.T) {
	fc := &fakeRegisterClient{}
	s := newTestServer(fc, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/write", map[string]string{
		"register":       "0x3248",
		"register_value": "3300",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]uint16{0x3248, 3300}, fc.lastWrite)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(3300), body["register_value"])
}

func TestSuccessfulTransactionsTouchLastContact(t *testing.T) {
	fc := &fakeRegisterClient{readData: []byte{0x01, 0x2C}}
	s := newTestServer(fc, &fakeRefresher{})

	before := s.registry.All()[0].LastContact
	assert.True(t, before.IsZero())

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/read", map[string]string{
		"register": "0x4000",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	afterRead := s.registry.All()[0].LastContact
	assert.False(t, afterRead.IsZero(), "a resolved read updates last contact")

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/write", map[string]string{
		"register":       "0x3248",
		"register_value": "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	afterWrite := s.registry.All()[0].LastContact
	assert.False(t, afterWrite.Before(afterRead))

	// A failed transaction must not register as device contact.
	fcErr := &fakeRegisterClient{readErr: fmt.Errorf("%w: read", client.ErrTimeout)}
	sErr := newTestServer(fcErr, &fakeRefresher{})
	rec = doJSON(t, sErr.Handler(), http.MethodPost, "/api/v1/registers/read", map[string]string{
		"register": "0x4000",
	})
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.True(t, sErr.registry.All()[0].LastContact.IsZero())
}

func TestHandleSetAppMode(t *testing.T) {
	fc := &fakeRegisterClient{}
	s := newTestServer(fc, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/app_mode", map[string]string{
		"mode": "time_of_use",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]uint16{0x3247, 1}, fc.lastWrite)

	body := decodeBody(t, rec)
	assert.Equal(t, "time_of_use", body["mode"])

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/registers/app_mode", map[string]string{
		"mode": "turbo",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefreshGroup(t *testing.T) {
	fr := &fakeRefresher{result: domain.GroupResult{
		Serial: "SER1",
		Group:  "realtime",
		Values: map[uint16]domain.RegisterValue{
			0x40A5: {Register: 0x40A5, Name: "summary_pv_power", Value: int64(1500), Scaled: 1500},
		},
		At: time.Now(),
	}}
	s := newTestServer(&fakeRegisterClient{}, fr)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/refresh/realtime", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "realtime", body["group"])
	values := body["values"].(map[string]interface{})
	pv := values["summary_pv_power"].(map[string]interface{})
	assert.Equal(t, "0x40a5", pv["register"])
	assert.Equal(t, float64(1500), pv["value"])
	_, isPartial := body["partial"]
	assert.False(t, isPartial)
}

func TestHandleRefreshGroupPartial(t *testing.T) {
	fr := &fakeRefresher{
		result: domain.GroupResult{
			Serial: "SER1",
			Group:  "realtime",
			Values: map[uint16]domain.RegisterValue{
				0x4031: {Register: 0x4031, Name: "grid_voltage", Value: int64(2301), Scaled: 230.1},
			},
			At: time.Now(),
		},
		err: &scheduler.PartialFailureError{
			Group:  "realtime",
			Failed: []uint16{0x40A0},
		},
	}
	s := newTestServer(&fakeRegisterClient{}, fr)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/refresh/realtime", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["partial"])
	assert.Equal(t, []interface{}{"0x40a0"}, body["failedRegisters"])
	values := body["values"].(map[string]interface{})
	assert.Contains(t, values, "grid_voltage")
}

func TestHandleRefreshUnknownGroup(t *testing.T) {
	s := newTestServer(&fakeRegisterClient{}, &fakeRefresher{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/refresh/bogus", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
