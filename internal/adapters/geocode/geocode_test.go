package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Geocode(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantLat float64
		wantLng float64
		wantErr error
		anyErr  bool
	}{
		{name: "object", status: 200, body: `{"latitude":37.56,"longitude":126.97}`, wantLat: 37.56, wantLng: 126.97},
		{name: "nominatim array", status: 200, body: `[{"lat":"37.5","lon":"127.0"},{"lat":"1","lon":"1"}]`, wantLat: 37.5, wantLng: 127},
		{name: "empty array", status: 200, body: `[]`, wantErr: ErrNoMatch},
		{name: "not found", status: 404, wantErr: ErrNoMatch},
		{name: "server error", status: 502, anyErr: true},
		{name: "out of range", status: 200, body: `{"lat":91,"lng":0}`, anyErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "1 Main St", r.URL.Query().Get("q"))
				assert.Equal(t, "key", r.URL.Query().Get("api_key"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(Options{URL: srv.URL + "/search?api_key=key"})
			require.NoError(t, err)

			p, err := c.Geocode(context.Background(), "1 Main St")
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.InDelta(t, tt.wantLat, p.Latitude, 1e-9)
				assert.InDelta(t, tt.wantLng, p.Longitude, 1e-9)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrMissingURL)
	_, err = New(Options{URL: "not a url"})
	require.Error(t, err)
}
