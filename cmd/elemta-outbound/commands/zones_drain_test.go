package commands

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout redirects os.Stdout for the duration of fn and returns
// whatever was written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = orig

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestZonesCommandPrintsAdminServerSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/zones", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"zones":[{"name":"z1","workers":2,"released":5}],"circuits":{"mx.example.test:203.0.113.1":"open"}}`))
	}))
	defer srv.Close()

	adminURL = srv.URL
	out := captureStdout(t, func() { zonesCmd.Run(zonesCmd, nil) })

	assert.Contains(t, out, "z1")
	assert.Contains(t, out, "released=5")
	assert.Contains(t, out, "mx.example.test:203.0.113.1")
	assert.Contains(t, out, "open")
}

func TestDrainCommandPostsToAdminServer(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adminURL = srv.URL
	out := captureStdout(t, func() { drainCmd.Run(drainCmd, nil) })

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/drain", gotPath)
	assert.Contains(t, out, "Drain requested")
}
