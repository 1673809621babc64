package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostStreamsMultipartArchive(t *testing.T) {
	var archive = filepath.Join(t.TempDir(), "input.tar")
	require.NoError(t, os.WriteFile(archive, []byte("tar-bytes"), 0644))

	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "ct-head-stroke", r.URL.Query().Get("human_readable_id"))

		var file, header, err = r.FormFile("tar_file")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "input.tar", header.Filename)

		body, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "tar-bytes", string(body))

		require.NoError(t, json.NewEncoder(w).Encode("uid-0042"))
	}))
	defer server.Close()

	var client = testClient(t)
	uid, err := client.Post(context.Background(), server.URL, "ct-head-stroke", archive)
	require.NoError(t, err)
	require.Equal(t, "uid-0042", uid)
}

func TestPostSurfacesServerErrors(t *testing.T) {
	var archive = filepath.Join(t.TempDir(), "input.tar")
	require.NoError(t, os.WriteFile(archive, []byte("tar-bytes"), 0644))

	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown model", http.StatusNotFound)
	}))
	defer server.Close()

	var client = testClient(t)
	_, err := client.Post(context.Background(), server.URL, "nope", archive)
	require.ErrorContains(t, err, "unknown model")
}

func TestGetStatusMapping(t *testing.T) {
	var cases = []struct {
		status  int
		outcome Outcome
	}{
		{200, OutcomeReady},
		{551, OutcomePending},
		{554, OutcomePending},
		{500, OutcomeFailed},
		{405, OutcomeFailed},
		{552, OutcomeFailed},
		{553, OutcomeFailed},
		{404, OutcomeTransient},
		{503, OutcomeTransient},
	}
	for _, tc := range cases {
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/outputs/", r.URL.Path)
			require.Equal(t, "uid-7", r.URL.Query().Get("uid"))
			w.WriteHeader(tc.status)
			if tc.status == 200 {
				w.Write([]byte("output-tar"))
			}
		}))

		var client = testClient(t)
		outcome, body, err := client.Get(context.Background(), server.URL, "uid-7")
		require.NoError(t, err, "status %d", tc.status)
		require.Equal(t, tc.outcome, outcome, "status %d", tc.status)
		if tc.outcome == OutcomeReady {
			require.Equal(t, "output-tar", string(body))
		} else {
			require.Nil(t, body)
		}
		server.Close()
	}
}

func TestDelete(t *testing.T) {
	var deleted bool
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/", r.URL.Path)
		require.Equal(t, "uid-7", r.URL.Query().Get("uid"))
		deleted = true
	}))
	defer server.Close()

	var client = testClient(t)
	require.NoError(t, client.Delete(context.Background(), server.URL, "uid-7"))
	require.True(t, deleted)
}

func TestParseTrustRoot(t *testing.T) {
	var root, err = ParseTrustRoot("")
	require.NoError(t, err)
	require.Equal(t, TrustSystem, root.Mode)

	root, err = ParseTrustRoot("System")
	require.NoError(t, err)
	require.Equal(t, TrustSystem, root.Mode)

	root, err = ParseTrustRoot("/etc/ssl/private/model-ca.pem")
	require.NoError(t, err)
	require.Equal(t, TrustPath, root.Mode)
	require.Equal(t, "/etc/ssl/private/model-ca.pem", root.Path)

	// This build permits it; production builds reject it.
	root, err = ParseTrustRoot("insecure")
	require.NoError(t, err)
	require.Equal(t, TrustInsecure, root.Mode)
}

func testClient(t *testing.T) *Client {
	var client, err = NewClient(TrustRoot{Mode: TrustSystem}, 5*time.Second)
	require.NoError(t, err)
	return client
}
