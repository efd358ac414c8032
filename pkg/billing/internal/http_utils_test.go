package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyStrict(t *testing.T) {
	t.Run("reads exact bytes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"evt_1"}`))
		body, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"evt_1"}`, string(body))
	})

	t.Run("rejects empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		assert.Error(t, err)
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 10)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	err := WriteJSON(rec, http.StatusOK, map[string]bool{"received": true})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}
