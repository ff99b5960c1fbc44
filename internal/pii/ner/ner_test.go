package ner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/piigate/internal/pii"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDetect_MapsEntitiesAndOffsets(t *testing.T) {
	text := "Привет, John Smith из Berlin"
	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		// Code point offsets: "Привет, " is 8 runes.
		_ = json.NewEncoder(w).Encode([]analyzeResult{
			{EntityType: "PERSON", Start: 8, End: 18, Score: 0.85},
			{EntityType: "LOCATION", Start: 22, End: 28, Score: 0.7},
			{EntityType: "ORGANIZATION", Start: 0, End: 6, Score: 0.3},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithLanguage("de"), WithLogger(silentLogger()))
	spans, err := c.Detect(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, text, got.Text)
	assert.Equal(t, "de", got.Language)
	assert.Equal(t, DefaultEntities, got.Entities)

	require.Len(t, spans, 3)
	assert.Equal(t, pii.KindPerson, spans[0].Kind)
	assert.Equal(t, "John Smith", text[spans[0].Start:spans[0].End])
	assert.Equal(t, pii.KindLocation, spans[1].Kind)
	assert.Equal(t, "Berlin", text[spans[1].Start:spans[1].End])
	assert.Equal(t, pii.Kind("ORGANIZATION"), spans[2].Kind)
	assert.Equal(t, "Привет", text[spans[2].Start:spans[2].End])
	assert.InDelta(t, 0.85, spans[0].Confidence, 1e-9)
}

func TestDetect_OutOfRangeOffsetsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]analyzeResult{{EntityType: "PERSON", Start: 2, End: 99, Score: 1}})
	}))
	defer srv.Close()

	spans, err := New(srv.URL, WithLogger(silentLogger())).Detect(context.Background(), "hi Ann")
	require.NoError(t, err)
	require.Len(t, spans, 1)

	sanitized, v := pii.Redact("hi Ann", spans)
	assert.Equal(t, "hi Ann", sanitized)
	assert.Equal(t, 1, v.Dropped()[pii.DropOutOfRange])
}

func TestDetect_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithLogger(silentLogger())).Detect(context.Background(), "hi Ann")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDetect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, WithLogger(silentLogger())).Detect(context.Background(), "hi Ann")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestDetect_BlankTextSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	spans, err := New(srv.URL).Detect(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, spans)
	assert.False(t, called)
}

func TestByteOffsets(t *testing.T) {
	assert.Equal(t, []int{0, 1, 3, 4}, byteOffsets("aéb"))
	assert.Equal(t, []int{0}, byteOffsets(""))
}
