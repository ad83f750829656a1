// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package weaver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/weaver/pkg/weaver/lib/model"
	"github.com/antflydb/weaver/pkg/weaver/lib/translate"
	"github.com/antflydb/weaver/pkg/weaver/lib/vocab"
)

// mockRegistry serves real table-backed translators without touching disk.
type mockRegistry struct {
	translators map[string]*translate.Translator
}

func (m *mockRegistry) Get(modelName string) (*translate.Translator, error) {
	translator, ok := m.translators[modelName]
	if !ok {
		return nil, fmt.Errorf("translation model not found: %s", modelName)
	}
	return translator, nil
}

func (m *mockRegistry) List() []string {
	names := make([]string, 0, len(m.translators))
	for name := range m.translators {
		names = append(names, name)
	}
	return names
}

func (m *mockRegistry) Close() error { return nil }

func newTestServer(t *testing.T, queueCfg RequestQueueConfig) *Server {
	t.Helper()

	m, err := model.NewTableModel(model.TableConfig{
		VocabSize:  16,
		HiddenSize: 4,
		Lexicon:    map[int]int{4: 10, 5: 11, 6: 12, 7: 13},
	})
	require.NoError(t, err)
	src := vocab.NewDict([]string{"<unk>", "<blank>", "<s>", "</s>", "das", "ist", "ein", "test"})
	tgt := vocab.NewDict([]string{
		"<unk>", "<blank>", "<s>", "</s>",
		"w4", "w5", "w6", "w7", "w8", "w9",
		"this", "is", "a", "test", "w14", "w15",
	})
	translator, err := translate.New(m, src, tgt, translate.Options{
		BeamSize:  2,
		NBest:     2,
		MaxLength: 20,
		Precision: 5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	registry := &mockRegistry{translators: map[string]*translate.Translator{"de-en": translator}}
	return NewServer(registry, ServerConfig{
		ListenAddr: ":0",
		Queue:      queueCfg,
		Logger:     zaptest.NewLogger(t),
	})
}

func postTranslate(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/translate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleTranslate(t *testing.T) {
	srv := newTestServer(t, RequestQueueConfig{})
	handler := srv.Handler()

	t.Run("Success", func(t *testing.T) {
		rec := postTranslate(t, handler, `{"model":"de-en","texts":["das ist ein test"]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp TranslateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.RequestID)
		assert.Equal(t, "de-en", resp.Model)
		require.Len(t, resp.Results, 1)
		require.False(t, resp.Results[0].Failed())
		require.NotEmpty(t, resp.Results[0].Translation.Candidates)
		assert.Equal(t, "this is a test", resp.Results[0].Translation.Candidates[0].Text)
	})

	t.Run("PerSequenceErrorsStayInBand", func(t *testing.T) {
		body := `{"model":"de-en","texts":["das ist ein test","das ist ein test"],"attention":[{"0":99},{}]}`
		rec := postTranslate(t, handler, body)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TranslateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 2)
		require.True(t, resp.Results[0].Failed())
		assert.Equal(t, translate.ErrorKindConfig, resp.Results[0].Err.Kind)
		require.False(t, resp.Results[1].Failed())
		assert.Equal(t, "this is a test", resp.Results[1].Translation.Candidates[0].Text)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rec := postTranslate(t, handler, `{"model":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid JSON")
	})

	t.Run("EmptyTexts", func(t *testing.T) {
		rec := postTranslate(t, handler, `{"model":"de-en","texts":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "texts is required")
	})

	t.Run("UnknownModel", func(t *testing.T) {
		rec := postTranslate(t, handler, `{"model":"nope","texts":["das"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "not found")
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/translate", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleTranslateQueueFull(t *testing.T) {
	srv := newTestServer(t, RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          1,
	})
	handler := srv.Handler()

	// Hold the only decode slot, then park a waiter in the queue so the
	// next request is rejected.
	release, err := srv.Queue().Acquire(t.Context())
	require.NoError(t, err)
	defer release()

	waiterCtx, cancelWaiter := context.WithCancel(t.Context())
	defer cancelWaiter()
	go func() {
		if rel, err := srv.Queue().Acquire(waiterCtx); err == nil {
			rel()
		}
	}()
	require.Eventually(t, func() bool {
		return srv.Queue().Stats().CurrentQueued == 1
	}, time.Second, time.Millisecond)

	rec := postTranslate(t, handler, `{"model":"de-en","texts":["das ist"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandleTranslateQueueTimeout(t *testing.T) {
	srv := newTestServer(t, RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          2,
		RequestTimeout:        20 * time.Millisecond,
	})

	release, err := srv.Queue().Acquire(t.Context())
	require.NoError(t, err)
	defer release()

	rec := postTranslate(t, srv.Handler(), `{"model":"de-en","texts":["das ist"]}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandleModels(t *testing.T) {
	srv := newTestServer(t, RequestQueueConfig{})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"de-en"}, resp.Models)

	req = httptest.NewRequest(http.MethodPost, "/api/models", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, RequestQueueConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, RequestQueueConfig{})
	handler := srv.Handler()

	// Serve one translation so the counters have samples to expose.
	rec := postTranslate(t, handler, `{"model":"de-en","texts":["das ist ein test"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weaver_requests_total")
	assert.Contains(t, rec.Body.String(), "weaver_request_duration_seconds")
}
