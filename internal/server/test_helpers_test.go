package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mutex  sync.Mutex
	prefix string
	next   int
}

func (ids *sequentialIDs) NewID() (string, error) {
	ids.mutex.Lock()
	defer ids.mutex.Unlock()
	ids.next++
	return fmt.Sprintf("%s-%03d", ids.prefix, ids.next), nil
}

type steppingClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *steppingClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(time.Second)
	return clock.current
}

type recordedRestore struct {
	outcome  history.RestoreOutcome
	userID   string
	userName string
}

type recordingNotifier struct {
	mutex    sync.Mutex
	restores []recordedRestore
}

func (notifier *recordingNotifier) NotifyRestored(outcome history.RestoreOutcome, userID, userName string) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.restores = append(notifier.restores, recordedRestore{outcome: outcome, userID: userID, userName: userName})
}

type stubVerifier map[string]auth.Principal

func (verifier stubVerifier) Verify(_ context.Context, rawToken string) (auth.Principal, error) {
	principal, ok := verifier[rawToken]
	if !ok {
		return auth.Principal{}, auth.ErrAuthenticationFailed
	}
	return principal, nil
}

type serverFixture struct {
	handler   http.Handler
	documents *documents.Service
	store     *history.Store
	notifier  *recordingNotifier
	clock     *steppingClock
}

type fixtureOptions struct {
	rateLimit RateLimitConfig
	ping      func(ctx context.Context) error
	logger    *zap.Logger
}

func newServerFixture(t *testing.T, options fixtureOptions) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDatabase, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDatabase.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&documents.Document{}, &history.ChangeRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	store, err := history.NewStore(history.StoreConfig{Database: database, Clock: clock.Now, IDProvider: &sequentialIDs{prefix: "ver"}})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   database,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{prefix: "doc"},
		Dependents: []documents.DependentCleaner{store},
	})
	if err != nil {
		t.Fatalf("failed to build document service: %v", err)
	}

	notifier := &recordingNotifier{}
	ping := options.ping
	if ping == nil {
		ping = sqlDatabase.PingContext
	}
	handler, err := NewHTTPHandler(Dependencies{
		Documents:       documentService,
		History:         store,
		Realtime:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }),
		RestoreNotifier: notifier,
		Verifier: stubVerifier{
			"token-ada": {Provider: auth.ProviderSession, UserID: "ada", DisplayName: "Ada"},
		},
		Ping:           ping,
		AuthMode:       "session",
		AllowedOrigins: []string{"http://localhost:3000"},
		RateLimit:      options.rateLimit,
		Logger:         options.logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return serverFixture{handler: handler, documents: documentService, store: store, notifier: notifier, clock: clock}
}

func (fixture serverFixture) createDocument(t *testing.T, title string) documents.DocumentID {
	t.Helper()
	parsedTitle, err := documents.NewTitle(title)
	if err != nil {
		t.Fatalf("invalid title: %v", err)
	}
	document, err := fixture.documents.Create(context.Background(), parsedTitle)
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return documents.DocumentID(document.ID)
}

func (fixture serverFixture) append(t *testing.T, documentID documents.DocumentID, userID string, payload history.Payload) history.Record {
	t.Helper()
	record, err := fixture.store.Append(context.Background(), history.AppendRequest{DocumentID: documentID, UserID: userID, Payload: payload})
	if err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	return record
}

func (fixture serverFixture) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
