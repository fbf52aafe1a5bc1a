package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
)

type versionsScenario struct {
	fixture    serverFixture
	documentID string
	first      history.Record
	cursor     history.Record
	second     history.Record
}

func newVersionsScenario(t *testing.T) versionsScenario {
	t.Helper()
	fixture := newServerFixture(t, fixtureOptions{})
	documentID := fixture.createDocument(t, "Design review")
	first := fixture.append(t, documentID, "u1", history.YjsUpdate{Update: "AAA", UserName: "Alice"})
	cursor := fixture.append(t, documentID, "u2", history.Presence{UserName: "Carol", Cursor: json.RawMessage(`{"anchor":1}`)})
	second := fixture.append(t, documentID, "u1", history.YjsUpdate{Update: "BBB"})
	return versionsScenario{fixture: fixture, documentID: documentID.String(), first: first, cursor: cursor, second: second}
}

func TestListVersionsNewestFirst(t *testing.T) {
	scenario := newVersionsScenario(t)

	recorder := scenario.fixture.do(t, http.MethodGet, "/documents/"+scenario.documentID+"/versions?limit=3", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var versions []versionSummaryResponse
	decodeBody(t, recorder, &versions)
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	expectedKinds := []history.Kind{history.KindYjsUpdate, history.KindPresence, history.KindYjsUpdate}
	for index, version := range versions {
		if version.Kind != expectedKinds[index] {
			t.Fatalf("unexpected kind at %d: %s", index, version.Kind)
		}
		if version.DocumentID != scenario.documentID {
			t.Fatalf("unexpected document id %s", version.DocumentID)
		}
	}
	if versions[0].ID != scenario.second.ID.String() || versions[2].ID != scenario.first.ID.String() {
		t.Fatalf("unexpected order %+v", versions)
	}
	if versions[0].UserName != "u1" {
		t.Fatalf("expected user name to fall back to user id, got %q", versions[0].UserName)
	}
	if versions[1].UserName != "Carol" || versions[2].UserName != "Alice" {
		t.Fatalf("unexpected user names %+v", versions)
	}
}

func TestListVersionsClampsLimitAndPagesWithCursor(t *testing.T) {
	scenario := newVersionsScenario(t)
	base := "/documents/" + scenario.documentID + "/versions"

	var versions []versionSummaryResponse
	decodeBody(t, scenario.fixture.do(t, http.MethodGet, base+"?limit=0", nil, nil), &versions)
	if len(versions) != 1 {
		t.Fatalf("expected limit to clamp to 1, got %d", len(versions))
	}
	decodeBody(t, scenario.fixture.do(t, http.MethodGet, base+"?limit=100000", nil, nil), &versions)
	if len(versions) != 3 {
		t.Fatalf("expected all versions for large limit, got %d", len(versions))
	}
	decodeBody(t, scenario.fixture.do(t, http.MethodGet, base+"?before="+scenario.cursor.ID.String(), nil, nil), &versions)
	if len(versions) != 1 || versions[0].ID != scenario.first.ID.String() {
		t.Fatalf("expected only the oldest version before the cursor, got %+v", versions)
	}

	if recorder := scenario.fixture.do(t, http.MethodGet, base+"?limit=ten", nil, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric limit, got %d", recorder.Code)
	}
	if recorder := scenario.fixture.do(t, http.MethodGet, base+"?before=unknown", nil, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown cursor, got %d", recorder.Code)
	}
	if recorder := scenario.fixture.do(t, http.MethodGet, "/documents/missing/versions", nil, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", recorder.Code)
	}
}

func TestGetVersionReplaysUpdatesThroughTarget(t *testing.T) {
	scenario := newVersionsScenario(t)

	recorder := scenario.fixture.do(t, http.MethodGet, "/documents/"+scenario.documentID+"/versions/"+scenario.cursor.ID.String(), nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var snapshot versionSnapshotResponse
	decodeBody(t, recorder, &snapshot)
	if len(snapshot.YjsUpdates) != 1 || snapshot.YjsUpdates[0] != "AAA" {
		t.Fatalf("expected only the first update, got %v", snapshot.YjsUpdates)
	}
	if snapshot.VersionID != scenario.cursor.ID.String() || !snapshot.VersionTimestamp.Equal(scenario.cursor.Timestamp) {
		t.Fatalf("unexpected snapshot header %+v", snapshot)
	}

	missing := scenario.fixture.do(t, http.MethodGet, "/documents/"+scenario.documentID+"/versions/ver-999", nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown version, got %d", missing.Code)
	}
	var failure errorResponse
	decodeBody(t, missing, &failure)
	if failure.Error != errorNotFound {
		t.Fatalf("unexpected error body %+v", failure)
	}
}

func TestRestoreAppendsRecordAndTouchesDocument(t *testing.T) {
	scenario := newVersionsScenario(t)
	target := "/documents/" + scenario.documentID + "/versions/" + scenario.second.ID.String() + "/restore"

	recorder := scenario.fixture.do(t, http.MethodPost, target, map[string]string{"user_id": "u9", "user_name": "Bob"}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var restored restoreResponse
	decodeBody(t, recorder, &restored)
	if restored.RestoredFromVersionID != scenario.second.ID.String() || restored.DocumentID != scenario.documentID {
		t.Fatalf("unexpected restore response %+v", restored)
	}

	var versions []versionSummaryResponse
	decodeBody(t, scenario.fixture.do(t, http.MethodGet, "/documents/"+scenario.documentID+"/versions?limit=1", nil, nil), &versions)
	if len(versions) != 1 || versions[0].Kind != history.KindRestore || versions[0].UserID != "u9" || versions[0].UserName != "Bob" {
		t.Fatalf("unexpected newest version %+v", versions)
	}
	record, err := scenario.fixture.store.FindByID(context.Background(), scenario.second.DocumentID, history.VersionID(versions[0].ID))
	if err != nil {
		t.Fatalf("failed to load restore record: %v", err)
	}
	restorePayload, ok := record.Payload.(history.Restore)
	if !ok || restorePayload.TargetVersionID != scenario.second.ID.String() {
		t.Fatalf("unexpected restore payload %#v", record.Payload)
	}

	var document documentResponse
	decodeBody(t, scenario.fixture.do(t, http.MethodGet, "/documents/"+scenario.documentID, nil, nil), &document)
	if !document.UpdatedAt.Equal(restored.RestoredAt) {
		t.Fatalf("expected updated_at %s to equal restored_at %s", document.UpdatedAt, restored.RestoredAt)
	}

	if len(scenario.fixture.notifier.restores) != 1 || scenario.fixture.notifier.restores[0].userName != "Bob" {
		t.Fatalf("expected one restore notification, got %+v", scenario.fixture.notifier.restores)
	}
}

func TestRestoreDefaultsToBearerPrincipalOrAnonymous(t *testing.T) {
	scenario := newVersionsScenario(t)
	target := "/documents/" + scenario.documentID + "/versions/" + scenario.first.ID.String() + "/restore"

	recorder := scenario.fixture.do(t, http.MethodPost, target, nil, map[string]string{"Authorization": "Bearer token-ada"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = scenario.fixture.do(t, http.MethodPost, target, nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	restores := scenario.fixture.notifier.restores
	if len(restores) != 2 {
		t.Fatalf("expected two notifications, got %d", len(restores))
	}
	if restores[0].userID != "ada" || restores[0].userName != "Ada" {
		t.Fatalf("unexpected bearer attribution %+v", restores[0])
	}
	if restores[1].userID != anonymousUser || restores[1].userName != anonymousUser {
		t.Fatalf("unexpected anonymous attribution %+v", restores[1])
	}

	forged := scenario.fixture.do(t, http.MethodPost, target, nil, map[string]string{"Authorization": "Bearer forged"})
	if forged.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", forged.Code)
	}
	unknown := scenario.fixture.do(t, http.MethodPost, "/documents/"+scenario.documentID+"/versions/ver-404/restore", map[string]string{"user_id": "u9"}, nil)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown version, got %d", unknown.Code)
	}
	if len(scenario.fixture.notifier.restores) != 2 {
		t.Fatalf("failed restores must not notify")
	}
}
