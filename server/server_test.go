package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rai1001/chefos/bridge/canonical"
	"github.com/rai1001/chefos/bridge/replay"
	"github.com/rai1001/chefos/bridge/signing"
	"github.com/rai1001/chefos/models"
	"github.com/rai1001/chefos/store"
)

var testNow = time.Unix(1700000000, 0).UTC()

type fixture struct {
	server  *Server
	db      *gorm.DB
	hotel   uuid.UUID
	conn    models.AgentConnection
	privKey string
}

func setupFixture(t *testing.T, scopes []string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	priv, pub, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	hotel := uuid.New()
	conn := models.AgentConnection{
		ID:        uuid.New(),
		HotelID:   hotel,
		AgentID:   "prep-bot",
		PublicKey: pub,
		Status:    models.StatusActive,
		Scopes:    store.EncodeScopes(scopes),
	}
	if err := db.Create(&conn).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	nowFn := func() time.Time { return testNow }
	st := store.New(db, nowFn)
	srv := New(Config{
		Store:   st,
		Guard:   replay.NewGormStore(db, time.Minute),
		MaxSkew: time.Minute,
		Now:     nowFn,
	})
	return &fixture{server: srv, db: db, hotel: hotel, conn: conn, privKey: priv}
}

type signedOpts struct {
	agentID   string
	timestamp string
	nonce     string
	tamper    bool
	skipSig   bool
}

func (f *fixture) signedRequest(t *testing.T, method, path string, body []byte, opts signedOpts) *http.Request {
	t.Helper()
	if opts.agentID == "" {
		opts.agentID = f.conn.AgentID
	}
	if opts.timestamp == "" {
		opts.timestamp = strconv.FormatInt(testNow.Unix(), 10)
	}
	if opts.nonce == "" {
		opts.nonce = uuid.NewString()
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	priv, err := signing.ParsePrivateKey(f.privKey)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	msg := canonical.String(canonical.Input{
		Method:    method,
		Path:      req.URL.Path,
		Query:     req.URL.RawQuery,
		BodyHash:  canonical.BodyHash(body),
		Timestamp: opts.timestamp,
		Nonce:     opts.nonce,
		AgentID:   opts.agentID,
	})
	if opts.tamper {
		msg += "x"
	}
	req.Header.Set(signing.HeaderAgentID, opts.agentID)
	req.Header.Set(signing.HeaderTimestamp, opts.timestamp)
	req.Header.Set(signing.HeaderNonce, opts.nonce)
	if !opts.skipSig {
		req.Header.Set(signing.HeaderSignature, signing.Sign(priv, msg))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func TestBridgeSmoke(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})
	ev := models.Event{ID: uuid.New(), HotelID: f.hotel, Name: "gala dinner", Covers: 120, StartsAt: testNow.Add(2 * time.Hour)}
	if err := f.db.Create(&ev).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	nonce := uuid.NewString()
	req := f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{nonce: nonce})
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("expected success envelope: %s", rec.Body.String())
	}
	raw, _ := json.Marshal(env.Data)
	var events []models.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Name != "gala dinner" {
		t.Fatalf("unexpected events payload: %s", raw)
	}

	// Identical envelope again: same nonce, same signature.
	replayReq := f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{nonce: nonce})
	rec = f.do(replayReq)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", rec.Code)
	}
	env = decodeEnvelope(t, rec)
	if env.Success || env.Error != "replay detected" {
		t.Fatalf("unexpected replay envelope: %s", rec.Body.String())
	}
}

func TestBridgeGateFailures(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})

	cases := []struct {
		name   string
		build  func() *http.Request
		status int
		errMsg string
	}{
		{
			name: "missing headers",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, BridgePrefix+"/events", nil)
			},
			status: http.StatusUnauthorized,
			errMsg: "missing signature headers",
		},
		{
			name: "stale timestamp",
			build: func() *http.Request {
				stale := strconv.FormatInt(testNow.Add(-61*time.Second).Unix(), 10)
				return f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{timestamp: stale})
			},
			status: http.StatusUnauthorized,
			errMsg: "timestamp outside allowed window",
		},
		{
			name: "malformed timestamp",
			build: func() *http.Request {
				return f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{timestamp: "soon"})
			},
			status: http.StatusUnauthorized,
			errMsg: "timestamp outside allowed window",
		},
		{
			name: "unknown agent",
			build: func() *http.Request {
				return f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{agentID: "ghost"})
			},
			status: http.StatusUnauthorized,
			errMsg: "agent connection not found or inactive",
		},
		{
			name: "unsupported route",
			build: func() *http.Request {
				return f.signedRequest(t, http.MethodGet, BridgePrefix+"/menus", nil, signedOpts{})
			},
			status: http.StatusNotFound,
			errMsg: "unsupported route",
		},
		{
			name: "scope not granted",
			build: func() *http.Request {
				return f.signedRequest(t, http.MethodGet, BridgePrefix+"/inventory", nil, signedOpts{})
			},
			status: http.StatusForbidden,
			errMsg: "scope not allowed",
		},
		{
			name: "tampered signature",
			build: func() *http.Request {
				return f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{tamper: true})
			},
			status: http.StatusUnauthorized,
			errMsg: "invalid signature",
		},
	}

	for _, tc := range cases {
		rec := f.do(tc.build())
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d body %s", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		env := decodeEnvelope(t, rec)
		if env.Success {
			t.Fatalf("%s: expected failure envelope", tc.name)
		}
		if env.Error != tc.errMsg {
			t.Fatalf("%s: expected error %q, got %q", tc.name, tc.errMsg, env.Error)
		}
	}
}

func TestBridgeTimestampBoundary(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})

	exactly := strconv.FormatInt(testNow.Add(-60*time.Second).Unix(), 10)
	rec := f.do(f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{timestamp: exactly}))
	if rec.Code != http.StatusOK {
		t.Fatalf("timestamp exactly 60s old must pass, got %d body %s", rec.Code, rec.Body.String())
	}

	over := strconv.FormatInt(testNow.Add(-61*time.Second).Unix(), 10)
	rec = f.do(f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{timestamp: over}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("timestamp 61s old must fail, got %d", rec.Code)
	}
}

func TestBridgeInactiveConnection(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})
	if err := f.db.Model(&models.AgentConnection{}).Where("id = ?", f.conn.ID).Update("status", models.StatusInactive).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	rec := f.do(f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for inactive connection, got %d", rec.Code)
	}
}

func TestBridgeForgedSignatureDoesNotBurnNonce(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})

	nonce := uuid.NewString()
	forged := f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{nonce: nonce, tamper: true})
	if rec := f.do(forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged request, got %d", rec.Code)
	}

	// The same nonce must still be usable by the legitimate caller.
	honest := f.signedRequest(t, http.MethodGet, BridgePrefix+"/events", nil, signedOpts{nonce: nonce})
	if rec := f.do(honest); rec.Code != http.StatusOK {
		t.Fatalf("expected nonce to survive a forged attempt, got %d", rec.Code)
	}
}

func TestBridgeCompleteTask(t *testing.T) {
	f := setupFixture(t, []string{"write:tasks"})
	task := models.Task{ID: uuid.New(), HotelID: f.hotel, Title: "walk-in temp log", Status: models.TaskOpen, DueAt: testNow}
	if err := f.db.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"taskId": task.ID.String()})
	rec := f.do(f.signedRequest(t, http.MethodPost, BridgePrefix+"/tasks/complete", body, signedOpts{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d body %s", rec.Code, rec.Body.String())
	}

	var reloaded models.Task
	if err := f.db.First(&reloaded, "id = ?", task.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.TaskCompleted {
		t.Fatalf("task not completed: %s", reloaded.Status)
	}

	// Operation failure after a valid signature consumes the nonce anyway:
	// completing the already-completed task 404s, and replaying that exact
	// envelope conflicts.
	nonce := uuid.NewString()
	rec = f.do(f.signedRequest(t, http.MethodPost, BridgePrefix+"/tasks/complete", body, signedOpts{nonce: nonce}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double completion: expected 404, got %d", rec.Code)
	}
	rec = f.do(f.signedRequest(t, http.MethodPost, BridgePrefix+"/tasks/complete", body, signedOpts{nonce: nonce}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected consumed nonce to conflict, got %d", rec.Code)
	}
}

func TestBridgeCompleteTaskBadBody(t *testing.T) {
	f := setupFixture(t, []string{"write:tasks"})
	rec := f.do(f.signedRequest(t, http.MethodPost, BridgePrefix+"/tasks/complete", []byte(`{"taskId":"not-a-uuid"}`), signedOpts{}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestBridgeCrossTenantIsolation(t *testing.T) {
	f := setupFixture(t, []string{"read:inventory"})
	other := uuid.New()
	for _, lot := range []models.InventoryLot{
		{ID: uuid.New(), HotelID: f.hotel, Item: "flour", Quantity: 10},
		{ID: uuid.New(), HotelID: other, Item: "truffles", Quantity: 3},
	} {
		if err := f.db.Create(&lot).Error; err != nil {
			t.Fatalf("seed lot: %v", err)
		}
	}

	rec := f.do(f.signedRequest(t, http.MethodGet, BridgePrefix+"/inventory", nil, signedOpts{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("inventory: %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	raw, _ := json.Marshal(env.Data)
	var lots []models.InventoryLot
	if err := json.Unmarshal(raw, &lots); err != nil {
		t.Fatalf("decode lots: %v", err)
	}
	if len(lots) != 1 {
		t.Fatalf("expected only own-tenant lots, got %d", len(lots))
	}
	for _, lot := range lots {
		if lot.HotelID != f.hotel {
			t.Fatalf("cross-tenant lot leaked: %v", lot.HotelID)
		}
	}
}

func TestBridgeAuditTrail(t *testing.T) {
	f := setupFixture(t, []string{"read:tasks"})
	rec := f.do(f.signedRequest(t, http.MethodGet, BridgePrefix+"/tasks", nil, signedOpts{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks: %d", rec.Code)
	}

	var entries []models.AuditEntry
	if err := f.db.Find(&entries).Error; err != nil {
		t.Fatalf("load audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.HotelID != f.hotel || e.Entity != "agent_bridge" || e.Action != "read:tasks" {
		t.Fatalf("unexpected audit entry: %+v", e)
	}
	var payload store.AuditPayload
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.AgentID != "prep-bot" || payload.Method != http.MethodGet {
		t.Fatalf("unexpected audit payload: %+v", payload)
	}
}

func TestBridgeSharedAgentIDAcrossHotels(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})

	// A second hotel registers the same agent identity with its own key.
	// Both callers must authenticate with their own registered key.
	otherPriv, otherPub, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	otherHotel := uuid.New()
	otherConn := models.AgentConnection{
		ID:        uuid.New(),
		HotelID:   otherHotel,
		AgentID:   f.conn.AgentID,
		PublicKey: otherPub,
		Status:    models.StatusActive,
		Scopes:    store.EncodeScopes([]string{"read:events"}),
	}
	if err := f.db.Create(&otherConn).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	for _, ev := range []models.Event{
		{ID: uuid.New(), HotelID: f.hotel, Name: "tasting menu", StartsAt: testNow.Add(time.Hour)},
		{ID: uuid.New(), HotelID: otherHotel, Name: "wine pairing", StartsAt: testNow.Add(time.Hour)},
	} {
		if err := f.db.Create(&ev).Error; err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	send := func(privKey string) (*httptest.ResponseRecorder, []models.Event) {
		priv, err := signing.ParsePrivateKey(privKey)
		if err != nil {
			t.Fatalf("parse private key: %v", err)
		}
		ts := strconv.FormatInt(testNow.Unix(), 10)
		nonce := uuid.NewString()
		msg := canonical.String(canonical.Input{
			Method:    http.MethodGet,
			Path:      BridgePrefix + "/events",
			BodyHash:  canonical.BodyHash(nil),
			Timestamp: ts,
			Nonce:     nonce,
			AgentID:   f.conn.AgentID,
		})
		req := httptest.NewRequest(http.MethodGet, BridgePrefix+"/events", nil)
		req.Header.Set(signing.HeaderAgentID, f.conn.AgentID)
		req.Header.Set(signing.HeaderTimestamp, ts)
		req.Header.Set(signing.HeaderNonce, nonce)
		req.Header.Set(signing.HeaderSignature, signing.Sign(priv, msg))
		rec := f.do(req)
		var events []models.Event
		if rec.Code == http.StatusOK {
			raw, _ := json.Marshal(decodeEnvelope(t, rec).Data)
			if err := json.Unmarshal(raw, &events); err != nil {
				t.Fatalf("decode events: %v", err)
			}
		}
		return rec, events
	}

	rec, events := send(f.privKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("first hotel's caller rejected: %d body %s", rec.Code, rec.Body.String())
	}
	if len(events) != 1 || events[0].Name != "tasting menu" {
		t.Fatalf("first hotel's caller got wrong tenant data: %+v", events)
	}

	rec, events = send(otherPriv)
	if rec.Code != http.StatusOK {
		t.Fatalf("second hotel's caller rejected: %d body %s", rec.Code, rec.Body.String())
	}
	if len(events) != 1 || events[0].Name != "wine pairing" {
		t.Fatalf("second hotel's caller got wrong tenant data: %+v", events)
	}
}

func TestBridgeQueryOrderIrrelevantToSignature(t *testing.T) {
	f := setupFixture(t, []string{"read:events"})

	// Sign over one parameter order, send the other: the canonical query
	// makes both sides agree.
	priv, _ := signing.ParsePrivateKey(f.privKey)
	ts := strconv.FormatInt(testNow.Unix(), 10)
	nonce := uuid.NewString()
	msg := canonical.String(canonical.Input{
		Method:    http.MethodGet,
		Path:      BridgePrefix + "/events",
		Query:     "b=2&a=1",
		BodyHash:  canonical.BodyHash(nil),
		Timestamp: ts,
		Nonce:     nonce,
		AgentID:   f.conn.AgentID,
	})
	req := httptest.NewRequest(http.MethodGet, BridgePrefix+"/events?a=1&b=2", nil)
	req.Header.Set(signing.HeaderAgentID, f.conn.AgentID)
	req.Header.Set(signing.HeaderTimestamp, ts)
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSignature, signing.Sign(priv, msg))

	if rec := f.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected reordered query to verify, got %d body %s", rec.Code, rec.Body.String())
	}
}
