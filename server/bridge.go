package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rai1001/chefos/bridge/canonical"
	"github.com/rai1001/chefos/bridge/scope"
	"github.com/rai1001/chefos/bridge/signing"
	"github.com/rai1001/chefos/models"
	"github.com/rai1001/chefos/store"
)

// maxBridgeBody caps how much request body is read for hashing.
const maxBridgeBody = 1 << 20

// handleBridge runs the authentication gates in order. Every gate failure
// short-circuits with its own status; only a fully verified request reaches
// dispatch. The nonce is committed after signature verification so a forged
// request can never burn a caller's nonce, while a valid one closes its
// replay window immediately.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()

	agentID := strings.TrimSpace(r.Header.Get(signing.HeaderAgentID))
	ts := strings.TrimSpace(r.Header.Get(signing.HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(signing.HeaderNonce))
	sig := strings.TrimSpace(r.Header.Get(signing.HeaderSignature))
	if agentID == "" || ts == "" || nonce == "" || sig == "" {
		writeError(w, http.StatusUnauthorized, "missing signature headers")
		return
	}

	if !timestampWithinWindow(ts, now, s.maxSkew) {
		writeError(w, http.StatusUnauthorized, "timestamp outside allowed window")
		return
	}

	// Agent ids are unique per hotel, not globally: the same identity may be
	// registered under several tenants with different keys. All active
	// candidates are fetched and the signature decides which one is calling.
	conns, err := s.store.ActiveConnections(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			writeError(w, http.StatusUnauthorized, "agent connection not found or inactive")
			return
		}
		s.logger.Error("connection lookup failed", "agent", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	op, required, ok := scope.Resolve(r.Method, r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "unsupported route")
		return
	}

	eligible := make([]models.AgentConnection, 0, len(conns))
	for _, c := range conns {
		if scope.Has(store.ConnectionScopes(&c), required) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		writeError(w, http.StatusForbidden, "scope not allowed")
		return
	}

	// Nonces are scoped to a connection, so before the signature identifies
	// the caller the replay check covers every candidate. Nonces are uuids;
	// a cross-tenant collision on the same id and nonce is not a concern.
	for _, c := range eligible {
		seen, err := s.guard.Seen(ctx, c.ID, nonce, now)
		if err != nil {
			s.logger.Error("replay lookup failed", "agent", agentID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if seen {
			writeError(w, http.StatusConflict, "replay detected")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBridgeBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	msg := canonical.String(canonical.Input{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		BodyHash:  canonical.BodyHash(body),
		Timestamp: ts,
		Nonce:     nonce,
		AgentID:   agentID,
	})
	var conn *models.AgentConnection
	for i := range eligible {
		pub, err := signing.ParsePublicKey(eligible[i].PublicKey)
		if err != nil {
			// A connection with unusable key material can never authenticate.
			s.logger.Error("registered public key unusable",
				"agent", agentID, "connection", eligible[i].ID, "err", err)
			continue
		}
		if valid, err := signing.Verify(pub, msg, sig); err == nil && valid {
			conn = &eligible[i]
			break
		}
	}
	if conn == nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	claimed, err := s.guard.Commit(ctx, conn.ID, nonce, now)
	if err != nil {
		s.logger.Error("nonce commit failed", "agent", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !claimed {
		// A concurrent identical request won the claim between the Seen
		// check and here.
		writeError(w, http.StatusConflict, "replay detected")
		return
	}

	payload, opErr := s.dispatch(r, conn.HotelID, op, body)
	if opErr != nil {
		if errors.Is(opErr, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if errors.Is(opErr, errBadRequest) {
			writeError(w, http.StatusBadRequest, opErr.Error())
			return
		}
		// The nonce stays consumed: the signed envelope was legitimately
		// spent even though the operation failed.
		s.logger.Error("operation failed", "agent", agentID, "scope", required, "err", opErr)
		writeError(w, http.StatusInternalServerError, "operation failed")
		return
	}

	if err := s.store.AppendAudit(ctx, conn.HotelID, required, store.AuditPayload{
		AgentID: agentID,
		Method:  r.Method,
		Path:    r.URL.Path,
	}); err != nil {
		s.logger.Error("audit write failed", "agent", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "operation failed")
		return
	}

	writeData(w, http.StatusOK, payload)
}

var errBadRequest = errors.New("invalid request body")

// dispatch executes the operation resolved at route-matching time, scoped to
// the connection's own hotel.
func (s *Server) dispatch(r *http.Request, hotelID uuid.UUID, op scope.Operation, body []byte) (any, error) {
	ctx := r.Context()
	switch op {
	case scope.OpListEvents:
		return s.store.ListUpcomingEvents(ctx, hotelID)
	case scope.OpListTasks:
		return s.store.ListOpenTasks(ctx, hotelID)
	case scope.OpCompleteTask:
		var req struct {
			TaskID uuid.UUID `json:"taskId"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.TaskID == uuid.Nil {
			return nil, errBadRequest
		}
		return s.store.CompleteTask(ctx, hotelID, req.TaskID)
	case scope.OpListInventory:
		return s.store.ListInStockLots(ctx, hotelID)
	default:
		return nil, errors.New("unhandled operation")
	}
}
