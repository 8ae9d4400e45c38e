// Package admin exposes the AgentConnection registry API consumed by the
// operator settings UI. All routes require an HMAC-signed admin bearer
// token scoped to one hotel.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rai1001/chefos/bridge/scope"
	"github.com/rai1001/chefos/bridge/signing"
	"github.com/rai1001/chefos/models"
	"github.com/rai1001/chefos/store"
)

// Config configures token verification.
type Config struct {
	JWTSecret string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// API is the admin HTTP surface.
type API struct {
	cfg    Config
	secret []byte
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New builds the admin API over the service database.
func New(cfg Config, db *gorm.DB, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &API{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.JWTSecret)),
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Mount attaches the admin routes to a router group.
func (a *API) Mount(r chi.Router) {
	r.Use(a.requireAdmin)
	r.Post("/connections", a.createConnection)
	r.Get("/connections", a.listConnections)
	r.Patch("/connections/{id}/status", a.updateStatus)
	r.Delete("/connections/{id}", a.deleteConnection)
}

type contextKey string

const contextKeyHotel contextKey = "admin.hotel"

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hotelID, err := a.hotelFromToken(r)
		if err != nil {
			a.logger.Warn("admin token rejected", "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withHotel(r.Context(), hotelID)))
	})
}

func (a *API) hotelFromToken(r *http.Request) (uuid.UUID, error) {
	if len(a.secret) == 0 {
		return uuid.Nil, errors.New("admin secret not configured")
	}
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return uuid.Nil, errors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return uuid.Nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, errors.New("invalid claims")
	}
	if a.cfg.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != a.cfg.Issuer {
			return uuid.Nil, errors.New("issuer mismatch")
		}
	}
	if a.cfg.Audience != "" {
		if !audienceMatches(claims["aud"], a.cfg.Audience) {
			return uuid.Nil, errors.New("audience mismatch")
		}
	}
	hotelRaw, _ := claims["hotel_id"].(string)
	hotelID, err := uuid.Parse(hotelRaw)
	if err != nil {
		return uuid.Nil, errors.New("missing hotel claim")
	}
	return hotelID, nil
}

func audienceMatches(raw any, want string) bool {
	switch v := raw.(type) {
	case string:
		return v == want
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type connectionResponse struct {
	ID        uuid.UUID `json:"id"`
	AgentID   string    `json:"agent_id"`
	PublicKey string    `json:"public_key"`
	Status    string    `json:"status"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

func toResponse(conn models.AgentConnection) connectionResponse {
	return connectionResponse{
		ID:        conn.ID,
		AgentID:   conn.AgentID,
		PublicKey: conn.PublicKey,
		Status:    conn.Status,
		Scopes:    store.ConnectionScopes(&conn),
		CreatedAt: conn.CreatedAt,
	}
}

func (a *API) createConnection(w http.ResponseWriter, r *http.Request) {
	hotelID := hotelFrom(r.Context())
	var req struct {
		AgentID   string   `json:"agent_id"`
		PublicKey string   `json:"public_key"`
		Scopes    []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		http.Error(w, "agent_id required", http.StatusBadRequest)
		return
	}
	if _, err := signing.ParsePublicKey(strings.TrimSpace(req.PublicKey)); err != nil {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}
	for _, s := range req.Scopes {
		if !scope.Known(s) {
			http.Error(w, "unknown scope: "+s, http.StatusBadRequest)
			return
		}
	}

	conn := models.AgentConnection{
		ID:        uuid.New(),
		HotelID:   hotelID,
		AgentID:   req.AgentID,
		PublicKey: strings.TrimSpace(req.PublicKey),
		Status:    models.StatusActive,
		Scopes:    store.EncodeScopes(req.Scopes),
	}
	if err := a.db.WithContext(r.Context()).Create(&conn).Error; err != nil {
		a.logger.Error("create connection failed", "agent", req.AgentID, "err", err)
		http.Error(w, "could not create connection", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(conn))
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	hotelID := hotelFrom(r.Context())
	var conns []models.AgentConnection
	if err := a.db.WithContext(r.Context()).Where("hotel_id = ?", hotelID).Order("created_at asc").Find(&conns).Error; err != nil {
		a.logger.Error("list connections failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, toResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	hotelID := hotelFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case models.StatusActive, models.StatusInactive, models.StatusRevoked:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	res := a.db.WithContext(r.Context()).Model(&models.AgentConnection{}).
		Where("id = ? AND hotel_id = ?", id, hotelID).
		Update("status", req.Status)
	if res.Error != nil {
		a.logger.Error("update status failed", "connection", id, "err", res.Error)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if res.RowsAffected == 0 {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	var conn models.AgentConnection
	if err := a.db.WithContext(r.Context()).First(&conn, "id = ?", id).Error; err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conn))
}

func (a *API) deleteConnection(w http.ResponseWriter, r *http.Request) {
	hotelID := hotelFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}
	res := a.db.WithContext(r.Context()).Where("id = ? AND hotel_id = ?", id, hotelID).Delete(&models.AgentConnection{})
	if res.Error != nil {
		a.logger.Error("delete connection failed", "connection", id, "err", res.Error)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if res.RowsAffected == 0 {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
