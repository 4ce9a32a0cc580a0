package adminapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"shadowsync/internal/localbus"
	"shadowsync/internal/reconlog"
	"shadowsync/internal/shadow"
	"shadowsync/internal/synchandler"
	"shadowsync/internal/thingregistry"
	"shadowsync/pkg/jwt"
	"shadowsync/pkg/response"
)

const sessionTokenTTL = 15 * time.Minute

// Deps is the construction-time wiring for the admin router. Grounded on
// the teacher's handler-per-resource layout (internal/handler), collapsed
// into one router since this surface is small (status/control, not CRUD).
type Deps struct {
	Handler              *synchandler.Handler
	Store                shadow.LocalStore
	Recon                reconlog.Log
	Registry             thingregistry.Registry
	Bus                  *localbus.Handler
	Tokens               *TokenService
	JWTSecret            string
	OperatorPasswordHash string
	ReloadConfig         func(ctx context.Context) error
	Logger               *log.Logger
}

// NewRouter builds the gorilla/mux router for the admin API (spec 6's
// external control surface: status, forced full-sync, config reload,
// reconciliation history).
func NewRouter(d Deps) *mux.Router {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(logger))

	r.HandleFunc("/auth/login", d.handleLogin).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(BearerAuth(d.JWTSecret, d.Tokens))
	protected.HandleFunc("/auth/cli-tokens", d.handleIssueToken).Methods(http.MethodPost)
	protected.HandleFunc("/shadows", d.handleListShadows).Methods(http.MethodGet)
	protected.HandleFunc("/shadows/{thing}/{name}", d.handleShadowStatus).Methods(http.MethodGet)
	protected.HandleFunc("/shadows/{thing}/{name}/full-sync", d.handleForceFullSync).Methods(http.MethodPost)
	protected.HandleFunc("/shadows/{thing}/{name}/history", d.handleHistory).Methods(http.MethodGet)
	protected.HandleFunc("/config/reload", d.handleReloadConfig).Methods(http.MethodPost)
	protected.HandleFunc("/direction", d.handleSetDirection).Methods(http.MethodPost)
	if d.Bus != nil {
		protected.HandleFunc("/subscribe", d.Bus.HandleConnection).Methods(http.MethodGet)
	}

	return r
}

func keyFromVars(r *http.Request) shadow.Key {
	vars := mux.Vars(r)
	name := vars["name"]
	if name == "-" {
		name = ""
	}
	return shadow.Key{ThingName: vars["thing"], ShadowName: name}
}

func (d *Deps) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request payload")
		return
	}
	if err := CheckOperatorPassword(d.OperatorPasswordHash, req.Password); err != nil {
		response.Unauthorized(w, "invalid credentials")
		return
	}
	token, err := jwt.GenerateToken("operator", sessionTokenTTL, d.JWTSecret)
	if err != nil {
		response.InternalError(w, "failed to issue session token")
		return
	}
	response.Success(w, map[string]interface{}{
		"access_token": token,
		"expires_in":   int64(sessionTokenTTL.Seconds()),
	})
}

func (d *Deps) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request payload")
		return
	}
	if req.Name == "" {
		response.BadRequest(w, "name is required")
		return
	}
	plain, id, err := d.Tokens.IssueToken(r.Context(), req.Name, req.Scopes)
	if err != nil {
		response.InternalError(w, "failed to issue token")
		return
	}
	response.Created(w, map[string]string{"id": id, "token": plain})
}

func (d *Deps) handleListShadows(w http.ResponseWriter, r *http.Request) {
	entries, err := d.Registry.List(r.Context())
	if err != nil {
		response.InternalError(w, "failed to list shadows")
		return
	}
	response.Success(w, entries)
}

func (d *Deps) handleShadowStatus(w http.ResponseWriter, r *http.Request) {
	key := keyFromVars(r)
	info, err := d.Store.GetSyncInfo(r.Context(), key)
	if err != nil {
		response.InternalError(w, "failed to read sync info")
		return
	}
	if info == nil {
		response.NotFound(w, "shadow not synced")
		return
	}
	response.Success(w, map[string]interface{}{
		"key":            key.String(),
		"synced":         d.Handler.IsSynced(key),
		"direction":      d.Handler.Direction().String(),
		"cloud_version":  info.CloudVersion,
		"local_version":  info.LocalVersion,
		"cloud_deleted":  info.CloudDeleted,
		"last_sync_time": info.LastSyncTime,
	})
}

func (d *Deps) handleForceFullSync(w http.ResponseWriter, r *http.Request) {
	key := keyFromVars(r)
	if err := d.Handler.ForceFullSync(key); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	response.Success(w, map[string]string{"status": "enqueued"})
}

func (d *Deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := keyFromVars(r)
	entries, err := d.Recon.History(r.Context(), key, 50)
	if err != nil {
		response.InternalError(w, "failed to read history")
		return
	}
	response.Success(w, entries)
}

func (d *Deps) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if d.ReloadConfig == nil {
		response.InternalError(w, "config reload not wired")
		return
	}
	if err := d.ReloadConfig(r.Context()); err != nil {
		response.InternalError(w, err.Error())
		return
	}
	response.Success(w, map[string]string{"status": "reloaded"})
}

func (d *Deps) handleSetDirection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request payload")
		return
	}
	var dir shadow.Direction
	switch req.Direction {
	case "device_to_cloud":
		dir = shadow.DeviceToCloud
	case "cloud_to_device":
		dir = shadow.CloudToDevice
	case "between_device_and_cloud":
		dir = shadow.BetweenDeviceAndCloud
	default:
		response.BadRequest(w, "unknown direction")
		return
	}
	if err := d.Handler.SetDirection(r.Context(), dir); err != nil {
		response.InternalError(w, err.Error())
		return
	}
	response.Success(w, map[string]string{"direction": req.Direction})
}
