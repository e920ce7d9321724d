// Package handlers wires the websocket upgrade and the REST endpoints the
// client hydrates from.
package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/seamchat/seam/internal/server/ratelimit"
	"github.com/seamchat/seam/internal/server/storage"
	"github.com/seamchat/seam/internal/server/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type API struct {
	Store   *storage.Store
	Hub     *ws.Hub
	Limiter *ratelimit.Limiter
}

// Routes builds the server mux: websocket, health, and the REST surface.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.HandleWebSocket)
	mux.HandleFunc("/health", HealthCheck)
	mux.HandleFunc("GET /api/users", a.handleUsers)
	mux.HandleFunc("GET /api/users/{id}/conversations", a.handleUserConversations)
	mux.HandleFunc("GET /api/users/{id}/unread-counts", a.handleUnreadCounts)
	mux.HandleFunc("GET /api/conversations/{id}/messages", a.handleMessages)
	mux.HandleFunc("POST /api/conversations/direct", a.handleCreateDirect)
	mux.HandleFunc("POST /api/register", a.handleRegister)
	return mux
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *API) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.ClientIP(r)

	if !a.Limiter.CanConnect(clientIP) {
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		log.Printf("Rate limited connection from %s", clientIP)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	a.Limiter.AddConnection(clientIP)

	client := &ws.Client{
		Hub:     a.Hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		Limiter: a.Limiter,
		IP:      clientIP,
	}
	a.Hub.Register(client)

	go func() {
		defer a.Limiter.RemoveConnection(clientIP)
		client.WritePump()
	}()
	go client.ReadPump()
}

// handleUsers serves the directory. With ?ids=a,b,c it resolves just those
// users; without it, everyone.
func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids := []string{}
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		users, err := a.Store.UsersByIDs(ids)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, users)
		return
	}

	users, err := a.Store.AllUsers()
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, users)
}

func (a *API) handleUserConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.Store.UserConversations(r.PathValue("id"))
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, convs)
}

func (a *API) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Store.UnreadCounts(r.PathValue("id"))
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := a.Store.Messages(r.PathValue("id"), limit)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, msgs)
}

// handleCreateDirect is the REST fallback for conversation:direct. The caller
// must exist or be creatable; the other party must already exist.
func (a *API) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username      string `json:"username"`
		OtherUsername string `json:"other_username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	body.OtherUsername = strings.TrimSpace(body.OtherUsername)
	if body.Username == "" || body.OtherUsername == "" {
		http.Error(w, "username and other_username required", http.StatusBadRequest)
		return
	}

	me, err := a.Store.EnsureUser(body.Username)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	other, err := a.Store.GetUserByUsername(body.OtherUsername)
	if err == sql.ErrNoRows {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	conv, err := a.Store.DirectConversation(me.ID, other.ID)
	if err != nil {
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, conv)
}

// handleRegister creates a password-protected account. Passwordless accounts
// are created implicitly on first login.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !a.Limiter.AllowLogin(ratelimit.ClientIP(r)) {
		http.Error(w, "Too many attempts. Please wait a minute.", http.StatusTooManyRequests)
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	user, err := a.Store.CreateUser(body.Username, string(hash))
	if err != nil {
		http.Error(w, "username taken", http.StatusConflict)
		return
	}
	writeJSON(w, user)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
