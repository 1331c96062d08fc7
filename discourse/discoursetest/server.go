// Package discoursetest provides an in-process fake of the Discourse API
// endpoints used by the importer.
package discoursetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/dhcgn/mbox-to-discourse/model"
)

const APIKey = "test-api-key"

// Call is one recorded write against the fake forum.
type Call struct {
	// Kind is "user", "topic" or "reply".
	Kind string
	Form url.Values
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	users      []model.RemoteUser
	calls      []Call
	nextTopic  int
	nextPost   int
	pingStatus int
	failUsers  bool
	noCookie   bool
}

func NewServer() *Server {
	s := &Server{nextTopic: 100, nextPost: 1000, pingStatus: http.StatusOK}

	r := mux.NewRouter()
	r.HandleFunc("/", s.home).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/categories.json", s.categories).Methods(http.MethodGet)
	api.HandleFunc("/admin/users/list/active.json", s.activeUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{username}/emails.json", s.userEmail).Methods(http.MethodPut)
	api.HandleFunc("/users", s.createUser).Methods(http.MethodPost)
	api.HandleFunc("/posts", s.createPost).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// AddUser registers an existing forum account.
func (s *Server) AddUser(username, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, model.RemoteUser{ID: len(s.users) + 1, Username: username, Email: email})
}

func (s *Server) SetPingStatus(status int) {
	s.mu.Lock()
	s.pingStatus = status
	s.mu.Unlock()
}

// FailUserListing makes the active-user listing return 500.
func (s *Server) FailUserListing() {
	s.mu.Lock()
	s.failUsers = true
	s.mu.Unlock()
}

// DropSessionCookie stops the home page from setting a session cookie.
func (s *Server) DropSessionCookie() {
	s.mu.Lock()
	s.noCookie = true
	s.mu.Unlock()
}

// Calls returns the recorded writes in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != APIKey || r.Header.Get("Api-Username") == "" {
			writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"invalid api key"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	noCookie := s.noCookie
	s.mu.Unlock()
	if !noCookie {
		http.SetCookie(w, &http.Cookie{Name: "_forum_session", Value: "session-token", Path: "/"})
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("<html></html>"))
}

func (s *Server) categories(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.pingStatus
	s.mu.Unlock()
	if status != http.StatusOK {
		w.Header().Set("X-Diagnostic", "fake-forum")
		writeJSON(w, status, map[string]any{"errors": []string{"unavailable"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category_list": map[string]any{"categories": []any{}}})
}

func (s *Server) activeUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUsers {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errors": []string{"boom"}})
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page > 1 {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	out := make([]map[string]any, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, map[string]any{"id": u.ID, "username": u.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) userEmail(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			writeJSON(w, http.StatusOK, map[string]any{"email": u.Email, "secondary_emails": []string{}})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{"not found"}})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	username := r.PostForm.Get("username")
	for _, u := range s.users {
		if u.Username == username {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Username must be unique"})
			return
		}
	}
	s.users = append(s.users, model.RemoteUser{ID: len(s.users) + 1, Username: username, Email: r.PostForm.Get("email")})
	s.calls = append(s.calls, Call{Kind: "user", Form: r.PostForm})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "active": true, "user_id": len(s.users)})
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPost++
	kind := "reply"
	topicID, _ := strconv.Atoi(r.PostForm.Get("topic_id"))
	if topicID == 0 {
		kind = "topic"
		s.nextTopic++
		topicID = s.nextTopic
	}
	s.calls = append(s.calls, Call{Kind: kind, Form: r.PostForm})
	writeJSON(w, http.StatusOK, map[string]any{"id": s.nextPost, "topic_id": topicID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
