package dbp2p

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testPassword = "admin123"

// an in memory document server with the rest api and the event channel.
// Change events go to every event connection subscribed to the collection or the document.
type testDbServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mutex          sync.Mutex
	token          string
	documents      map[string][]*Document
	nextDocumentId int
	backupNames    []string
	backups        map[string]map[string][]*Document
	users          []*User
	roles          []*Role
	nextId         int
	// every request, for header checks
	requests []*http.Request
	// the body of each request, in the same order
	requestBodies []string
	conns         []*testDbConn
	connUpdate    chan struct{}
}

func newTestDbServer(t *testing.T) *testDbServer {
	server := &testDbServer{
		token:     "test-token",
		documents: map[string][]*Document{},
		backups:   map[string]map[string][]*Document{},
		users: []*User{
			{
				Id:       "u1",
				Username: "admin",
				Roles:    []string{"admin"},
				ApiKeys:  []*ApiKey{},
				Active:   true,
			},
		},
		roles: []*Role{
			{
				Name:        "admin",
				Description: "full access",
				Permissions: []*Permission{
					{Resource: "*", Actions: []string{"*"}},
				},
				IsSystem: true,
			},
			{
				Name:        "reader",
				Description: "read only",
				Permissions: []*Permission{
					{Resource: "*", Actions: []string{"read"}},
				},
				IsSystem: true,
			},
		},
		connUpdate: make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", server.health)
	mux.HandleFunc("POST /api/login", server.login)
	mux.HandleFunc("GET /api/collections/{collection}", server.auth(server.listCollection))
	mux.HandleFunc("POST /api/collections/{collection}", server.auth(server.createDocument))
	mux.HandleFunc("GET /api/collections/{collection}/{id}", server.auth(server.getDocument))
	mux.HandleFunc("PUT /api/collections/{collection}/{id}", server.auth(server.updateDocument))
	mux.HandleFunc("DELETE /api/collections/{collection}/{id}", server.auth(server.deleteDocument))
	mux.HandleFunc("POST /api/backups", server.auth(server.createBackup))
	mux.HandleFunc("GET /api/backups", server.auth(server.listBackups))
	mux.HandleFunc("POST /api/backups/{name}", server.auth(server.restoreBackup))
	mux.HandleFunc("DELETE /api/backups/{name}", server.auth(server.deleteBackup))
	mux.HandleFunc("GET /api/users", server.auth(server.listUsers))
	mux.HandleFunc("POST /api/users", server.auth(server.createUser))
	mux.HandleFunc("GET /api/users/{id}", server.auth(server.getUser))
	mux.HandleFunc("DELETE /api/users/{id}", server.auth(server.deleteUser))
	mux.HandleFunc("POST /api/users/{id}/apikeys", server.auth(server.createApiKey))
	mux.HandleFunc("DELETE /api/users/{id}/apikeys/{token}", server.auth(server.revokeApiKey))
	mux.HandleFunc("GET /api/roles", server.auth(server.listRoles))
	mux.HandleFunc("GET /api/roles/{name}", server.auth(server.getRole))
	mux.HandleFunc("GET /ws", server.ws)

	server.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		server.mutex.Lock()
		server.requests = append(server.requests, r)
		server.requestBodies = append(server.requestBodies, string(body))
		server.mutex.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func (self *testDbServer) Close() {
	self.mutex.Lock()
	conns := slices.Clone(self.conns)
	self.mutex.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
	self.server.Close()
}

func (self *testDbServer) ApiUrl() string {
	return self.server.URL
}

func (self *testDbServer) WsUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testDbServer) SetToken(token string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.token = token
}

func (self *testDbServer) Requests() []*http.Request {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.requests)
}

func (self *testDbServer) RequestBodies() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.requestBodies)
}

// blocks until the server has accepted `n` event connections
func (self *testDbServer) WaitConn(t *testing.T, n int) *testDbConn {
	timeout := time.After(5 * time.Second)
	for {
		self.mutex.Lock()
		connUpdate := self.connUpdate
		var conn *testDbConn
		if n <= len(self.conns) {
			conn = self.conns[n-1]
		}
		self.mutex.Unlock()

		if conn != nil {
			return conn
		}
		select {
		case <-connUpdate:
		case <-timeout:
			t.Fatalf("no event connection %d", n)
		}
	}
}

func (self *testDbServer) health(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, map[string]any{
		"status": "ok",
		"version": "1.0.0",
		"timestamp": time.Now().Format(time.RFC3339),
		"services": map[string]string{
			"database": "ok",
		},
	})
}

func (self *testDbServer) login(w http.ResponseWriter, r *http.Request) {
	var loginArgs LoginArgs
	if err := json.NewDecoder(r.Body).Decode(&loginArgs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if loginArgs.Password != testPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	self.mutex.Lock()
	token := self.token
	self.mutex.Unlock()
	writeJson(w, http.StatusOK, map[string]any{
		"token": token,
		"user_id": "u1",
		"username": loginArgs.Username,
		"roles": "admin, reader",
	})
}

func (self *testDbServer) auth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		self.mutex.Lock()
		token := self.token
		self.mutex.Unlock()
		if r.Header.Get("Authorization") != fmt.Sprintf("Bearer %s", token) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		handler(w, r)
	}
}

func (self *testDbServer) listCollection(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	documents := slices.Clone(self.documents[r.PathValue("collection")])
	self.mutex.Unlock()
	if documents == nil {
		// the server sends null for an empty collection
		writeJson(w, http.StatusOK, nil)
		return
	}
	writeJson(w, http.StatusOK, documents)
}

func (self *testDbServer) createDocument(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	now := time.Now().UTC()

	self.mutex.Lock()
	self.nextDocumentId += 1
	document := &Document{
		Id:         fmt.Sprintf("doc%d", self.nextDocumentId),
		Collection: collection,
		Data:       data,
		CreatedAt:  &now,
		UpdatedAt:  &now,
	}
	self.documents[collection] = append(self.documents[collection], document)
	self.mutex.Unlock()

	self.broadcast(EventCreate, document)
	writeJson(w, http.StatusCreated, document)
}

func (self *testDbServer) getDocument(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	i := self.indexWithLock(r.PathValue("collection"), r.PathValue("id"))
	var document *Document
	if 0 <= i {
		document = self.documents[r.PathValue("collection")][i]
	}
	self.mutex.Unlock()

	if document == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJson(w, http.StatusOK, document)
}

func (self *testDbServer) updateDocument(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	self.mutex.Lock()
	i := self.indexWithLock(collection, r.PathValue("id"))
	if i < 0 {
		self.mutex.Unlock()
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	previous := self.documents[collection][i]
	var data map[string]any
	json.Unmarshal(previous.Data, &data)
	for key, value := range updates {
		data[key] = value
	}
	dataBytes, _ := json.Marshal(data)
	now := time.Now().UTC()
	document := &Document{
		Id:         previous.Id,
		Collection: collection,
		Data:       dataBytes,
		CreatedAt:  previous.CreatedAt,
		UpdatedAt:  &now,
	}
	self.documents[collection][i] = document
	self.mutex.Unlock()

	self.broadcast(EventUpdate, document)
	writeJson(w, http.StatusOK, document)
}

func (self *testDbServer) deleteDocument(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	self.mutex.Lock()
	i := self.indexWithLock(collection, r.PathValue("id"))
	if i < 0 {
		self.mutex.Unlock()
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	document := self.documents[collection][i]
	self.documents[collection] = slices.Delete(self.documents[collection], i, i+1)
	self.mutex.Unlock()

	self.broadcast(EventDelete, &Document{
		Id:         document.Id,
		Collection: collection,
	})
	writeJson(w, http.StatusOK, map[string]string{
		"message": "document deleted",
	})
}

func (self *testDbServer) indexWithLock(collection string, documentId string) int {
	return slices.IndexFunc(self.documents[collection], func(document *Document) bool {
		return document.Id == documentId
	})
}

func (self *testDbServer) createBackup(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	self.nextId += 1
	backupName := fmt.Sprintf("backup_%d", self.nextId)
	backup := map[string][]*Document{}
	for collection, documents := range self.documents {
		backup[collection] = slices.Clone(documents)
	}
	self.backups[backupName] = backup
	self.backupNames = append(self.backupNames, backupName)
	self.mutex.Unlock()

	writeJson(w, http.StatusCreated, map[string]string{
		"backup_name": backupName,
	})
}

func (self *testDbServer) listBackups(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	backupNames := slices.Clone(self.backupNames)
	self.mutex.Unlock()
	writeJson(w, http.StatusOK, backupNames)
}

func (self *testDbServer) restoreBackup(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	backup, ok := self.backups[r.PathValue("name")]
	if ok {
		self.documents = map[string][]*Document{}
		for collection, documents := range backup {
			self.documents[collection] = slices.Clone(documents)
		}
	}
	self.mutex.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	writeJson(w, http.StatusOK, map[string]string{
		"message": "backup restored",
	})
}

func (self *testDbServer) deleteBackup(w http.ResponseWriter, r *http.Request) {
	backupName := r.PathValue("name")

	self.mutex.Lock()
	_, ok := self.backups[backupName]
	delete(self.backups, backupName)
	self.backupNames = slices.DeleteFunc(self.backupNames, func(name string) bool {
		return name == backupName
	})
	self.mutex.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	writeJson(w, http.StatusOK, map[string]string{
		"message": "backup deleted",
	})
}

func (self *testDbServer) listUsers(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	writeJson(w, http.StatusOK, self.users)
}

func (self *testDbServer) userWithLock(userId string) *User {
	i := slices.IndexFunc(self.users, func(user *User) bool {
		return user.Id == userId
	})
	if i < 0 {
		return nil
	}
	return self.users[i]
}

func (self *testDbServer) getUser(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	user := self.userWithLock(r.PathValue("id"))
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJson(w, http.StatusOK, user)
}

func (self *testDbServer) createUser(w http.ResponseWriter, r *http.Request) {
	var createUser CreateUserArgs
	if err := json.NewDecoder(r.Body).Decode(&createUser); err != nil || createUser.Username == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.nextId += 1
	user := &User{
		Id:       fmt.Sprintf("user%d", self.nextId),
		Username: createUser.Username,
		Roles:    createUser.Roles,
		ApiKeys:  []*ApiKey{},
		Active:   true,
	}
	self.users = append(self.users, user)
	writeJson(w, http.StatusCreated, user)
}

func (self *testDbServer) deleteUser(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("id")

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.userWithLock(userId) == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	self.users = slices.DeleteFunc(self.users, func(user *User) bool {
		return user.Id == userId
	})
	writeJson(w, http.StatusOK, map[string]string{
		"message": "user deleted",
	})
}

func (self *testDbServer) createApiKey(w http.ResponseWriter, r *http.Request) {
	var createApiKey CreateApiKeyArgs
	if err := json.NewDecoder(r.Body).Decode(&createApiKey); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	user := self.userWithLock(r.PathValue("id"))
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	self.nextId += 1
	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 0, createApiKey.ValidDays)
	apiKey := &ApiKey{
		Token:     fmt.Sprintf("key%d", self.nextId),
		Name:      createApiKey.Name,
		CreatedAt: &now,
		ExpiresAt: &expiresAt,
	}
	user.ApiKeys = append(user.ApiKeys, apiKey)
	writeJson(w, http.StatusCreated, apiKey)
}

func (self *testDbServer) revokeApiKey(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	self.mutex.Lock()
	defer self.mutex.Unlock()
	user := self.userWithLock(r.PathValue("id"))
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	n := len(user.ApiKeys)
	user.ApiKeys = slices.DeleteFunc(user.ApiKeys, func(apiKey *ApiKey) bool {
		return apiKey.Token == token
	})
	if len(user.ApiKeys) == n {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}
	writeJson(w, http.StatusOK, map[string]string{
		"message": "api key revoked",
	})
}

func (self *testDbServer) listRoles(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	writeJson(w, http.StatusOK, self.roles)
}

func (self *testDbServer) getRole(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	i := slices.IndexFunc(self.roles, func(role *Role) bool {
		return role.Name == r.PathValue("name")
	})
	if i < 0 {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	writeJson(w, http.StatusOK, self.roles[i])
}

func (self *testDbServer) ws(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	token := self.token
	self.mutex.Unlock()
	if r.URL.Query().Get("token") != token {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newTestDbConn(ws)

	self.mutex.Lock()
	self.conns = append(self.conns, conn)
	close(self.connUpdate)
	self.connUpdate = make(chan struct{})
	self.mutex.Unlock()

	conn.WriteJson(map[string]any{
		"type": "welcome",
		"user": map[string]string{
			"id": "u1",
		},
	})
	go conn.run()
}

func (self *testDbServer) broadcast(kind EventKind, document *Document) {
	self.mutex.Lock()
	conns := slices.Clone(self.conns)
	self.mutex.Unlock()

	frame := map[string]any{
		"type": string(kind),
		"collection": document.Collection,
		"document_id": document.Id,
	}
	if kind != EventDelete {
		frame["document"] = document
	}
	for _, conn := range conns {
		if conn.Subscribed(document.Collection, document.Id) {
			conn.WriteJson(frame)
		}
	}
}

// one accepted event connection
type testDbConn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex

	mutex         sync.Mutex
	subscriptions map[Subscription]bool
	// every frame received, in order
	frames      []SubscriptionFrame
	frameUpdate chan struct{}
	done        chan struct{}
}

func newTestDbConn(ws *websocket.Conn) *testDbConn {
	return &testDbConn{
		ws:            ws,
		subscriptions: map[Subscription]bool{},
		frameUpdate:   make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (self *testDbConn) run() {
	defer close(self.done)
	for {
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame SubscriptionFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		subscription := Subscription{
			Collection: frame.Collection,
			DocumentId: frame.DocumentId,
		}

		self.mutex.Lock()
		switch frame.Action {
		case ActionSubscribe:
			self.subscriptions[subscription] = true
		case ActionUnsubscribe:
			delete(self.subscriptions, subscription)
		}
		self.frames = append(self.frames, frame)
		close(self.frameUpdate)
		self.frameUpdate = make(chan struct{})
		self.mutex.Unlock()
	}
}

func (self *testDbConn) Subscribed(collection string, documentId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subscriptions[Subscription{Collection: collection}] ||
		self.subscriptions[Subscription{Collection: collection, DocumentId: documentId}]
}

// blocks until `n` frames were received
func (self *testDbConn) WaitFrames(t *testing.T, n int) []SubscriptionFrame {
	timeout := time.After(5 * time.Second)
	for {
		self.mutex.Lock()
		frameUpdate := self.frameUpdate
		var frames []SubscriptionFrame
		if n <= len(self.frames) {
			frames = slices.Clone(self.frames[:n])
		}
		self.mutex.Unlock()

		if frames != nil {
			return frames
		}
		select {
		case <-frameUpdate:
		case <-timeout:
			t.Fatalf("received fewer than %d frames", n)
		}
	}
}

// blocks until `frame` was received
func (self *testDbConn) WaitFrame(t *testing.T, frame SubscriptionFrame) {
	timeout := time.After(5 * time.Second)
	for {
		self.mutex.Lock()
		frameUpdate := self.frameUpdate
		received := slices.Contains(self.frames, frame)
		self.mutex.Unlock()

		if received {
			return
		}
		select {
		case <-frameUpdate:
		case <-timeout:
			t.Fatalf("frame %s %s not received", frame.Action, frame.Collection)
		}
	}
}

func (self *testDbConn) WriteJson(frame any) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteJSON(frame)
}

func (self *testDbConn) WriteRaw(message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

// a clean close initiated by the server
func (self *testDbConn) CloseNormal() {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// drops the connection without a close frame
func (self *testDbConn) Drop() {
	self.ws.Close()
}

func writeJson(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJson(w, statusCode, map[string]string{
		"error": message,
	})
}

// collects observer calls on channels
type testObserver struct {
	creates      chan *InboundEvent
	updates      chan *InboundEvent
	deletes      chan *InboundEvent
	unknowns     chan *InboundEvent
	decodeErrors chan *DecodeError
}

func newTestObserver() *testObserver {
	return &testObserver{
		creates:      make(chan *InboundEvent, 64),
		updates:      make(chan *InboundEvent, 64),
		deletes:      make(chan *InboundEvent, 64),
		unknowns:     make(chan *InboundEvent, 64),
		decodeErrors: make(chan *DecodeError, 64),
	}
}

func (self *testObserver) OnCreate(event *InboundEvent) {
	self.creates <- event
}

func (self *testObserver) OnUpdate(event *InboundEvent) {
	self.updates <- event
}

func (self *testObserver) OnDelete(event *InboundEvent) {
	self.deletes <- event
}

func (self *testObserver) OnUnknown(event *InboundEvent) {
	self.unknowns <- event
}

func (self *testObserver) OnDecodeError(err *DecodeError) {
	self.decodeErrors <- err
}

func receive[T any](t *testing.T, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout")
		var empty T
		return empty
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
