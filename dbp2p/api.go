package dbp2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func defaultClient(settings *ApiSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// the request executor for the document database rest api.
// Every call except login and health needs a session in the credential store.
// Calls are not retried. A failure never changes the credential store.
type DbApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl      string
	credentials *CredentialStore

	client *http.Client
}

func NewDbApi(apiUrl string, credentials *CredentialStore) *DbApi {
	return NewDbApiWithContext(context.Background(), apiUrl, credentials, DefaultApiSettings())
}

func NewDbApiWithContext(
	ctx context.Context,
	apiUrl string,
	credentials *CredentialStore,
	settings *ApiSettings,
) *DbApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &DbApi{
		ctx:         cancelCtx,
		cancel:      cancel,
		apiUrl:      strings.TrimRight(apiUrl, "/"),
		credentials: credentials,
		client:      defaultClient(settings),
	}
}

func (self *DbApi) Credentials() *CredentialStore {
	return self.credentials
}

// cancels in-flight calls
func (self *DbApi) Close() {
	self.cancel()
}

func (self *DbApi) url(pathParts ...string) string {
	escapedParts := make([]string, 0, len(pathParts))
	for _, pathPart := range pathParts {
		escapedParts = append(escapedParts, url.PathEscape(pathPart))
	}
	return fmt.Sprintf("%s/api/%s", self.apiUrl, strings.Join(escapedParts, "/"))
}

type LoginCallback apiCallback[*LoginResult]

type LoginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResult struct {
	Token    string `json:"token"`
	UserId   string `json:"user_id"`
	Username string `json:"username"`
	// comma joined
	Roles string `json:"roles"`
}

func (self *LoginResult) Session() *Session {
	return &Session{
		Token:    self.Token,
		UserId:   self.UserId,
		Username: self.Username,
		Roles:    ParseRoles(self.Roles),
	}
}

// a successful login replaces the session in the credential store
func (self *DbApi) Login(login *LoginArgs, callback LoginCallback) {
	go self.login(login, callback)
}

func (self *DbApi) LoginSync(login *LoginArgs) (*LoginResult, error) {
	return self.login(login, NewNoopApiCallback[*LoginResult]())
}

func (self *DbApi) login(login *LoginArgs, callback LoginCallback) (*LoginResult, error) {
	loginUrl := self.url("login")
	result, err := call(
		self.ctx,
		self.client,
		"POST",
		loginUrl,
		login,
		"",
		&LoginResult{},
		NewNoopApiCallback[*LoginResult](),
	)
	if err == nil && (result == nil || result.Token == "") {
		result = nil
		err = &TransportError{
			Method:     "POST",
			Url:        loginUrl,
			StatusCode: http.StatusOK,
			Message:    "login response has no token",
			Err:        ErrUnauthenticated,
		}
	}
	if err == nil {
		self.credentials.SetSession(result.Session())
	}
	callback.Result(result, err)
	return result, err
}

type HealthResult struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

func (self *DbApi) HealthSync() (*HealthResult, error) {
	return call(
		self.ctx,
		self.client,
		"GET",
		self.url("health"),
		nil,
		"",
		&HealthResult{},
		NewNoopApiCallback[*HealthResult](),
	)
}

// a stored record
type Document struct {
	Id         string `json:"id"`
	Collection string `json:"collection,omitempty"`
	// kept raw so that data round trips byte for byte
	Data      json.RawMessage `json:"data"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

func (self *Document) UnmarshalData(data any) error {
	return json.Unmarshal(self.Data, data)
}

type DocumentCallback apiCallback[*Document]

// `data` is any json encodable value
func (self *DbApi) CreateDocument(collection string, data any, callback DocumentCallback) {
	go authCall[*Document](self, "POST", self.url("collections", collection), data, &Document{}, callback)
}

func (self *DbApi) CreateDocumentSync(collection string, data any) (*Document, error) {
	return authCall(self, "POST", self.url("collections", collection), data, &Document{}, NewNoopApiCallback[*Document]())
}

func (self *DbApi) GetDocument(collection string, documentId string, callback DocumentCallback) {
	go authCall[*Document](self, "GET", self.url("collections", collection, documentId), nil, &Document{}, callback)
}

func (self *DbApi) GetDocumentSync(collection string, documentId string) (*Document, error) {
	return authCall(self, "GET", self.url("collections", collection, documentId), nil, &Document{}, NewNoopApiCallback[*Document]())
}

func (self *DbApi) UpdateDocument(collection string, documentId string, data any, callback DocumentCallback) {
	go authCall[*Document](self, "PUT", self.url("collections", collection, documentId), data, &Document{}, callback)
}

func (self *DbApi) UpdateDocumentSync(collection string, documentId string, data any) (*Document, error) {
	return authCall(self, "PUT", self.url("collections", collection, documentId), data, &Document{}, NewNoopApiCallback[*Document]())
}

type MessageCallback apiCallback[*MessageResult]

// the body of calls that only acknowledge
type MessageResult struct {
	Message string `json:"message"`
}

func (self *DbApi) DeleteDocument(collection string, documentId string, callback MessageCallback) {
	go authCall[*MessageResult](self, "DELETE", self.url("collections", collection, documentId), nil, &MessageResult{}, callback)
}

func (self *DbApi) DeleteDocumentSync(collection string, documentId string) (*MessageResult, error) {
	return authCall(self, "DELETE", self.url("collections", collection, documentId), nil, &MessageResult{}, NewNoopApiCallback[*MessageResult]())
}

type ListCollectionCallback apiCallback[[]*Document]

func (self *DbApi) ListCollection(collection string, callback ListCollectionCallback) {
	go self.listCollection(collection, callback)
}

// never returns a nil list on success
func (self *DbApi) ListCollectionSync(collection string) ([]*Document, error) {
	return self.listCollection(collection, NewNoopApiCallback[[]*Document]())
}

func (self *DbApi) listCollection(collection string, callback ListCollectionCallback) ([]*Document, error) {
	documents, err := authCall[[]*Document](self, "GET", self.url("collections", collection), nil, nil, NewNoopApiCallback[[]*Document]())
	if err == nil && documents == nil {
		// the server sends `null` for an empty collection
		documents = []*Document{}
	}
	callback.Result(documents, err)
	return documents, err
}

type CreateBackupResult struct {
	BackupName string `json:"backup_name"`
}

func (self *DbApi) CreateBackupSync() (*CreateBackupResult, error) {
	return authCall(self, "POST", self.url("backups"), nil, &CreateBackupResult{}, NewNoopApiCallback[*CreateBackupResult]())
}

func (self *DbApi) ListBackupsSync() ([]string, error) {
	backups, err := authCall[[]string](self, "GET", self.url("backups"), nil, nil, NewNoopApiCallback[[]string]())
	if err == nil && backups == nil {
		backups = []string{}
	}
	return backups, err
}

func (self *DbApi) RestoreBackupSync(backupName string) (*MessageResult, error) {
	return authCall(self, "POST", self.url("backups", backupName), nil, &MessageResult{}, NewNoopApiCallback[*MessageResult]())
}

func (self *DbApi) DeleteBackupSync(backupName string) (*MessageResult, error) {
	return authCall(self, "DELETE", self.url("backups", backupName), nil, &MessageResult{}, NewNoopApiCallback[*MessageResult]())
}

type User struct {
	Id        string     `json:"id"`
	Username  string     `json:"username"`
	FullName  string     `json:"full_name,omitempty"`
	Email     string     `json:"email,omitempty"`
	Roles     []string   `json:"roles"`
	ApiKeys   []*ApiKey  `json:"api_keys"`
	Active    bool       `json:"active"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type ApiKey struct {
	Token     string     `json:"token"`
	Name      string     `json:"name"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Role struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Permissions []*Permission `json:"permissions"`
	// system roles cannot be deleted
	IsSystem  bool       `json:"is_system"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Permission struct {
	// a collection name or "*"
	Resource string `json:"resource"`
	// "read", "write", "delete", "admin" or "*"
	Actions []string `json:"actions"`
}

func (self *DbApi) ListUsersSync() ([]*User, error) {
	users, err := authCall[[]*User](self, "GET", self.url("users"), nil, nil, NewNoopApiCallback[[]*User]())
	if err == nil && users == nil {
		users = []*User{}
	}
	return users, err
}

func (self *DbApi) GetUserSync(userId string) (*User, error) {
	return authCall(self, "GET", self.url("users", userId), nil, &User{}, NewNoopApiCallback[*User]())
}

type CreateUserArgs struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

func (self *DbApi) CreateUserSync(createUser *CreateUserArgs) (*User, error) {
	return authCall(self, "POST", self.url("users"), createUser, &User{}, NewNoopApiCallback[*User]())
}

func (self *DbApi) DeleteUserSync(userId string) (*MessageResult, error) {
	return authCall(self, "DELETE", self.url("users", userId), nil, &MessageResult{}, NewNoopApiCallback[*MessageResult]())
}

type CreateApiKeyArgs struct {
	Name      string `json:"name"`
	ValidDays int    `json:"valid_days"`
}

func (self *DbApi) CreateApiKeySync(userId string, createApiKey *CreateApiKeyArgs) (*ApiKey, error) {
	return authCall(self, "POST", self.url("users", userId, "apikeys"), createApiKey, &ApiKey{}, NewNoopApiCallback[*ApiKey]())
}

func (self *DbApi) RevokeApiKeySync(userId string, token string) (*MessageResult, error) {
	return authCall(self, "DELETE", self.url("users", userId, "apikeys", token), nil, &MessageResult{}, NewNoopApiCallback[*MessageResult]())
}

func (self *DbApi) ListRolesSync() ([]*Role, error) {
	roles, err := authCall[[]*Role](self, "GET", self.url("roles"), nil, nil, NewNoopApiCallback[[]*Role]())
	if err == nil && roles == nil {
		roles = []*Role{}
	}
	return roles, err
}

func (self *DbApi) GetRoleSync(name string) (*Role, error) {
	return authCall(self, "GET", self.url("roles", name), nil, &Role{}, NewNoopApiCallback[*Role]())
}

// attaches the session token, or fails with `ErrUnauthenticated` without a request
func authCall[R any](self *DbApi, method string, url string, args any, result R, callback apiCallback[R]) (R, error) {
	authorization, err := self.credentials.AuthorizationHeader()
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	return call(self.ctx, self.client, method, url, args, authorization, result, callback)
}

func call[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	args any,
	authorization string,
	result R,
	callback apiCallback[R],
) (R, error) {
	fail := func(statusCode int, message string, err error) (R, error) {
		transportErr := &TransportError{
			Method:     method,
			Url:        url,
			StatusCode: statusCode,
			Message:    message,
			Err:        err,
		}
		glog.V(LogLevelRequest).Infof("[a]%s %s error = %s\n", method, url, transportErr)
		var empty R
		callback.Result(empty, transportErr)
		return empty, transportErr
	}

	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("X-Request-Id", NewId().String())
	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	r, err := client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return fail(r.StatusCode, "", err)
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message,
		// either `{"error": message}` or plain text
		message := errorMessage(responseBodyBytes)
		var statusErr error
		if r.StatusCode == http.StatusUnauthorized {
			statusErr = ErrUnauthenticated
		} else if message != "" {
			statusErr = errors.New(message)
		} else {
			statusErr = errors.New(http.StatusText(r.StatusCode))
		}
		return fail(r.StatusCode, message, statusErr)
	}

	if 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
			return fail(r.StatusCode, "response is not json", err)
		}
	}

	glog.V(LogLevelRequest).Infof("[a]%s %s %d\n", method, url, r.StatusCode)
	callback.Result(result, nil)
	return result, nil
}

func errorMessage(responseBodyBytes []byte) string {
	var errorBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(responseBodyBytes, &errorBody); err == nil && errorBody.Error != "" {
		return errorBody.Error
	}
	return strings.TrimSpace(string(responseBodyBytes))
}
