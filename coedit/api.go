package coedit

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
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

const (
	ErrorMessageNetwork      = "Network error. Please check your connection."
	ErrorMessageUnauthorized = "Your session has expired. Please login again."
	ErrorMessageForbidden    = "You do not have permission to perform this action."
	ErrorMessageNotFound     = "The requested resource was not found."
	ErrorMessageServer       = "An unexpected error occurred. Please try again later."
	ErrorMessageRateLimited  = "Too many requests. Please wait and try again."
)

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        30 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func (self *ApiSettings) client() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

// every failure of the rest backend. The message is the user facing one.
// `StatusCode` is 0 when the request never got a response.
type ApiError struct {
	StatusCode int
	Message    string
	Err        error
}

func (self *ApiError) Error() string {
	if self.StatusCode == 0 {
		return self.Message
	}
	return fmt.Sprintf("%d %s", self.StatusCode, self.Message)
}

func (self *ApiError) Unwrap() error {
	return self.Err
}

func IsUnauthorized(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func IsNotFound(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func newApiError(statusCode int, body []byte) *ApiError {
	var message string
	switch statusCode {
	case http.StatusUnauthorized:
		message = ErrorMessageUnauthorized
	case http.StatusForbidden:
		message = ErrorMessageForbidden
	case http.StatusNotFound:
		message = ErrorMessageNotFound
	case http.StatusTooManyRequests:
		message = ErrorMessageRateLimited
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		message = ErrorMessageServer
	default:
		// use the server message if there is one
		var errorBody struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &errorBody); err == nil && strings.TrimSpace(errorBody.Message) != "" {
			message = strings.TrimSpace(errorBody.Message)
		} else {
			message = ErrorMessageServer
		}
	}
	return &ApiError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// the document crud collaborator of the sync controller
type DocumentStore interface {
	GetDocument(ctx context.Context, documentId Key) (*Document, error)
	CreateDocument(ctx context.Context, title string, content string) (*Document, error)
	UpdateDocument(ctx context.Context, documentId Key, update *DocumentUpdate) (*Document, error)
	DeleteDocument(ctx context.Context, documentId Key) error
}

// version snapshots, used by the controller for create/restore
type VersionStore interface {
	CreateVersion(ctx context.Context, documentId Key, title string, content string) (*Version, error)
	RestoreVersion(ctx context.Context, versionId Key) (*Document, error)
}

// client of the coEdit rest backend
type Api struct {
	apiUrl string
	client *http.Client

	stateLock sync.Mutex
	token     string
}

func NewApi(apiUrl string) *Api {
	return NewApiWithSettings(apiUrl, DefaultApiSettings())
}

func NewApiWithSettings(apiUrl string, settings *ApiSettings) *Api {
	return &Api{
		apiUrl: strings.TrimRight(strings.TrimSpace(apiUrl), "/"),
		client: settings.client(),
	}
}

// this gets attached to api calls that need it
func (self *Api) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

func (self *Api) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

// auth

type LoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterArgs struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// `dto.AuthResponse`
type AuthResult struct {
	Message   string    `json:"message,omitempty"`
	Token     string    `json:"token,omitempty"`
	TokenType string    `json:"tokenType,omitempty"`
	UserId    Key       `json:"userId,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (self *AuthResult) User() *User {
	return &User{
		Id:    self.UserId,
		Email: self.Email,
		Name:  self.Name,
	}
}

// on success the token is attached to subsequent calls
func (self *Api) Login(ctx context.Context, login *LoginArgs) (*AuthResult, error) {
	result, err := required(call(ctx, self, http.MethodPost, "/api/auth/login", login, &AuthResult{}))
	if err != nil {
		return nil, err
	}
	if result.Token != "" {
		self.SetToken(result.Token)
	}
	return result, nil
}

func (self *Api) Register(ctx context.Context, register *RegisterArgs) (*AuthResult, error) {
	result, err := call(ctx, self, http.MethodPost, "/api/auth/signup", register, &AuthResult{})
	return required(result, err)
}

func (self *Api) Me(ctx context.Context) (*User, error) {
	result, err := call(ctx, self, http.MethodGet, "/api/auth/me", nil, &User{})
	return required(result, err)
}

func (self *Api) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	result, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/users/email/%s", url.PathEscape(email)), nil, &User{})
	return required(result, err)
}

// documents

func (self *Api) ListDocuments(ctx context.Context) ([]*Document, error) {
	documents, err := call(ctx, self, http.MethodGet, "/api/docs", nil, &[]*Document{})
	return listValues(documents, err)
}

func (self *Api) ListDocumentsByOwner(ctx context.Context, ownerId Key) ([]*Document, error) {
	documents, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/docs/owner/%s", ownerId), nil, &[]*Document{})
	return listValues(documents, err)
}

// filters on title and content, case insensitive. The backend has no search endpoint.
func (self *Api) SearchDocuments(ctx context.Context, query string) ([]*Document, error) {
	documents, err := self.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	lowerQuery := strings.ToLower(query)
	return filterDocuments(documents, func(document *Document) bool {
		return strings.Contains(strings.ToLower(document.Title), lowerQuery) ||
			strings.Contains(strings.ToLower(document.Content), lowerQuery)
	}), nil
}

// documents the user can access but does not own
func (self *Api) ListSharedDocuments(ctx context.Context, userId Key) ([]*Document, error) {
	documents, err := self.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return filterDocuments(documents, func(document *Document) bool {
		return document.OwnerKey() != userId
	}), nil
}

func (self *Api) ListMyDocuments(ctx context.Context, userId Key) ([]*Document, error) {
	documents, err := self.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return filterDocuments(documents, func(document *Document) bool {
		return document.OwnerKey() == userId
	}), nil
}

func filterDocuments(documents []*Document, keep func(*Document) bool) []*Document {
	out := slices.Clone(documents)
	return slices.DeleteFunc(out, func(document *Document) bool {
		return !keep(document)
	})
}

func (self *Api) GetDocument(ctx context.Context, documentId Key) (*Document, error) {
	return call(ctx, self, http.MethodGet, fmt.Sprintf("/api/docs/%s", documentId), nil, &Document{})
}

func (self *Api) CreateDocument(ctx context.Context, title string, content string) (*Document, error) {
	args := map[string]string{
		"title":   title,
		"content": content,
	}
	result, err := call(ctx, self, http.MethodPost, "/api/docs", args, &Document{})
	return required(result, err)
}

func (self *Api) UpdateDocument(ctx context.Context, documentId Key, update *DocumentUpdate) (*Document, error) {
	return call(ctx, self, http.MethodPut, fmt.Sprintf("/api/docs/%s", documentId), update, &Document{})
}

func (self *Api) DeleteDocument(ctx context.Context, documentId Key) error {
	_, err := call[struct{}](ctx, self, http.MethodDelete, fmt.Sprintf("/api/docs/%s", documentId), nil, nil)
	return err
}

// permissions

type grantArgs struct {
	Document   *KeyRef    `json:"document"`
	User       *KeyRef    `json:"user"`
	AccessType AccessType `json:"accessType"`
}

func (self *Api) GrantPermission(ctx context.Context, documentId Key, userId Key, accessType AccessType) (*Permission, error) {
	args := &grantArgs{
		Document:   &KeyRef{Id: documentId},
		User:       &KeyRef{Id: userId},
		AccessType: accessType,
	}
	result, err := call(ctx, self, http.MethodPost, "/api/permissions/grant", args, &Permission{})
	return required(result, err)
}

func (self *Api) GrantPermissionByEmail(ctx context.Context, documentId Key, email string, accessType AccessType) (*Permission, error) {
	user, err := self.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Id.IsZero() {
		return nil, &ApiError{
			StatusCode: http.StatusNotFound,
			Message:    "User not found",
		}
	}
	return self.GrantPermission(ctx, documentId, user.Id, accessType)
}

func (self *Api) RevokePermission(ctx context.Context, permissionId Key) error {
	_, err := call[struct{}](ctx, self, http.MethodDelete, fmt.Sprintf("/api/permissions/%s", permissionId), nil, nil)
	return err
}

func (self *Api) UpdatePermission(ctx context.Context, permissionId Key, accessType AccessType) (*Permission, error) {
	args := map[string]AccessType{
		"accessType": accessType,
	}
	result, err := call(ctx, self, http.MethodPut, fmt.Sprintf("/api/permissions/%s", permissionId), args, &Permission{})
	return required(result, err)
}

func (self *Api) ListUserPermissions(ctx context.Context, userId Key) ([]*Permission, error) {
	permissions, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/permissions/user/%s", userId), nil, &[]*Permission{})
	return listValues(permissions, err)
}

func (self *Api) ListDocumentPermissions(ctx context.Context, documentId Key) ([]*Permission, error) {
	permissions, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/permissions/doc/%s", documentId), nil, &[]*Permission{})
	return listValues(permissions, err)
}

// any error reads as no access
func (self *Api) CheckAccess(ctx context.Context, documentId Key, userId Key, required AccessType) bool {
	permissions, err := self.ListDocumentPermissions(ctx, documentId)
	if err != nil {
		return false
	}
	i := slices.IndexFunc(permissions, func(permission *Permission) bool {
		return permission.UserKey() == userId
	})
	if i < 0 {
		return false
	}
	return permissions[i].AccessType.Allows(required)
}

// comments

type createCommentArgs struct {
	Document *KeyRef `json:"document"`
	Body     string  `json:"body"`
	Location *int    `json:"location,omitempty"`
}

func (self *Api) ListComments(ctx context.Context, documentId Key) ([]*Comment, error) {
	comments, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/comments/doc/%s", documentId), nil, &[]*Comment{})
	return listValues(comments, err)
}

func (self *Api) GetComment(ctx context.Context, commentId Key) (*Comment, error) {
	result, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/comments/%s", commentId), nil, &Comment{})
	return required(result, err)
}

// `location` is an optional position in the document
func (self *Api) CreateComment(ctx context.Context, documentId Key, body string, location *int) (*Comment, error) {
	args := &createCommentArgs{
		Document: &KeyRef{Id: documentId},
		Body:     body,
		Location: location,
	}
	result, err := call(ctx, self, http.MethodPost, "/api/comments", args, &Comment{})
	return required(result, err)
}

func (self *Api) UpdateComment(ctx context.Context, commentId Key, body string) (*Comment, error) {
	args := map[string]string{
		"body": body,
	}
	result, err := call(ctx, self, http.MethodPut, fmt.Sprintf("/api/comments/%s", commentId), args, &Comment{})
	return required(result, err)
}

func (self *Api) DeleteComment(ctx context.Context, commentId Key) error {
	_, err := call[struct{}](ctx, self, http.MethodDelete, fmt.Sprintf("/api/comments/%s", commentId), nil, nil)
	return err
}

// versions

type createVersionArgs struct {
	Document *KeyRef `json:"document"`
	Title    string  `json:"title"`
	Content  string  `json:"content"`
}

func (self *Api) ListVersions(ctx context.Context, documentId Key) ([]*Version, error) {
	versions, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/history/document/%s", documentId), nil, &[]*Version{})
	return listValues(versions, err)
}

// nil if the document has no history
func (self *Api) LatestVersion(ctx context.Context, documentId Key) (*Version, error) {
	versions, err := self.ListVersions(ctx, documentId)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	sorted := slices.Clone(versions)
	slices.SortStableFunc(sorted, func(a *Version, b *Version) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return sorted[0], nil
}

func (self *Api) GetVersion(ctx context.Context, versionId Key) (*Version, error) {
	result, err := call(ctx, self, http.MethodGet, fmt.Sprintf("/api/history/%s", versionId), nil, &Version{})
	return required(result, err)
}

func (self *Api) CreateVersion(ctx context.Context, documentId Key, title string, content string) (*Version, error) {
	args := &createVersionArgs{
		Document: &KeyRef{Id: documentId},
		Title:    title,
		Content:  content,
	}
	result, err := call(ctx, self, http.MethodPost, "/api/history", args, &Version{})
	return required(result, err)
}

func (self *Api) RestoreVersion(ctx context.Context, versionId Key) (*Document, error) {
	return call(ctx, self, http.MethodPost, fmt.Sprintf("/api/history/%s/restore", versionId), nil, &Document{})
}

// a response body is expected
func required[R any](result *R, err error) (*R, error) {
	if err == nil && result == nil {
		return nil, ErrEmptyResponse
	}
	return result, err
}

func listValues[T any](values *[]T, err error) ([]T, error) {
	if err != nil || values == nil {
		return nil, err
	}
	return *values, nil
}

// `result` may be nil when the response body is ignored
func call[R any](ctx context.Context, api *Api, method string, path string, args any, result *R) (*R, error) {
	var empty *R

	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return empty, err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, api.apiUrl+path, body)
	if err != nil {
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")

	if token := api.Token(); token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	} else if !strings.HasPrefix(path, "/api/auth/") {
		glog.Warningf("[api]no auth token for %s %s\n", method, path)
	}

	r, err := api.client.Do(req)
	if err != nil {
		return empty, &ApiError{
			Message: ErrorMessageNetwork,
			Err:     err,
		}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return empty, &ApiError{
			StatusCode: r.StatusCode,
			Message:    ErrorMessageNetwork,
			Err:        err,
		}
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return empty, newApiError(r.StatusCode, responseBodyBytes)
	}

	// no body reads as no value
	if result == nil || len(bytes.TrimSpace(responseBodyBytes)) == 0 {
		return empty, nil
	}

	err = json.Unmarshal(responseBodyBytes, result)
	if err != nil {
		return empty, err
	}
	return result, nil
}
