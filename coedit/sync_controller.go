package coedit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateLoading
	SyncStateReady
	// a persist is in flight. Edits are still accepted.
	SyncStateSaving
)

func (self SyncState) String() string {
	switch self {
	case SyncStateIdle:
		return "idle"
	case SyncStateLoading:
		return "loading"
	case SyncStateReady:
		return "ready"
	case SyncStateSaving:
		return "saving"
	default:
		return "unknown"
	}
}

type SyncSettings struct {
	// quiet period before an auto-save
	AutoSaveDelay time.Duration
	SaveTimeout   time.Duration
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		AutoSaveDelay: 1 * time.Second,
		SaveTimeout:   30 * time.Second,
	}
}

type RemoteEditFunction = func(message *EditMessage, content string)
type PresenceFunction = func(users []PresenceUser)
type CursorFunction = func(message *CursorMessage)

// local state of one open document, reconciled with the backend and the bus.
//
// Remote edits are last write wins: a remote edit replaces local content whether or not
// local edits are unsaved, and whether or not a save is in flight.
// Outbound edits carry a sequence number for diagnostics only.
type DocumentSyncController struct {
	ctx    context.Context
	cancel context.CancelFunc

	documents         DocumentStore
	versions          VersionStore
	connectionManager *ConnectionManager
	user              *User
	notifier          Notifier
	settings          *SyncSettings
	log               LogFunction

	roster *PresenceRoster

	remoteEditCallbacks *CallbackList[RemoteEditFunction]
	presenceCallbacks   *CallbackList[PresenceFunction]
	cursorCallbacks     *CallbackList[CursorFunction]

	stateLock sync.Mutex
	state     SyncState
	document  *Document
	// the content at the last successful save or the last applied remote edit
	baselineTitle     string
	baselineContent   string
	hasUnsavedChanges bool
	lastSavedAt       time.Time
	// a save was asked for while one was in flight
	savePending    bool
	autoSaveTimer  *time.Timer
	autoSaveEpoch  uint64
	loadEpoch      uint64
	seq            uint64
	joined         bool
	closed         bool
	removeListener func()
}

// `versions`, `connectionManager`, and `notifier` may be nil
func NewDocumentSyncController(
	ctx context.Context,
	documents DocumentStore,
	versions VersionStore,
	connectionManager *ConnectionManager,
	user *User,
	notifier Notifier,
	settings *SyncSettings,
) *DocumentSyncController {
	cancelCtx, cancel := context.WithCancel(ctx)
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if user == nil {
		user = &User{}
	}
	controller := &DocumentSyncController{
		ctx:                 cancelCtx,
		cancel:              cancel,
		documents:           documents,
		versions:            versions,
		connectionManager:   connectionManager,
		user:                user,
		notifier:            notifier,
		settings:            settings,
		log:                 SubLogFn(LogFn(1, "[sync]"), fmt.Sprintf("user %s", user.Id)),
		roster:              NewPresenceRoster(),
		remoteEditCallbacks: NewCallbackList[RemoteEditFunction](),
		presenceCallbacks:   NewCallbackList[PresenceFunction](),
		cursorCallbacks:     NewCallbackList[CursorFunction](),
		state:               SyncStateIdle,
	}
	if connectionManager != nil {
		controller.removeListener = connectionManager.AddConnectionEventCallback(controller.connectionEvent)
	}
	return controller
}

func NewDocumentSyncControllerWithDefaults(
	ctx context.Context,
	api *Api,
	connectionManager *ConnectionManager,
	user *User,
	notifier Notifier,
) *DocumentSyncController {
	return NewDocumentSyncController(ctx, api, api, connectionManager, user, notifier, DefaultSyncSettings())
}

func (self *DocumentSyncController) notify(severity Severity, message string, err error) {
	HandleError(func() {
		self.notifier.Notify(&Notification{
			Severity: severity,
			Message:  message,
			Err:      err,
		})
	})
}

// must be called with the state lock
func (self *DocumentSyncController) updateDirty() {
	self.hasUnsavedChanges = self.document != nil &&
		(self.document.Title != self.baselineTitle || self.document.Content != self.baselineContent)
}

// must be called with the state lock
func (self *DocumentSyncController) stopAutoSave() {
	self.autoSaveEpoch += 1
	if self.autoSaveTimer != nil {
		self.autoSaveTimer.Stop()
		self.autoSaveTimer = nil
	}
}

// must be called with the state lock
func (self *DocumentSyncController) adopt(document *Document) {
	self.document = document.Clone()
	self.baselineTitle = document.Title
	self.baselineContent = document.Content
	self.hasUnsavedChanges = false
}

// replaces local state with the backend's. On failure the controller is `Idle`.
func (self *DocumentSyncController) LoadDocument(ctx context.Context, documentId Key) (*Document, error) {
	self.stateLock.Lock()
	self.stopAutoSave()
	self.loadEpoch += 1
	loadEpoch := self.loadEpoch
	previousId := Key("")
	if self.document != nil {
		previousId = self.document.Id
	}
	self.state = SyncStateLoading
	self.stateLock.Unlock()

	self.log("load %s", documentId)
	document, err := self.documents.GetDocument(ctx, documentId)
	if err == nil && document == nil {
		err = &ApiError{
			StatusCode: 404,
			Message:    ErrorMessageNotFound,
		}
	}

	self.stateLock.Lock()
	if loadEpoch != self.loadEpoch {
		// a newer load or a clear won
		self.stateLock.Unlock()
		return nil, &LoadError{
			DocumentId: documentId,
			Err:        context.Canceled,
		}
	}
	if err != nil {
		self.state = SyncStateIdle
		self.document = nil
		self.baselineTitle = ""
		self.baselineContent = ""
		self.hasUnsavedChanges = false
		self.stateLock.Unlock()

		loadErr := &LoadError{
			DocumentId: documentId,
			Err:        err,
		}
		glog.Infof("[sync]%s\n", loadErr)
		self.notify(SeverityError, "Failed to load document", loadErr)
		return nil, loadErr
	}
	self.adopt(document)
	self.lastSavedAt = time.Time{}
	self.savePending = false
	self.state = SyncStateReady
	self.stateLock.Unlock()

	if previousId != document.Id {
		self.roster.Clear()
	}
	self.log("loaded %s", document.Id)
	return document.Clone(), nil
}

// local only. Cheap enough for every keystroke.
func (self *DocumentSyncController) UpdateContent(content string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.document == nil {
		return ErrNoDocument
	}
	self.document.Content = content
	self.updateDirty()
	return nil
}

func (self *DocumentSyncController) UpdateTitle(title string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.document == nil {
		return ErrNoDocument
	}
	self.document.Title = title
	self.updateDirty()
	return nil
}

// the editor input path: update, broadcast, and restart the auto-save
func (self *DocumentSyncController) ChangeContent(content string) error {
	if err := self.UpdateContent(content); err != nil {
		return err
	}

	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return ErrNoDocument
	}
	documentId := self.document.Id
	self.seq += 1
	seq := self.seq
	self.stateLock.Unlock()

	if self.connectionManager != nil && self.connectionManager.IsConnected() {
		// fire and forget
		self.connectionManager.SendEdit(documentId, &EditMessage{
			DocumentId: documentId,
			UserId:     self.user.Id,
			UserName:   self.user.Name,
			Content:    &content,
			Seq:        seq,
			Timestamp:  messageTimestamp(time.Now()),
		})
	}

	self.AutoSave()
	return nil
}

func (self *DocumentSyncController) ChangeTitle(title string) error {
	if err := self.UpdateTitle(title); err != nil {
		return err
	}
	self.AutoSave()
	return nil
}

// restarts the quiet period. When it elapses and there are unsaved changes, the document is saved.
func (self *DocumentSyncController) AutoSave() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.document == nil || self.closed {
		return
	}
	self.stopAutoSave()
	autoSaveEpoch := self.autoSaveEpoch
	self.autoSaveTimer = time.AfterFunc(self.settings.AutoSaveDelay, func() {
		self.autoSaveElapsed(autoSaveEpoch)
	})
}

func (self *DocumentSyncController) autoSaveElapsed(autoSaveEpoch uint64) {
	self.stateLock.Lock()
	if autoSaveEpoch != self.autoSaveEpoch || self.closed {
		self.stateLock.Unlock()
		return
	}
	self.autoSaveTimer = nil
	if self.state == SyncStateSaving {
		// re-armed when the save completes
		self.savePending = true
		self.stateLock.Unlock()
		return
	}
	dirty := self.hasUnsavedChanges
	self.stateLock.Unlock()

	if !dirty {
		return
	}

	HandleError(func() {
		ctx, cancel := context.WithTimeout(self.ctx, self.settings.SaveTimeout)
		defer cancel()
		// failures are reported by the save. The next edit retries.
		self.SaveDocument(ctx)
	}, self.savePanicked)
}

// a panic in the document store leaves the save in flight. Return to ready so the next edit saves.
func (self *DocumentSyncController) savePanicked(err error) {
	self.stateLock.Lock()
	var documentId Key
	if self.document != nil {
		documentId = self.document.Id
	}
	if self.state == SyncStateSaving {
		self.state = SyncStateReady
	}
	self.savePending = false
	self.stateLock.Unlock()

	saveErr := &SaveError{
		DocumentId: documentId,
		Err:        err,
	}
	self.notify(SeverityError, "Failed to save document", saveErr)
}

// persists the local title and content. A no-op when there are no unsaved changes,
// or when a save is already in flight (the in-flight save re-arms the auto-save).
// Returns the server representation, or nil when nothing was saved.
func (self *DocumentSyncController) SaveDocument(ctx context.Context) (*Document, error) {
	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return nil, ErrNoDocument
	}
	if self.state == SyncStateSaving {
		self.savePending = true
		self.stateLock.Unlock()
		return nil, nil
	}
	if !self.hasUnsavedChanges {
		self.stateLock.Unlock()
		return nil, nil
	}
	self.state = SyncStateSaving
	documentId := self.document.Id
	title := self.document.Title
	content := self.document.Content
	self.stateLock.Unlock()

	self.log("save %s", documentId)
	saved, err := self.documents.UpdateDocument(ctx, documentId, &DocumentUpdate{
		Title:   &title,
		Content: &content,
	})

	self.stateLock.Lock()
	if self.document == nil || self.document.Id != documentId {
		// cleared or replaced while saving
		self.stateLock.Unlock()
		if err != nil {
			return nil, &SaveError{
				DocumentId: documentId,
				Err:        err,
			}
		}
		return saved, nil
	}
	self.state = SyncStateReady
	pending := self.savePending
	self.savePending = false

	if err != nil {
		self.stateLock.Unlock()

		saveErr := &SaveError{
			DocumentId: documentId,
			Err:        err,
		}
		glog.Infof("[sync]%s\n", saveErr)
		self.notify(SeverityError, "Failed to save document", saveErr)
		return nil, saveErr
	}

	if saved == nil {
		saved = self.document.Clone()
		saved.Title = title
		saved.Content = content
	}
	self.lastSavedAt = time.Now()
	self.baselineTitle = saved.Title
	self.baselineContent = saved.Content
	// edits made during the save stay local and dirty
	if self.document.Title == title {
		self.document.Title = saved.Title
	}
	if self.document.Content == content {
		self.document.Content = saved.Content
	}
	if !saved.UpdatedAt.IsZero() {
		self.document.UpdatedAt = saved.UpdatedAt
	}
	self.updateDirty()
	dirty := self.hasUnsavedChanges
	self.stateLock.Unlock()

	self.log("saved %s dirty=%t", documentId, dirty)
	if pending && dirty {
		self.AutoSave()
	}
	return saved.Clone(), nil
}

// the merge point for remote edits. Returns true if local content changed.
// Edits authored by the local user are ignored. Anything else overwrites local content and becomes the baseline.
func (self *DocumentSyncController) ApplyRemoteEdit(message *EditMessage) bool {
	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return false
	}
	if !self.user.Id.IsZero() && message.UserId == self.user.Id {
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]self echo seq=%d\n", message.Seq)
		return false
	}
	if !message.DocumentId.IsZero() && message.DocumentId != self.document.Id {
		self.stateLock.Unlock()
		return false
	}
	content, err := ApplyEdit(self.document.Content, message)
	if err != nil {
		self.stateLock.Unlock()
		glog.Warningf("[sync]remote edit from %s = %s\n", message.UserId, err)
		return false
	}
	if self.hasUnsavedChanges && self.document.Content != content {
		self.log("remote edit from %s overwrites unsaved local content", message.UserId)
	}
	self.document.Content = content
	self.baselineContent = content
	self.updateDirty()
	self.stateLock.Unlock()

	for _, callback := range self.remoteEditCallbacks.Get() {
		HandleError(func() {
			callback(message, content)
		})
	}
	return true
}

func (self *DocumentSyncController) AddRemoteEditCallback(callback RemoteEditFunction) func() {
	return self.remoteEditCallbacks.Add(callback)
}

func (self *DocumentSyncController) AddPresenceCallback(callback PresenceFunction) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *DocumentSyncController) AddCursorCallback(callback CursorFunction) func() {
	return self.cursorCallbacks.Add(callback)
}

func (self *DocumentSyncController) ApplyPresence(message *PresenceMessage) bool {
	var changed bool
	switch message.PresenceAction() {
	case PresenceActionJoin:
		changed = self.roster.Join(message.UserId, message.UserName)
	case PresenceActionLeave:
		changed = self.roster.Leave(message.UserId)
	default:
		self.log("unknown presence action %s", message.PresenceAction())
		return false
	}
	if changed {
		users := self.roster.Users()
		for _, callback := range self.presenceCallbacks.Get() {
			HandleError(func() {
				callback(users)
			})
		}
	}
	return changed
}

func (self *DocumentSyncController) onUpdate(message *Message) {
	var edit EditMessage
	if err := message.Unmarshal(&edit); err != nil {
		glog.Warningf("[sync]%s\n", err)
		return
	}
	self.ApplyRemoteEdit(&edit)
}

func (self *DocumentSyncController) onPresence(message *Message) {
	var presence PresenceMessage
	if err := message.Unmarshal(&presence); err != nil {
		glog.Warningf("[sync]%s\n", err)
		return
	}
	self.ApplyPresence(&presence)
}

func (self *DocumentSyncController) onCursor(message *Message) {
	var cursor CursorMessage
	if err := message.Unmarshal(&cursor); err != nil {
		glog.Warningf("[sync]%s\n", err)
		return
	}
	if !self.user.Id.IsZero() && cursor.UserId == self.user.Id {
		return
	}
	for _, callback := range self.cursorCallbacks.Get() {
		HandleError(func() {
			callback(&cursor)
		})
	}
}

// subscribes to the document channels and announces the local user
func (self *DocumentSyncController) Join(ctx context.Context) error {
	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return ErrNoDocument
	}
	documentId := self.document.Id
	self.stateLock.Unlock()

	if self.connectionManager == nil || !self.connectionManager.IsConnected() {
		return ErrNotConnected
	}

	if self.connectionManager.SubscribeDocumentUpdates(documentId, self.onUpdate) == nil ||
		self.connectionManager.SubscribeCursorUpdates(documentId, self.onCursor) == nil ||
		self.connectionManager.SubscribePresence(documentId, self.onPresence) == nil {
		self.connectionManager.UnsubscribeDocument(documentId)
		return ErrNotConnected
	}

	self.stateLock.Lock()
	self.joined = true
	self.stateLock.Unlock()

	return self.announce(documentId, PresenceActionJoin)
}

func (self *DocumentSyncController) announce(documentId Key, action PresenceAction) error {
	return self.connectionManager.SendPresence(documentId, &PresenceMessage{
		Type:       action,
		DocumentId: documentId,
		UserId:     self.user.Id,
		UserName:   self.user.Name,
		Timestamp:  messageTimestamp(time.Now()),
	})
}

// announces the leave if connected, and drops the document channels. Best effort.
func (self *DocumentSyncController) Leave() {
	self.stateLock.Lock()
	joined := self.joined
	self.joined = false
	var documentId Key
	if self.document != nil {
		documentId = self.document.Id
	}
	self.stateLock.Unlock()

	if !joined || self.connectionManager == nil || documentId.IsZero() {
		return
	}
	HandleError(func() {
		if self.connectionManager.IsConnected() {
			self.announce(documentId, PresenceActionLeave)
		}
		self.connectionManager.UnsubscribeDocument(documentId)
	})
}

func (self *DocumentSyncController) connectionEvent(event *ConnectionEvent) {
	switch event.Type {
	case ConnectionEventConnected:
		self.stateLock.Lock()
		joined := self.joined
		var documentId Key
		if self.document != nil {
			documentId = self.document.Id
		}
		self.stateLock.Unlock()
		// subscriptions are re-issued by the manager. Presence is not.
		if joined && !documentId.IsZero() {
			self.announce(documentId, PresenceActionJoin)
		}
	case ConnectionEventError:
		self.notify(SeverityWarning, "Connection error. Reconnecting.", event.Err)
	case ConnectionEventTerminal:
		self.notify(SeverityUrgent, ConnectionLostMessage, event.Err)
	}
}

// loads the document and joins its collaborative session.
// A document that loads but cannot join is still editable, and saved over rest.
func (self *DocumentSyncController) Open(ctx context.Context, documentId Key) (*Document, error) {
	document, err := self.LoadDocument(ctx, documentId)
	if err != nil {
		return nil, err
	}
	if err := self.Join(ctx); err != nil {
		glog.Infof("[sync]join %s = %s\n", documentId, err)
		self.notify(SeverityWarning, "Real-time collaboration is unavailable", err)
	}
	return document, nil
}

// publishes the local cursor. Cursors are not used by the sync logic.
func (self *DocumentSyncController) MoveCursor(position int, selectionStart *int, selectionEnd *int) error {
	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return ErrNoDocument
	}
	documentId := self.document.Id
	self.stateLock.Unlock()

	if self.connectionManager == nil {
		return ErrNotConnected
	}
	return self.connectionManager.SendCursorPosition(documentId, &CursorMessage{
		DocumentId:     documentId,
		UserId:         self.user.Id,
		UserName:       self.user.Name,
		CursorPosition: position,
		SelectionStart: selectionStart,
		SelectionEnd:   selectionEnd,
		Timestamp:      messageTimestamp(time.Now()),
	})
}

// snapshots the current local title and content
func (self *DocumentSyncController) CreateVersion(ctx context.Context) (*Version, error) {
	if self.versions == nil {
		return nil, ErrNoVersions
	}
	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return nil, ErrNoDocument
	}
	documentId := self.document.Id
	title := self.document.Title
	content := self.document.Content
	self.stateLock.Unlock()

	version, err := self.versions.CreateVersion(ctx, documentId, title, content)
	if err != nil {
		glog.Infof("[sync]create version %s = %s\n", documentId, err)
		self.notify(SeverityError, "Failed to create version", err)
		return nil, err
	}
	if version == nil {
		self.notify(SeverityError, "Failed to create version", ErrEmptyResponse)
		return nil, ErrEmptyResponse
	}
	return version, nil
}

// the restored document replaces local state and becomes the baseline
func (self *DocumentSyncController) RestoreVersion(ctx context.Context, versionId Key) (*Document, error) {
	if self.versions == nil {
		return nil, ErrNoVersions
	}
	self.stateLock.Lock()
	if self.document == nil {
		self.stateLock.Unlock()
		return nil, ErrNoDocument
	}
	documentId := self.document.Id
	self.stateLock.Unlock()

	document, err := self.versions.RestoreVersion(ctx, versionId)
	if err != nil {
		glog.Infof("[sync]restore version %s = %s\n", versionId, err)
		self.notify(SeverityError, "Failed to restore version", err)
		return nil, err
	}
	if document == nil {
		document, err = self.documents.GetDocument(ctx, documentId)
		if err != nil {
			return nil, err
		}
		if document == nil {
			return nil, ErrEmptyResponse
		}
	}

	self.stateLock.Lock()
	if self.document == nil || self.document.Id != documentId {
		self.stateLock.Unlock()
		return document.Clone(), nil
	}
	self.stopAutoSave()
	self.adopt(document)
	self.lastSavedAt = time.Now()
	self.stateLock.Unlock()

	self.notify(SeverityInfo, "Version restored", nil)
	return document.Clone(), nil
}

// leaves the session and drops local state. Unsaved changes are discarded.
func (self *DocumentSyncController) ClearDocument() {
	self.Leave()

	self.stateLock.Lock()
	self.stopAutoSave()
	self.loadEpoch += 1
	self.document = nil
	self.baselineTitle = ""
	self.baselineContent = ""
	self.hasUnsavedChanges = false
	self.savePending = false
	self.lastSavedAt = time.Time{}
	self.state = SyncStateIdle
	self.stateLock.Unlock()

	self.roster.Clear()
}

func (self *DocumentSyncController) Close() {
	self.ClearDocument()

	self.stateLock.Lock()
	self.closed = true
	removeListener := self.removeListener
	self.removeListener = nil
	self.stateLock.Unlock()

	if removeListener != nil {
		removeListener()
	}
	self.cancel()
}

func (self *DocumentSyncController) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// a copy of the local document, or nil
func (self *DocumentSyncController) Document() *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document.Clone()
}

func (self *DocumentSyncController) Content() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.document == nil {
		return ""
	}
	return self.document.Content
}

func (self *DocumentSyncController) Title() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.document == nil {
		return ""
	}
	return self.document.Title
}

func (self *DocumentSyncController) HasUnsavedChanges() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hasUnsavedChanges
}

// zero until the first save in this session
func (self *DocumentSyncController) LastSavedAt() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSavedAt
}

func (self *DocumentSyncController) Roster() *PresenceRoster {
	return self.roster
}
