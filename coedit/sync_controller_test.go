package coedit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// an in-memory backend for documents and versions
type memoryDocumentStore struct {
	stateLock   sync.Mutex
	documents   map[Key]*Document
	versions    map[Key]*Version
	updateCount int
	updateErr   error
	updatePanic bool
	getErr      error
	// when set, updates wait for a value before completing
	updateGate chan struct{}
}

func newMemoryDocumentStore(documents ...*Document) *memoryDocumentStore {
	store := &memoryDocumentStore{
		documents: map[Key]*Document{},
		versions:  map[Key]*Version{},
	}
	for _, document := range documents {
		store.documents[document.Id] = document.Clone()
	}
	return store
}

func (self *memoryDocumentStore) GetDocument(ctx context.Context, documentId Key) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.getErr != nil {
		return nil, self.getErr
	}
	document, ok := self.documents[documentId]
	if !ok {
		return nil, &ApiError{StatusCode: 404, Message: ErrorMessageNotFound}
	}
	return document.Clone(), nil
}

func (self *memoryDocumentStore) CreateDocument(ctx context.Context, title string, content string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	document := &Document{
		Id:        Key(NewId().String()),
		Title:     title,
		Content:   content,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	self.documents[document.Id] = document
	return document.Clone(), nil
}

func (self *memoryDocumentStore) UpdateDocument(ctx context.Context, documentId Key, update *DocumentUpdate) (*Document, error) {
	self.stateLock.Lock()
	gate := self.updateGate
	self.updateCount += 1
	self.stateLock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.updatePanic {
		panic("store failed")
	}
	if self.updateErr != nil {
		return nil, self.updateErr
	}
	document, ok := self.documents[documentId]
	if !ok {
		return nil, &ApiError{StatusCode: 404, Message: ErrorMessageNotFound}
	}
	if update.Title != nil {
		document.Title = *update.Title
	}
	if update.Content != nil {
		document.Content = *update.Content
	}
	document.UpdatedAt = time.Now()
	return document.Clone(), nil
}

func (self *memoryDocumentStore) DeleteDocument(ctx context.Context, documentId Key) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.documents, documentId)
	return nil
}

func (self *memoryDocumentStore) CreateVersion(ctx context.Context, documentId Key, title string, content string) (*Version, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	version := &Version{
		Id:        Key(NewId().String()),
		Document:  &KeyRef{Id: documentId},
		Title:     title,
		Content:   content,
		Timestamp: time.Now(),
	}
	self.versions[version.Id] = version
	return version, nil
}

func (self *memoryDocumentStore) RestoreVersion(ctx context.Context, versionId Key) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	version, ok := self.versions[versionId]
	if !ok {
		return nil, &ApiError{StatusCode: 404, Message: ErrorMessageNotFound}
	}
	document := self.documents[version.Document.Id]
	document.Title = version.Title
	document.Content = version.Content
	document.UpdatedAt = time.Now()
	return document.Clone(), nil
}

func (self *memoryDocumentStore) UpdateCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.updateCount
}

func (self *memoryDocumentStore) Stored(documentId Key) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documents[documentId].Clone()
}

type notificationRecorder struct {
	stateLock     sync.Mutex
	notifications []*Notification
}

func (self *notificationRecorder) Notify(notification *Notification) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.notifications = append(self.notifications, notification)
}

func (self *notificationRecorder) Severities() []Severity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	severities := []Severity{}
	for _, notification := range self.notifications {
		severities = append(severities, notification.Severity)
	}
	return severities
}

func testSyncSettings() *SyncSettings {
	return &SyncSettings{
		AutoSaveDelay: 50 * time.Millisecond,
		SaveTimeout:   time.Second,
	}
}

func TestSyncControllerLoadEditSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t0 := time.Now().Add(-time.Hour)
	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "hello", UpdatedAt: t0})
	user := &User{Id: "10", Name: "a"}
	controller := NewDocumentSyncController(ctx, store, store, nil, user, nil, testSyncSettings())
	defer controller.Close()

	assert.Equal(t, controller.State(), SyncStateIdle)
	assert.Equal(t, controller.UpdateContent("x"), ErrNoDocument)

	document, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content, "hello")
	assert.Equal(t, controller.State(), SyncStateReady)
	assert.Equal(t, controller.HasUnsavedChanges(), false)
	assert.Equal(t, controller.LastSavedAt().IsZero(), true)

	err = controller.UpdateContent("hello world")
	assert.Equal(t, err, nil)
	assert.Equal(t, controller.HasUnsavedChanges(), true)

	saved, err := controller.SaveDocument(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, saved.Content, "hello world")
	assert.Equal(t, controller.HasUnsavedChanges(), false)
	assert.Equal(t, controller.LastSavedAt().IsZero(), false)
	assert.Equal(t, controller.State(), SyncStateReady)
	// the server representation is adopted
	assert.Equal(t, controller.Document().UpdatedAt.After(t0), true)
	assert.Equal(t, store.Stored("1").Content, "hello world")

	// clean, no-op
	saved, err = controller.SaveDocument(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, saved == nil, true)
	assert.Equal(t, store.UpdateCount(), 1)

	// dirty again only after a local mutation
	err = controller.UpdateTitle("T2")
	assert.Equal(t, err, nil)
	assert.Equal(t, controller.HasUnsavedChanges(), true)

	// reverting to the baseline is clean
	err = controller.UpdateTitle("T")
	assert.Equal(t, err, nil)
	assert.Equal(t, controller.HasUnsavedChanges(), false)
}

func TestSyncControllerDirtyProperty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "c"})
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, nil, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	edits := [][2]string{
		{"T", "c1"},
		{"T1", "c1"},
		{"T1", "c12"},
		{"", ""},
		{"T9", "c9"},
	}
	for i := range edits {
		for _, edit := range edits[:i+1] {
			controller.UpdateTitle(edit[0])
			controller.UpdateContent(edit[1])
		}
		_, err := controller.SaveDocument(ctx)
		assert.Equal(t, err, nil)
		assert.Equal(t, controller.HasUnsavedChanges(), false)

		controller.UpdateContent(controller.Content() + "!")
		assert.Equal(t, controller.HasUnsavedChanges(), true)
		controller.UpdateContent(controller.Content()[:len(controller.Content())-1])
		assert.Equal(t, controller.HasUnsavedChanges(), false)
	}
}

func TestSyncControllerLoadError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore()
	notifications := &notificationRecorder{}
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, notifications, testSyncSettings())
	defer controller.Close()

	document, err := controller.LoadDocument(ctx, "404")
	assert.Equal(t, document == nil, true)

	var loadErr *LoadError
	assert.Equal(t, errors.As(err, &loadErr), true)
	assert.Equal(t, loadErr.DocumentId, Key("404"))
	assert.Equal(t, IsNotFound(err), true)
	assert.Equal(t, controller.State(), SyncStateIdle)
	assert.Equal(t, controller.Document() == nil, true)
	assert.Equal(t, notifications.Severities(), []Severity{SeverityError})
}

func TestSyncControllerSaveError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "hello"})
	notifications := &notificationRecorder{}
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, notifications, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	store.stateLock.Lock()
	store.updateErr = &ApiError{StatusCode: 500, Message: ErrorMessageServer}
	store.stateLock.Unlock()

	controller.UpdateContent("hello world")
	saved, err := controller.SaveDocument(ctx)
	assert.Equal(t, saved == nil, true)

	var saveErr *SaveError
	assert.Equal(t, errors.As(err, &saveErr), true)
	assert.Equal(t, controller.State(), SyncStateReady)
	// kept so the next save retries
	assert.Equal(t, controller.HasUnsavedChanges(), true)
	assert.Equal(t, controller.Content(), "hello world")
	assert.Equal(t, notifications.Severities(), []Severity{SeverityError})

	store.stateLock.Lock()
	store.updateErr = nil
	store.stateLock.Unlock()

	_, err = controller.SaveDocument(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, controller.HasUnsavedChanges(), false)
}

func TestSyncControllerAutoSavePanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "hello"})
	store.updatePanic = true
	notifications := &notificationRecorder{}
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, notifications, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	controller.UpdateContent("hello world")
	controller.AutoSave()

	waitFor(t, time.Second, func() bool {
		return len(notifications.Severities()) == 1
	})
	assert.Equal(t, notifications.Severities(), []Severity{SeverityError})
	// not stuck in saving
	assert.Equal(t, controller.State(), SyncStateReady)
	assert.Equal(t, controller.HasUnsavedChanges(), true)

	store.stateLock.Lock()
	store.updatePanic = false
	store.stateLock.Unlock()

	saved, err := controller.SaveDocument(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, saved.Content, "hello world")
	assert.Equal(t, controller.HasUnsavedChanges(), false)
}

func TestSyncControllerAutoSaveDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: ""})
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, nil, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	content := ""
	for range 10 {
		content += "a"
		err := controller.ChangeContent(content)
		assert.Equal(t, err, nil)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool {
		return !controller.HasUnsavedChanges()
	})
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, store.UpdateCount(), 1)
	assert.Equal(t, store.Stored("1").Content, "aaaaaaaaaa")

	// a quiet period with nothing to save does not save
	controller.AutoSave()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, store.UpdateCount(), 1)
}

func TestSyncControllerCloseCancelsAutoSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: ""})
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, nil, testSyncSettings())

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	controller.ChangeContent("unsaved")
	controller.Close()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, store.UpdateCount(), 0)
	assert.Equal(t, controller.State(), SyncStateIdle)
}

func TestSyncControllerSaveInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "a"})
	gate := make(chan struct{})
	store.updateGate = gate
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, nil, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	controller.UpdateContent("ab")

	saveDone := make(chan error)
	go func() {
		_, err := controller.SaveDocument(ctx)
		saveDone <- err
	}()

	waitFor(t, time.Second, func() bool {
		return controller.State() == SyncStateSaving
	})

	// edits are accepted while saving, and a second save is not started
	controller.UpdateContent("abc")
	saved, err := controller.SaveDocument(ctx)
	assert.Equal(t, saved == nil, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, store.UpdateCount(), 1)

	gate <- struct{}{}
	assert.Equal(t, <-saveDone, nil)

	// the edit made during the save is still unsaved
	assert.Equal(t, controller.Content(), "abc")
	assert.Equal(t, controller.HasUnsavedChanges(), true)
	assert.Equal(t, store.Stored("1").Content, "ab")

	// the pending save is re-armed
	close(gate)
	waitFor(t, time.Second, func() bool {
		return !controller.HasUnsavedChanges()
	})
	assert.Equal(t, store.UpdateCount(), 2)
	assert.Equal(t, store.Stored("1").Content, "abc")
}

func TestSyncControllerRemoteEdit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "A"})
	user := &User{Id: "10", Name: "local"}
	controller := NewDocumentSyncController(ctx, store, store, nil, user, nil, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	applied := make(chan string, 4)
	controller.AddRemoteEditCallback(func(message *EditMessage, content string) {
		applied <- content
	})

	b := "B"
	// self echo is ignored
	assert.Equal(t, controller.ApplyRemoteEdit(&EditMessage{UserId: "10", Content: &b}), false)
	assert.Equal(t, controller.Content(), "A")

	// a remote edit overwrites, dirty or not
	controller.UpdateContent("A local")
	assert.Equal(t, controller.HasUnsavedChanges(), true)
	assert.Equal(t, controller.ApplyRemoteEdit(&EditMessage{UserId: "20", Content: &b}), true)
	assert.Equal(t, controller.Content(), "B")
	assert.Equal(t, controller.HasUnsavedChanges(), false)
	assert.Equal(t, <-applied, "B")

	// edits for another document are ignored
	c := "C"
	assert.Equal(t, controller.ApplyRemoteEdit(&EditMessage{DocumentId: "2", UserId: "20", Content: &c}), false)
	assert.Equal(t, controller.Content(), "B")

	// incremental operations
	x := "xy"
	assert.Equal(t, controller.ApplyRemoteEdit(&EditMessage{
		UserId:         "20",
		Operation:      EditOperationInsert,
		CursorPosition: 1,
		ChangeContent:  &x,
	}), true)
	assert.Equal(t, controller.Content(), "Bxy")
	assert.Equal(t, controller.HasUnsavedChanges(), false)
}

func TestSyncControllerConcurrentClients(t *testing.T) {
	// two clients on one document. A's unsaved local edit is lost when B's edit arrives.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "start"})
	bus := newMemoryBus()

	connectionManagerA := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManagerA.Close()
	connectionManagerB := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManagerB.Close()
	assert.Equal(t, connectionManagerA.Connect(ctx, "a", ConnectCallbacks{}), nil)
	assert.Equal(t, connectionManagerB.Connect(ctx, "b", ConnectCallbacks{}), nil)

	settings := testSyncSettings()
	settings.AutoSaveDelay = 10 * time.Second
	controllerA := NewDocumentSyncController(ctx, store, store, connectionManagerA, &User{Id: "1", Name: "A"}, nil, settings)
	defer controllerA.Close()
	controllerB := NewDocumentSyncController(ctx, store, store, connectionManagerB, &User{Id: "2", Name: "B"}, nil, settings)
	defer controllerB.Close()

	_, err := controllerA.Open(ctx, "1")
	assert.Equal(t, err, nil)
	_, err = controllerB.Open(ctx, "1")
	assert.Equal(t, err, nil)

	err = controllerA.UpdateContent("start+A")
	assert.Equal(t, err, nil)
	assert.Equal(t, controllerA.HasUnsavedChanges(), true)

	err = controllerB.ChangeContent("start+B")
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool {
		return controllerA.Content() == "start+B"
	})
	assert.Equal(t, controllerA.HasUnsavedChanges(), false)
	// B ignores its own echo
	assert.Equal(t, controllerB.Content(), "start+B")
	assert.Equal(t, controllerB.HasUnsavedChanges(), true)
}

func TestSyncControllerPresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "start"})
	bus := newMemoryBus()

	connectionManagerA := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManagerA.Close()
	connectionManagerB := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManagerB.Close()
	assert.Equal(t, connectionManagerA.Connect(ctx, "a", ConnectCallbacks{}), nil)
	assert.Equal(t, connectionManagerB.Connect(ctx, "b", ConnectCallbacks{}), nil)

	controllerA := NewDocumentSyncController(ctx, store, store, connectionManagerA, &User{Id: "1", Name: "A"}, nil, testSyncSettings())
	defer controllerA.Close()
	controllerB := NewDocumentSyncController(ctx, store, store, connectionManagerB, &User{Id: "2", Name: "B"}, nil, testSyncSettings())
	defer controllerB.Close()

	_, err := controllerA.Open(ctx, "1")
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool {
		return controllerA.Roster().Contains("1")
	})

	_, err = controllerB.Open(ctx, "1")
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool {
		return controllerA.Roster().Len() == 2 && controllerB.Roster().Contains("2")
	})
	assert.Equal(t, controllerA.Roster().Users(), []PresenceUser{
		{UserId: "1", UserName: "A"},
		{UserId: "2", UserName: "B"},
	})

	controllerB.Leave()
	waitFor(t, time.Second, func() bool {
		return controllerA.Roster().Len() == 1
	})
	assert.Equal(t, connectionManagerB.HasSubscription(PresenceChannelKey("1")), false)

	// local close clears the roster
	controllerA.Close()
	assert.Equal(t, controllerA.Roster().Len(), 0)
}

type cursorRecorder struct {
	stateLock sync.Mutex
	cursors   []*CursorMessage
}

func (self *cursorRecorder) Add(cursor *CursorMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cursors = append(self.cursors, cursor)
}

func (self *cursorRecorder) Cursors() []*CursorMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*CursorMessage{}, self.cursors...)
}

func TestSyncControllerCursors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "start"})
	bus := newMemoryBus()

	connectionManagerA := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManagerA.Close()
	connectionManagerB := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManagerB.Close()
	assert.Equal(t, connectionManagerA.Connect(ctx, "a", ConnectCallbacks{}), nil)
	assert.Equal(t, connectionManagerB.Connect(ctx, "b", ConnectCallbacks{}), nil)

	controllerA := NewDocumentSyncController(ctx, store, store, connectionManagerA, &User{Id: "1", Name: "A"}, nil, testSyncSettings())
	defer controllerA.Close()
	controllerB := NewDocumentSyncController(ctx, store, store, connectionManagerB, &User{Id: "2", Name: "B"}, nil, testSyncSettings())
	defer controllerB.Close()

	cursorsA := &cursorRecorder{}
	controllerA.AddCursorCallback(cursorsA.Add)
	cursorsB := &cursorRecorder{}
	removeB := controllerB.AddCursorCallback(cursorsB.Add)

	// not loaded
	assert.Equal(t, controllerA.MoveCursor(0, nil, nil), ErrNoDocument)

	_, err := controllerA.Open(ctx, "1")
	assert.Equal(t, err, nil)
	_, err = controllerB.Open(ctx, "1")
	assert.Equal(t, err, nil)

	selectionStart := 2
	selectionEnd := 5
	err = controllerB.MoveCursor(5, &selectionStart, &selectionEnd)
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool {
		return len(cursorsA.Cursors()) == 1
	})
	cursor := cursorsA.Cursors()[0]
	assert.Equal(t, cursor.UserId, Key("2"))
	assert.Equal(t, cursor.UserName, "B")
	assert.Equal(t, cursor.DocumentId, Key("1"))
	assert.Equal(t, cursor.CursorPosition, 5)
	assert.Equal(t, *cursor.SelectionStart, 2)
	assert.Equal(t, *cursor.SelectionEnd, 5)
	assert.Equal(t, cursor.SessionId, connectionManagerB.SessionId().String())

	// B's own cursor echo is delivered before this one and suppressed
	err = controllerA.MoveCursor(1, nil, nil)
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool {
		return len(cursorsB.Cursors()) == 1
	})
	assert.Equal(t, cursorsB.Cursors()[0].UserId, Key("1"))
	assert.Equal(t, cursorsB.Cursors()[0].SelectionStart == nil, true)
	assert.Equal(t, len(cursorsA.Cursors()), 1)

	removeB()
	err = controllerA.MoveCursor(2, nil, nil)
	assert.Equal(t, err, nil)
	err = controllerB.MoveCursor(3, nil, nil)
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool {
		return len(cursorsA.Cursors()) == 2
	})
	assert.Equal(t, len(cursorsB.Cursors()), 1)
}

func TestSyncControllerRejoinAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "start"})
	bus := newMemoryBus()

	connectionManager := NewConnectionManager(ctx, bus, testConnectionSettings())
	defer connectionManager.Close()
	assert.Equal(t, connectionManager.Connect(ctx, "a", ConnectCallbacks{}), nil)

	notifications := &notificationRecorder{}
	controller := NewDocumentSyncController(ctx, store, store, connectionManager, &User{Id: "1", Name: "A"}, notifications, testSyncSettings())
	defer controller.Close()

	_, err := controller.Open(ctx, "1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(bus.Sent(DocumentPresenceDestination("1"))), 1)

	bus.LastSession().Drop()
	waitFor(t, time.Second, func() bool {
		return bus.DialCount() == 2 && len(bus.Sent(DocumentPresenceDestination("1"))) == 2
	})
	assert.Equal(t, connectionManager.HasSubscription(UpdatesChannelKey("1")), true)

	// exhaust the reconnect budget
	bus.SetDialErr(errors.New("refused"))
	bus.LastSession().Drop()
	waitFor(t, 2*time.Second, func() bool {
		severities := notifications.Severities()
		return 0 < len(severities) && severities[len(severities)-1] == SeverityUrgent
	})
	// still editable locally
	assert.Equal(t, controller.UpdateContent("offline"), nil)
	assert.Equal(t, controller.HasUnsavedChanges(), true)
}

func TestSyncControllerVersions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore(&Document{Id: "1", Title: "T", Content: "v1"})
	controller := NewDocumentSyncController(ctx, store, store, nil, &User{Id: "10"}, nil, testSyncSettings())
	defer controller.Close()

	_, err := controller.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)

	version, err := controller.CreateVersion(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, version.Content, "v1")

	controller.UpdateContent("v2")
	_, err = controller.SaveDocument(ctx)
	assert.Equal(t, err, nil)
	controller.UpdateContent("v3 unsaved")

	document, err := controller.RestoreVersion(ctx, version.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content, "v1")
	assert.Equal(t, controller.Content(), "v1")
	assert.Equal(t, controller.HasUnsavedChanges(), false)
	assert.Equal(t, store.Stored("1").Content, "v1")

	// no version history
	offline := NewDocumentSyncController(ctx, store, nil, nil, &User{Id: "10"}, nil, testSyncSettings())
	defer offline.Close()
	_, err = offline.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)
	_, err = offline.CreateVersion(ctx)
	assert.Equal(t, err, ErrNoVersions)

	// a backend that answers with no body
	blank := NewDocumentSyncController(ctx, store, emptyVersionStore{}, nil, &User{Id: "10"}, nil, testSyncSettings())
	defer blank.Close()
	_, err = blank.LoadDocument(ctx, "1")
	assert.Equal(t, err, nil)
	_, err = blank.CreateVersion(ctx)
	assert.Equal(t, err, ErrEmptyResponse)
	// the restore falls back to the stored document
	document, err = blank.RestoreVersion(ctx, version.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content, "v1")
}

type emptyVersionStore struct{}

func (self emptyVersionStore) CreateVersion(ctx context.Context, documentId Key, title string, content string) (*Version, error) {
	return nil, nil
}

func (self emptyVersionStore) RestoreVersion(ctx context.Context, versionId Key) (*Document, error) {
	return nil, nil
}
