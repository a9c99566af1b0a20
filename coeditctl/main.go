package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/sanity-io/litter"

	"github.com/mal0101/coEdit/coedit"
)

const LocalVersion = "0.0.0-local"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	defaultEndpoints := coedit.DefaultEndpoints()

	usage := fmt.Sprintf(
		`coEdit control.

The default urls are:
    api_url: %s
    ws_url: %s

Usage:
    coeditctl login [--api_url=<api_url>] [--store=<store>]
        --email=<email>
        [--password=<password>]
        [--remember]
    coeditctl register [--api_url=<api_url>] [--store=<store>]
        --email=<email>
        --name=<name>
        [--password=<password>]
    coeditctl logout [--store=<store>]
    coeditctl whoami [--api_url=<api_url>] [--store=<store>]
    coeditctl list [--api_url=<api_url>] [--store=<store>]
        [--mine | --shared | --search=<query> | --owner=<owner_id>]
    coeditctl create [--api_url=<api_url>] [--store=<store>]
        --title=<title>
        [<content>]
    coeditctl show [--api_url=<api_url>] [--store=<store>] [--dump] <document_id>
    coeditctl delete [--api_url=<api_url>] [--store=<store>] <document_id>
    coeditctl edit [--api_url=<api_url>] [--ws_url=<ws_url>] [--store=<store>]
        [--title=<title>]
        [--file=<file>]
        <document_id>
        [<content>]
    coeditctl watch [--api_url=<api_url>] [--ws_url=<ws_url>] [--store=<store>]
        [--message_count=<message_count>]
        [--cursors]
        <document_id>
    coeditctl versions [--api_url=<api_url>] [--store=<store>] <document_id>
    coeditctl show-version [--api_url=<api_url>] [--store=<store>] <version_id>
    coeditctl snapshot [--api_url=<api_url>] [--store=<store>] <document_id>
    coeditctl restore [--api_url=<api_url>] [--ws_url=<ws_url>] [--store=<store>]
        <document_id>
        <version_id>
    coeditctl comments [--api_url=<api_url>] [--store=<store>] <document_id>
    coeditctl comment [--api_url=<api_url>] [--store=<store>]
        [--location=<location>]
        <document_id>
        <body>
    coeditctl edit-comment [--api_url=<api_url>] [--store=<store>]
        <comment_id>
        <body>
    coeditctl share [--api_url=<api_url>] [--store=<store>]
        --email=<email>
        [--access=<access>]
        <document_id>
    coeditctl unshare [--api_url=<api_url>] [--store=<store>] <permission_id>
    coeditctl access [--api_url=<api_url>] [--store=<store>]
        --access=<access>
        <permission_id>
    coeditctl permissions [--api_url=<api_url>] [--store=<store>] (--mine | <document_id>)

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>              Rest backend url.
    --ws_url=<ws_url>                Message bus url.
    --store=<store>                  Local session store path.
    --email=<email>
    --name=<name>
    --password=<password>
    --remember                       Store the remember me preference with the session.
    --mine                           Only documents owned by you, or only your permissions.
    --shared                         Only documents shared with you.
    --search=<query>                 Filter by title or content.
    --owner=<owner_id>               Only documents owned by this user id.
    --title=<title>
    --file=<file>                    Read the content from a file.
    --dump                           Dump the full document structure.
    --message_count=<message_count>  Print this many remote edits then exit.
    --cursors                        Also print remote cursor moves.
    --location=<location>            Character offset the comment is anchored to.
    --access=<access>                VIEWER, EDITOR, or OWNER [default: EDITOR].`,
		defaultEndpoints.ApiUrl,
		defaultEndpoints.BusUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if register_, _ := opts.Bool("register"); register_ {
		register(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		show(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteDocument(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if versions_, _ := opts.Bool("versions"); versions_ {
		versions(opts)
	} else if showVersion_, _ := opts.Bool("show-version"); showVersion_ {
		showVersion(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if restore_, _ := opts.Bool("restore"); restore_ {
		restore(opts)
	} else if comments_, _ := opts.Bool("comments"); comments_ {
		comments(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	} else if editComment_, _ := opts.Bool("edit-comment"); editComment_ {
		editComment(opts)
	} else if share_, _ := opts.Bool("share"); share_ {
		share(opts)
	} else if unshare_, _ := opts.Bool("unshare"); unshare_ {
		unshare(opts)
	} else if access_, _ := opts.Bool("access"); access_ {
		access(opts)
	} else if permissions_, _ := opts.Bool("permissions"); permissions_ {
		permissions(opts)
	}

	glog.Flush()
}

func endpoints(opts docopt.Opts) *coedit.Endpoints {
	endpoints := coedit.DefaultEndpoints()
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		endpoints.ApiUrl = apiUrl
	}
	if busUrl, err := opts.String("--ws_url"); err == nil && busUrl != "" {
		endpoints.BusUrl = busUrl
	}
	return endpoints
}

func openStore(opts docopt.Opts) *coedit.LocalStore {
	path, err := opts.String("--store")
	if err != nil || path == "" {
		path, err = coedit.DefaultLocalStorePath()
		if err != nil {
			panic(err)
		}
	}
	store, err := coedit.OpenLocalStore(path)
	if err != nil {
		panic(err)
	}
	return store
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

// a signed in session: the api with the stored token attached, and the cached user
type session struct {
	endpoints *coedit.Endpoints
	store     *coedit.LocalStore
	api       *coedit.Api
	token     string
	user      *coedit.User
}

func requireSession(ctx context.Context, opts docopt.Opts) *session {
	store := openStore(opts)

	token, err := store.ValidToken(time.Now())
	if err != nil {
		panic(err)
	}
	if token == "" {
		store.Close()
		Err.Fatalf("Not signed in. Use `coeditctl login`.")
	}

	endpoints := endpoints(opts)
	api := coedit.NewApi(endpoints.ApiUrl)
	api.SetToken(token)

	user, err := store.User()
	if err != nil {
		panic(err)
	}
	if user == nil || user.Id.IsZero() {
		user, err = api.Me(ctx)
		if err != nil {
			if coedit.IsUnauthorized(err) {
				store.ClearAuthData()
			}
			store.Close()
			Err.Fatalf("%s", err)
		}
		store.SetUser(user)
	}

	return &session{
		endpoints: endpoints,
		store:     store,
		api:       api,
		token:     token,
		user:      user,
	}
}

func (self *session) Close() {
	self.store.Close()
}

func readPassword(opts docopt.Opts) string {
	if password, err := opts.String("--password"); err == nil && password != "" {
		return password
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func requireKey(opts docopt.Opts, name string) coedit.Key {
	value, err := opts.String(name)
	if err != nil || value == "" {
		Err.Fatalf("Missing %s.", name)
	}
	return coedit.Key(value)
}

func login(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	email, _ := opts.String("--email")
	password := readPassword(opts)
	remember, _ := opts.Bool("--remember")

	store := openStore(opts)
	defer store.Close()

	api := coedit.NewApi(endpoints(opts).ApiUrl)
	result, err := api.Login(ctx, &coedit.LoginArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}

	saveAuth(store, result, remember)
	Out.Printf("Signed in as %s\n", result.Email)
}

func register(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	email, _ := opts.String("--email")
	name, _ := opts.String("--name")
	password := readPassword(opts)

	store := openStore(opts)
	defer store.Close()

	api := coedit.NewApi(endpoints(opts).ApiUrl)
	result, err := api.Register(ctx, &coedit.RegisterArgs{
		Email:    email,
		Name:     name,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if result.Token != "" {
		saveAuth(store, result, false)
		Out.Printf("Registered and signed in as %s\n", result.Email)
	} else {
		Out.Printf("Registered %s. Use `coeditctl login` to sign in.\n", email)
	}
}

func saveAuth(store *coedit.LocalStore, result *coedit.AuthResult, remember bool) {
	if err := store.SetToken(result.Token); err != nil {
		panic(err)
	}
	if err := store.SetUser(result.User()); err != nil {
		panic(err)
	}
	if err := store.SetRememberMe(remember); err != nil {
		panic(err)
	}
}

func logout(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	if err := store.ClearAuthData(); err != nil {
		panic(err)
	}
	Out.Printf("Signed out\n")
}

func whoami(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	Out.Printf("id: %s\n", session.user.Id)
	Out.Printf("email: %s\n", session.user.Email)
	Out.Printf("name: %s\n", session.user.Name)
	if sessionJwt, err := coedit.ParseSessionJwtUnverified(session.token); err == nil && !sessionJwt.ExpiresAt.IsZero() {
		Out.Printf("expires: %s\n", sessionJwt.ExpiresAt.Format(time.RFC3339))
	}
}

func list(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	var documents []*coedit.Document
	var err error
	if mine, _ := opts.Bool("--mine"); mine {
		documents, err = session.api.ListMyDocuments(ctx, session.user.Id)
	} else if shared, _ := opts.Bool("--shared"); shared {
		documents, err = session.api.ListSharedDocuments(ctx, session.user.Id)
	} else if query, _ := opts.String("--search"); query != "" {
		documents, err = session.api.SearchDocuments(ctx, query)
	} else if ownerId, _ := opts.String("--owner"); ownerId != "" {
		documents, err = session.api.ListDocumentsByOwner(ctx, coedit.Key(ownerId))
	} else {
		documents, err = session.api.ListDocuments(ctx)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}

	for _, document := range documents {
		Out.Printf("%s\t%s\t%s\n", document.Id, document.UpdatedAt.Format(time.RFC3339), document.Title)
	}
}

func create(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	title, _ := opts.String("--title")
	content, _ := opts.String("<content>")

	document, err := session.api.CreateDocument(ctx, title, content)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", document.Id)
}

func show(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	documentId := requireKey(opts, "<document_id>")
	document, err := session.api.GetDocument(ctx, documentId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if document == nil {
		Err.Fatalf("Document %s not found.", documentId)
	}

	if dump, _ := opts.Bool("--dump"); dump {
		Out.Printf("%s\n", litter.Sdump(document))
		return
	}
	Out.Printf("# %s\n\n%s\n", document.Title, document.Content)
}

func deleteDocument(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	if err := session.api.DeleteDocument(ctx, requireKey(opts, "<document_id>")); err != nil {
		Err.Fatalf("%s", err)
	}
}

// prints notifications the way the editor would show them
func notifier() coedit.Notifier {
	return coedit.NotifierFunction(func(notification *coedit.Notification) {
		if notification.Err != nil {
			Err.Printf("%s: %s (%s)\n", strings.ToUpper(string(notification.Severity)), notification.Message, notification.Err)
		} else {
			Err.Printf("%s: %s\n", strings.ToUpper(string(notification.Severity)), notification.Message)
		}
	})
}

func connectBus(ctx context.Context, session *session) *coedit.ConnectionManager {
	dialer := coedit.NewStompDialerWithDefaults(session.endpoints.BusUrl)
	connectionManager := coedit.NewConnectionManagerWithDefaults(ctx, dialer)
	err := connectionManager.Connect(ctx, session.token, coedit.ConnectCallbacks{
		OnDisconnect: func() {
			Err.Printf("Disconnected. Reconnecting.\n")
		},
	})
	if err != nil {
		// editing still works over rest
		Err.Printf("Real-time collaboration is unavailable: %s\n", err)
	}
	return connectionManager
}

func edit(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	connectionManager := connectBus(ctx, session)
	defer connectionManager.Close()

	controller := coedit.NewDocumentSyncControllerWithDefaults(ctx, session.api, connectionManager, session.user, notifier())
	defer controller.Close()

	if _, err := controller.Open(ctx, requireKey(opts, "<document_id>")); err != nil {
		Err.Fatalf("%s", err)
	}

	if title, err := opts.String("--title"); err == nil && title != "" {
		controller.ChangeTitle(title)
	}
	if path, err := opts.String("--file"); err == nil && path != "" {
		contentBytes, err := os.ReadFile(path)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		controller.ChangeContent(string(contentBytes))
	} else if content, err := opts.String("<content>"); err == nil && content != "" {
		controller.ChangeContent(content)
	}
	if connectionManager.IsConnected() {
		// the cursor rests at the end of the new content
		controller.MoveCursor(utf8.RuneCountInString(controller.Content()), nil, nil)
	}

	// do not wait for the auto-save
	if _, err := controller.SaveDocument(ctx); err != nil {
		Err.Fatalf("%s", err)
	}
	if lastSavedAt := controller.LastSavedAt(); !lastSavedAt.IsZero() {
		Out.Printf("Saved at %s\n", lastSavedAt.Format(time.RFC3339))
	} else {
		Out.Printf("No changes\n")
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	messageCount, err := opts.Int("--message_count")
	if err != nil {
		messageCount = -1
	}

	connectionManager := connectBus(ctx, session)
	defer connectionManager.Close()
	if !connectionManager.IsConnected() {
		os.Exit(1)
	}

	controller := coedit.NewDocumentSyncControllerWithDefaults(ctx, session.api, connectionManager, session.user, notifier())
	defer controller.Close()

	terminal := make(chan struct{})
	connectionManager.AddConnectionEventCallback(func(event *coedit.ConnectionEvent) {
		if event.Type == coedit.ConnectionEventTerminal {
			close(terminal)
		}
	})

	edits := make(chan string, 32)
	controller.AddRemoteEditCallback(func(message *coedit.EditMessage, content string) {
		select {
		case edits <- fmt.Sprintf("[%s] %s", message.UserName, content):
		default:
		}
	})
	controller.AddPresenceCallback(func(users []coedit.PresenceUser) {
		names := []string{}
		for _, user := range users {
			names = append(names, user.UserName)
		}
		Err.Printf("Viewing: %s\n", strings.Join(names, ", "))
	})
	if cursors, _ := opts.Bool("--cursors"); cursors {
		controller.AddCursorCallback(func(cursor *coedit.CursorMessage) {
			Err.Printf("[%s] cursor %d\n", cursor.UserName, cursor.CursorPosition)
		})
	}

	document, err := controller.Open(ctx, requireKey(opts, "<document_id>"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("# %s\n\n%s\n", document.Title, document.Content)

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-ctx.Done():
			return
		case <-terminal:
			Err.Fatalf("%s", coedit.ConnectionLostMessage)
		case edit := <-edits:
			Out.Printf("%s\n", edit)
		}
	}
}

func versions(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	versions, err := session.api.ListVersions(ctx, requireKey(opts, "<document_id>"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, version := range versions {
		editedBy := ""
		if version.EditedBy != nil {
			editedBy = version.EditedBy.Name
		}
		Out.Printf("%s\t%s\t%s\t%s\n", version.Id, version.Timestamp.Format(time.RFC3339), editedBy, version.Title)
	}
}

func showVersion(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	version, err := session.api.GetVersion(ctx, requireKey(opts, "<version_id>"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("# %s\n\n%s\n", version.Title, version.Content)
}

func snapshot(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	controller := coedit.NewDocumentSyncControllerWithDefaults(ctx, session.api, nil, session.user, notifier())
	defer controller.Close()

	if _, err := controller.LoadDocument(ctx, requireKey(opts, "<document_id>")); err != nil {
		Err.Fatalf("%s", err)
	}
	version, err := controller.CreateVersion(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", version.Id)
}

func restore(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	controller := coedit.NewDocumentSyncControllerWithDefaults(ctx, session.api, nil, session.user, notifier())
	defer controller.Close()

	if _, err := controller.LoadDocument(ctx, requireKey(opts, "<document_id>")); err != nil {
		Err.Fatalf("%s", err)
	}
	document, err := controller.RestoreVersion(ctx, requireKey(opts, "<version_id>"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("# %s\n\n%s\n", document.Title, document.Content)
}

func comments(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	comments, err := session.api.ListComments(ctx, requireKey(opts, "<document_id>"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, comment := range comments {
		author := ""
		if comment.User != nil {
			author = comment.User.Name
		}
		location := ""
		if comment.Location != nil {
			location = fmt.Sprintf("@%d", *comment.Location)
		}
		Out.Printf("%s\t%s%s\t%s\n", comment.Id, author, location, comment.Body)
	}
}

func comment(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	body, _ := opts.String("<body>")
	var location *int
	if l, err := opts.Int("--location"); err == nil {
		location = &l
	}

	comment, err := session.api.CreateComment(ctx, requireKey(opts, "<document_id>"), body, location)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", comment.Id)
}

func editComment(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	commentId := requireKey(opts, "<comment_id>")
	body, _ := opts.String("<body>")

	previous, err := session.api.GetComment(ctx, commentId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if previous.Body == body {
		return
	}
	comment, err := session.api.UpdateComment(ctx, commentId, body)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\t%s\n", comment.Id, comment.Body)
}

func parseAccess(opts docopt.Opts) coedit.AccessType {
	access, _ := opts.String("--access")
	accessType := coedit.AccessType(strings.ToUpper(access))
	if !accessType.Allows(coedit.AccessTypeViewer) {
		Err.Fatalf("Unknown access %s.", access)
	}
	return accessType
}

func share(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	email, _ := opts.String("--email")
	accessType := parseAccess(opts)

	permission, err := session.api.GrantPermissionByEmail(ctx, requireKey(opts, "<document_id>"), email, accessType)
	if err != nil {
		var apiErr *coedit.ApiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			Err.Fatalf("No user with email %s.", email)
		}
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\t%s\n", permission.Id, permission.AccessType)
}

func unshare(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	if err := session.api.RevokePermission(ctx, requireKey(opts, "<permission_id>")); err != nil {
		Err.Fatalf("%s", err)
	}
}

func access(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	permission, err := session.api.UpdatePermission(ctx, requireKey(opts, "<permission_id>"), parseAccess(opts))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\t%s\n", permission.Id, permission.AccessType)
}

func permissions(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := requireSession(ctx, opts)
	defer session.Close()

	var permissions []*coedit.Permission
	var err error
	if mine, _ := opts.Bool("--mine"); mine {
		permissions, err = session.api.ListUserPermissions(ctx, session.user.Id)
	} else {
		permissions, err = session.api.ListDocumentPermissions(ctx, requireKey(opts, "<document_id>"))
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, permission := range permissions {
		email := ""
		if permission.User != nil {
			email = permission.User.Email
		}
		Out.Printf("%s\t%s\t%s\n", permission.Id, permission.AccessType, email)
	}
}

func RequireVersion() string {
	if version := os.Getenv("COEDIT_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
