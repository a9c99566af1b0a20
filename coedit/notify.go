package coedit

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	// the user must act, e.g. refresh after the connection is lost for good
	SeverityUrgent Severity = "urgent"
)

type Notification struct {
	Severity Severity
	Message  string
	Err      error
}

// user facing reporting. The controller never blocks on it.
type Notifier interface {
	Notify(notification *Notification)
}

type NotifierFunction func(notification *Notification)

func (self NotifierFunction) Notify(notification *Notification) {
	self(notification)
}

type nopNotifier struct{}

func (self nopNotifier) Notify(notification *Notification) {}
