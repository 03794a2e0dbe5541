package store

// EventType classifies a communication record.
type EventType int

const (
	EventUnknown EventType = iota
	EventText
	EventMultimedia
	EventCall
	EventVoicemail
	EventStatusMessage
)

// Direction of an event relative to the local account.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
)

// EventStatus tracks delivery state of an outbound event.
type EventStatus int

const (
	StatusUnknown EventStatus = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusTemporarilyFailed
	StatusPermanentlyFailed
)

// IncomingStatus refines how an inbound call terminated.
type IncomingStatus int

const (
	IncomingUnknown IncomingStatus = iota
	IncomingAnswered
	IncomingNotAnswered
	IncomingIgnored
	IncomingRejected
)

// ChatType distinguishes 1:1 conversations from multi-party rooms.
type ChatType int

const (
	ChatP2P ChatType = iota
	ChatRoom
	ChatBroadcast
)

// Event is one communication record. ID is -1 until AddEvent assigns it.
// GroupID is -1 for ungrouped records; only call-type events may stay
// ungrouped.
type Event struct {
	ID              int64
	Type            EventType
	StartTime       int64
	EndTime         int64
	Direction       Direction
	IsDraft         bool
	IsRead          bool
	IsMissedCall    bool
	IsEmergencyCall bool
	IsVideoCall     bool
	IsAction        bool
	Status          EventStatus
	IncomingStatus  IncomingStatus
	BytesReceived   int64
	LocalUID        string
	RemoteUID       string
	Subject         string
	FreeText        string
	GroupID         int64
	MessageToken    string
	LastModified    int64
	VCardFileName   string
	VCardLabel      string
	ReportDelivery  bool
	ReportRead      bool
	ReportReadReq   bool
	ReadStatus      int
	ValidityPeriod  int
	ContentLocation string
	MmsID           string
	Headers         map[string]string

	HasExtraProperties bool
	HasMessageParts    bool

	ExtraProperties map[string]string
	MessageParts    []MessagePart
}

// NewEvent returns an unsaved event with sentinel ids.
func NewEvent() Event {
	return Event{ID: -1, GroupID: -1}
}

// EventField flags select which columns ModifyEvent rewrites. The write path
// diffs what the caller actually touched instead of rewriting every column.
type EventField uint32

const (
	FieldType EventField = 1 << iota
	FieldStartTime
	FieldEndTime
	FieldDirection
	FieldIsDraft
	FieldIsRead
	FieldIsMissedCall
	FieldIsEmergencyCall
	FieldIsVideoCall
	FieldIsAction
	FieldStatus
	FieldIncomingStatus
	FieldBytesReceived
	FieldSubject
	FieldFreeText
	FieldGroupID
	FieldMessageToken
	FieldVCard
	FieldReportDelivery
	FieldReportRead
	FieldReadStatus
	FieldValidityPeriod
	FieldContentLocation
	FieldMmsID
	FieldHeaders
	FieldExtraProperties
	FieldMessageParts

	FieldsAll EventField = 1<<iota - 1
)

// Has reports whether all bits of q are set.
func (f EventField) Has(q EventField) bool { return f&q == q }

// MessagePart is an attachment row owned by an event.
type MessagePart struct {
	ID          int64
	EventID     int64
	ContentID   string
	ContentType string
	Path        string
}

// Group is a persisted conversation thread. The LastEvent* / StartTime /
// EndTime / UnreadCount fields are derived from the group's events on every
// read; they are never stored.
type Group struct {
	ID           int64
	LocalUID     string
	RemoteUIDs   []string
	Type         ChatType
	ChatName     string
	LastModified int64

	LastEventID       int64
	LastEventText     string
	LastEventType     EventType
	LastEventStatus   EventStatus
	LastEventIsDraft  bool
	LastVCardFileName string
	LastVCardLabel    string
	Subscriber        string
	StartTime         int64
	EndTime           int64
	UnreadCount       int
	TotalEvents       int
}

// NewGroup returns an unsaved group.
func NewGroup() Group {
	return Group{ID: -1, LastEventID: -1}
}

// GroupField flags for ModifyGroup.
type GroupField uint32

const (
	GroupFieldLocalUID GroupField = 1 << iota
	GroupFieldRemoteUIDs
	GroupFieldType
	GroupFieldChatName

	GroupFieldsAll GroupField = 1<<iota - 1
)

// Has reports whether all bits of q are set.
func (f GroupField) Has(q GroupField) bool { return f&q == q }

// EventFilter narrows read queries. Zero values mean "any".
type EventFilter struct {
	Type      EventType
	TypeSet   bool
	Direction Direction
	LocalUID  string
	RemoteUID string
	GroupID   int64 // 0 = any
}

// Match reports whether e passes the filter. Live views use this to discard
// change-bus records outside their scope before any grouping math.
func (f EventFilter) Match(e Event) bool {
	if f.TypeSet && e.Type != f.Type {
		return false
	}
	if f.Direction != DirectionUnknown && e.Direction != f.Direction {
		return false
	}
	if f.LocalUID != "" && e.LocalUID != f.LocalUID {
		return false
	}
	if f.RemoteUID != "" && e.RemoteUID != f.RemoteUID {
		return false
	}
	if f.GroupID != 0 && e.GroupID != f.GroupID {
		return false
	}
	return true
}

// GroupFilter narrows GetGroups.
type GroupFilter struct {
	LocalUID  string
	RemoteUID string
	Limit     int
	Offset    int
}
