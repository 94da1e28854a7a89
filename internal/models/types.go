package models

// Message roles understood by every backend adapter
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpdateKind tells the router which branch an update takes
type UpdateKind int

const (
	UpdateUnknown UpdateKind = iota
	UpdateCallback
	UpdateMessage
)

// Update is the platform-neutral shape of one inbound webhook update
type Update struct {
	ID       int
	Kind     UpdateKind
	Callback *Callback
	Message  *IncomingMessage
}

// Callback represents an inline button press
type Callback struct {
	ID        string
	UserID    int64
	ChatID    int64
	MessageID int
	Action    string
}

// IncomingMessage represents a typed message, optionally with a photo
type IncomingMessage struct {
	MessageID    int
	ChatID       int64
	UserID       int64
	Username     string
	LanguageCode string
	Text         string
	Photo        *Photo
	IsPrivate    bool
}

// Photo references the largest size of an attached image
type Photo struct {
	FileID  string
	Caption string
}

// UserPreference is the per-user state held by the conversation manager
type UserPreference struct {
	UserID        int64
	Language      string
	SelectedModel string
}

// CommandInfo is one entry of the platform command menu
type CommandInfo struct {
	Name        string
	Description string
}

// Parse modes understood by the platform
const (
	ParseModeNone = ""
	ParseModeHTML = "HTML"
)

// Chat actions shown while a reply is being prepared
const (
	ActionTyping      = "typing"
	ActionUploadPhoto = "upload_photo"
)

// Button is one inline keyboard button; Data comes back as a callback action
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, one slice per row
type Keyboard [][]Button

// SendOptions controls formatting and markup of an outgoing message
type SendOptions struct {
	ParseMode string
	Keyboard  Keyboard
	ReplyTo   int
}

// PhotoSource is an outgoing photo, either by URL or as raw bytes
type PhotoSource struct {
	URL  string
	Data []byte
}
