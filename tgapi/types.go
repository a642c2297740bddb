package tgapi

// Wire types for the subset of the Bot API this service consumes.

// User is a platform account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat is a conversation: a private chat, group, or channel.
type Chat struct {
	ID         int64  `json:"id"`
	Type       string `json:"type,omitempty"`
	Title      string `json:"title,omitempty"`
	Username   string `json:"username,omitempty"`
	InviteLink string `json:"invite_link,omitempty"`
}

// Document is a generic file attachment.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
}

// Message is a message in any chat. Archive messages are never mutated here;
// they are only read and copied.
type Message struct {
	MessageID            int64                 `json:"message_id"`
	From                 *User                 `json:"from,omitempty"`
	Chat                 Chat                  `json:"chat"`
	Date                 int64                 `json:"date,omitempty"`
	Text                 string                `json:"text,omitempty"`
	Caption              string                `json:"caption,omitempty"`
	Document             *Document             `json:"document,omitempty"`
	ReplyMarkup          *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	ReplyTo              *Message              `json:"reply_to_message,omitempty"`
	ForwardFromChat      *Chat                 `json:"forward_from_chat,omitempty"`
	ForwardFromMessageID int64                 `json:"forward_from_message_id,omitempty"`
	ForwardSenderName    string                `json:"forward_sender_name,omitempty"`
}

// InlineKeyboardMarkup is an inline keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is one button of an inline keyboard. Exactly one of
// URL or CallbackData should be set.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// CallbackQuery is an inline-button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Data    string   `json:"data,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Update is one long-poll event.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// ChatMember describes a user's standing in a chat.
type ChatMember struct {
	Status string `json:"status"`
	User   User   `json:"user"`
}

// Membership statuses as reported by getChatMember.
const (
	StatusOwner         = "creator"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)
