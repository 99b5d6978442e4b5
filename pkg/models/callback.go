package models

// CallbackAction type of callback action
type CallbackAction string

const (
	CallbackRetry   CallbackAction = "rt"
	CallbackSkip    CallbackAction = "sk"
	CallbackDismiss CallbackAction = "ds"
	CallbackPause   CallbackAction = "pa"
	CallbackResume  CallbackAction = "re"
)

// CallbackData structure for inline button callback
type CallbackData struct {
	Action  CallbackAction `json:"a"`
	EntryID string         `json:"e,omitempty"` // dead-letter entry id
	Account string         `json:"n,omitempty"` // account name
}
