package ipc

import "regexp"

// folderPattern mirrors the folder-name constraint enforced at
// register_group time and re-checked defensively here.
var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// jidPattern accepts Telegram-style (tg:-100123) and WhatsApp/XMPP-style
// (user@domain) chat identifiers (spec §4.5 register_group validation).
var jidPattern = regexp.MustCompile(`^(tg:-?\d+|[\w.+-]+@[\w.+-]+)$`)

const maxDisplayNameLen = 100

// MaxDisplayNameLen is exported so callers outside this package (the
// interactive register-group CLI command) enforce the identical limit
// instead of duplicating the constant.
const MaxDisplayNameLen = maxDisplayNameLen

// IsValidFolder reports whether s meets the folder-name constraint
// enforced on register_group dispatch.
func IsValidFolder(s string) bool {
	return folderPattern.MatchString(s)
}

// IsValidJID reports whether s meets the chat-identifier constraint
// enforced on register_group dispatch.
func IsValidJID(s string) bool {
	return jidPattern.MatchString(s)
}
