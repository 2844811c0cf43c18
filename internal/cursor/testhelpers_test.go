package cursor

import (
	"time"

	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

func mustGroup(jid, folder string, isMain, requiresTrigger bool) store.RegisteredGroup {
	return store.RegisteredGroup{
		JID:             jid,
		DisplayName:     folder,
		FolderName:      folder,
		RequiresTrigger: requiresTrigger,
		IsMain:          isMain,
		CreatedAt:       time.Now(),
	}
}

func mustMessage(id, jid, content string) store.Message {
	return store.Message{
		ID:         id,
		ChatJID:    jid,
		SenderID:   "user1",
		SenderName: "User",
		Content:    content,
		Timestamp:  time.Now(),
	}
}
