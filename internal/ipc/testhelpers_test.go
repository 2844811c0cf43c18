package ipc

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

func mustTask(id, groupFolder, chatJID string) store.ScheduledTask {
	return store.ScheduledTask{
		ID:            id,
		GroupFolder:   groupFolder,
		ChatJID:       chatJID,
		Prompt:        "do a thing",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		ContextMode:   store.ContextIsolated,
		Status:        store.TaskActive,
		CreatedAt:     time.Now(),
	}
}
