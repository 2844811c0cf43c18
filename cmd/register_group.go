package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/groupwatch/internal/bootstrap"
	"github.com/nextlevelbuilder/groupwatch/internal/config"
	"github.com/nextlevelbuilder/groupwatch/internal/ipc"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

// registerGroupCmd walks an operator through adding a new RegisteredGroup
// without going through the agent-driven IPC register_group task file —
// this is the local/interactive admin path for the same operation.
func registerGroupCmd() *cobra.Command {
	var (
		jid             string
		displayName     string
		folderName      string
		requiresTrigger bool
		isMain          bool
		triggerToken    string
	)

	cmd := &cobra.Command{
		Use:   "register-group",
		Short: "Interactively register a new chat group",
		RunE: func(cmd *cobra.Command, args []string) error {
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Chat JID").
						Description("e.g. tg:-1001234567890 or user@domain").
						Value(&jid).
						Validate(func(s string) error {
							if !ipc.IsValidJID(s) {
								return fmt.Errorf("not a recognized JID format")
							}
							return nil
						}),
					huh.NewInput().
						Title("Display name").
						Value(&displayName).
						Validate(func(s string) error {
							if s == "" {
								return fmt.Errorf("display name is required")
							}
							if len(s) > ipc.MaxDisplayNameLen {
								return fmt.Errorf("display name exceeds %d characters", ipc.MaxDisplayNameLen)
							}
							return nil
						}),
					huh.NewInput().
						Title("Folder name").
						Description("lowercase letters, digits, '-', '_'; used under groups/ and data/ipc/").
						Value(&folderName).
						Validate(func(s string) error {
							if !ipc.IsValidFolder(s) {
								return fmt.Errorf("folder must match ^[a-z0-9][a-z0-9_-]*$")
							}
							return nil
						}),
					huh.NewConfirm().
						Title("Is this the main/admin group?").
						Value(&isMain),
					huh.NewConfirm().
						Title("Require an @mention trigger before dispatching?").
						Value(&requiresTrigger),
					huh.NewInput().
						Title("Trigger token (optional)").
						Description("leave blank to use the configured assistant name").
						Value(&triggerToken),
				),
			)
			if err := form.Run(); err != nil {
				return fmt.Errorf("register-group: form: %w", err)
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("register-group: load config: %w", err)
			}

			dbPath := filepath.Join(config.ExpandHome(cfg.Core.StoreDir), "messages.db")
			st, err := store.Open(context.Background(), dbPath)
			if err != nil {
				return fmt.Errorf("register-group: open store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			group := store.RegisteredGroup{
				JID:             jid,
				DisplayName:     displayName,
				FolderName:      folderName,
				TriggerToken:    triggerToken,
				RequiresTrigger: requiresTrigger,
				IsMain:          isMain,
				CreatedAt:       time.Now(),
			}
			if err := st.CreateRegisteredGroup(ctx, group); err != nil {
				return fmt.Errorf("register-group: create: %w", err)
			}

			workspaceDir := filepath.Join(config.ExpandHome(cfg.Core.GroupsDir), folderName)
			if _, err := bootstrap.EnsureWorkspaceFiles(workspaceDir); err != nil {
				return fmt.Errorf("register-group: seed workspace: %w", err)
			}

			fmt.Printf("registered group %q (folder=%s, jid=%s, main=%v)\n", displayName, folderName, jid, isMain)
			return nil
		},
	}

	return cmd
}
