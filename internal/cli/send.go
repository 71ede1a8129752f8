package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"peerdrop/internal/sender"
	"peerdrop/internal/session"
)

var sendCmd = &cobra.Command{
	Use:   "send [files...]",
	Short: "Share files through a new room",
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	log := newLogger(cfg)

	paths := args
	if len(paths) == 0 {
		picked, err := pickFiles()
		if err != nil {
			return err
		}
		paths = picked
	}
	if len(paths) == 0 {
		return fmt.Errorf("nothing to share")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(session.Options{
		Role:   session.RoleSender,
		Config: cfg,
		Logger: log,
		Notify: notifyTerminal,
	})
	defer sess.Close()

	snd := sender.New(sess, cfg.HTTPBaseURL(), log)
	sess.SetHandler(snd)

	if _, err := sess.Start(ctx); err != nil {
		return err
	}

	room, err := sess.CreateRoom(ctx)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	snd.SetRoom(room)

	for _, path := range paths {
		item, err := snd.AddFile(path)
		if err != nil {
			return err
		}
		fmt.Println(infoStyle.Render(fmt.Sprintf("  %s (%d bytes)", item.Name, item.Size)))
	}

	fmt.Println(titleStyle.Render("Room is ready. Share this link:"))
	fmt.Println(urlStyle.Render(cfg.ShareURL(room.ID)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("%d downloads allowed, expires %s",
		room.RemainingDownloads, room.ExpiresAt.Format("15:04 Jan 2"))))

	<-ctx.Done()
	fmt.Println(infoStyle.Render("shutting down"))
	return nil
}

// pickFiles offers the current directory's files in a multi-select.
func pickFiles() ([]string, error) {
	entries, err := os.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var options []huh.Option[string]
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		label := fmt.Sprintf("%s (%d bytes)", entry.Name(), info.Size())
		options = append(options, huh.NewOption(label, entry.Name()))
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no files in the current directory")
	}

	var selected []string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Select files to share").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}
	return selected, nil
}
