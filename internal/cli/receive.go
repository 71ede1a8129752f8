package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"peerdrop/internal/protocol"
	"peerdrop/internal/receiver"
	"peerdrop/internal/session"
)

var receiveCmd = &cobra.Command{
	Use:   "receive <room-id|share-url>",
	Short: "Download files from a shared room",
	Args:  cobra.ExactArgs(1),
	RunE:  runReceive,
}

func init() {
	receiveCmd.Flags().Bool("all", false, "download every offered file without prompting")
	receiveCmd.Flags().StringP("out", "o", "", "download directory")
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	if out, err := cmd.Flags().GetString("out"); err == nil && out != "" {
		cfg.DownloadDir = out
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(session.Options{
		Role:   session.RoleReceiver,
		Config: cfg,
		Logger: log,
		Notify: notifyTerminal,
	})
	defer sess.Close()

	var bars barSet
	done := make(chan struct{})
	rcv := receiver.New(sess, receiver.Options{
		DownloadDir: cfg.DownloadDir,
		Logger:      log,
		OnProgress:  bars.update,
		OnComplete:  func() { close(done) },
	})
	sess.SetHandler(rcv)

	if _, err := sess.Start(ctx); err != nil {
		return err
	}
	if err := rcv.Join(ctx, args[0]); err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	items, err := rcv.AwaitCatalog(listCtx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("the room offers no files")
	}

	all, _ := cmd.Flags().GetBool("all")
	if all {
		rcv.SelectAll()
	} else {
		ids, err := pickDownloads(items)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rcv.Toggle(id)
		}
	}
	if len(rcv.Selected()) == 0 {
		return fmt.Errorf("nothing selected")
	}

	bars.init(items, rcv.Selected())
	if err := rcv.Download(ctx); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("interrupted before the download finished")
	}

	fmt.Println(successStyle.Render("All files received."))
	for _, id := range rcv.Selected() {
		if path, ok := rcv.SavedPath(id); ok {
			fmt.Println(infoStyle.Render("  " + path))
		}
	}
	return nil
}

func pickDownloads(items []protocol.FileListItem) ([]string, error) {
	var options []huh.Option[string]
	for _, item := range items {
		label := fmt.Sprintf("%s (%d bytes)", item.Name, item.Size)
		options = append(options, huh.NewOption(label, item.ID))
	}

	var selected []string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Select files to download").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}
	return selected, nil
}

// barSet renders one progress bar per downloading file.
type barSet struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func (b *barSet) init(items []protocol.FileListItem, selected []string) {
	names := make(map[string]string, len(items))
	for _, item := range items {
		names[item.ID] = item.Name
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars = make(map[string]*progressbar.ProgressBar, len(selected))
	for _, id := range selected {
		b.bars[id] = progressbar.NewOptions(100,
			progressbar.OptionSetDescription(names[id]),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
}

func (b *barSet) update(fileID string, percent int) {
	b.mu.Lock()
	bar := b.bars[fileID]
	b.mu.Unlock()
	if bar != nil {
		_ = bar.Set(percent)
	}
}
