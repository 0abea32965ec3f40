package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/cryptox"
	"github.com/dmitrijs2005/gophbackup/internal/download"
	"github.com/dmitrijs2005/gophbackup/internal/models"
	"github.com/dmitrijs2005/gophbackup/internal/service"
	"github.com/dustin/go-humanize"
)

type pathArg struct {
	Path string `positional-arg-name:"path" required:"yes"`
}

type exportCommand struct {
	Level string  `short:"l" long:"level" description:"backup level: messages or media (default from config)"`
	Args  pathArg `positional-args:"yes"`
	app   *App
}

func (c *exportCommand) Execute([]string) error {
	a := c.app
	level := a.cfg.BackupLevel
	if c.Level != "" {
		level = c.Level
	}
	lvl, err := backup.ParseLevel(level)
	if err != nil {
		return err
	}

	svc, err := a.open(true, false)
	if err != nil {
		return err
	}
	n, err := svc.ExportToDisk(a.ctx, c.Args.Path, lvl, backup.TypeCiphertext)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %s to %s\n", humanize.Bytes(uint64(n)), c.Args.Path)
	return nil
}

type importCommand struct {
	Ephemeral string  `long:"ephemeral-key" description:"hex encoded transfer key of a linked device"`
	Args      pathArg `positional-args:"yes"`
	app       *App
}

func (c *importCommand) Execute([]string) error {
	a := c.app
	eph, err := parseEphemeral(c.Ephemeral)
	if err != nil {
		return err
	}

	svc, err := a.open(true, false)
	if err != nil {
		return err
	}
	res, err := svc.ImportFromDisk(a.ctx, c.Args.Path, service.ImportOptions{
		Type:       backup.TypeCiphertext,
		Ephemeral:  eph,
		OnProgress: a.progress(),
	})
	a.endProgress()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Restored %d records from a %s backup taken %s\n",
		res.Records, res.Header.Level, humanize.Time(res.Header.BackupTime))
	return nil
}

type uploadCommand struct {
	app *App
}

func (c *uploadCommand) Execute([]string) error {
	a := c.app
	svc, err := a.open(true, true)
	if err != nil {
		return err
	}
	n, err := svc.Upload(a.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Uploaded %s as %q\n", humanize.Bytes(uint64(n)), a.cfg.BackupName)
	return nil
}

type downloadCommand struct {
	Ephemeral string `long:"ephemeral-key" description:"hex encoded transfer key of a linked device"`
	app       *App
}

func (c *downloadCommand) Execute([]string) error {
	a := c.app
	eph, err := parseEphemeral(c.Ephemeral)
	if err != nil {
		return err
	}

	svc, err := a.open(true, true)
	if err != nil {
		return err
	}

	type outcome struct {
		restored bool
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		restored, err := svc.Download(a.ctx, service.ImportOptions{
			Type:       backup.TypeCiphertext,
			Ephemeral:  eph,
			OnProgress: a.progress(),
		})
		done <- outcome{restored, err}
	}()

	for {
		select {
		case p := <-svc.Prompts():
			a.endProgress()
			// stdin may block past the end of the run
			go a.answer(p)
		case o := <-done:
			a.endProgress()
			if o.err != nil {
				return o.err
			}
			if o.restored {
				fmt.Fprintln(a.out, "Backup restored")
			} else {
				fmt.Fprintln(a.out, "No backup restored")
			}
			return nil
		}
	}
}

// answer asks the user what to do about a failed attempt.
func (a *App) answer(p *download.Prompt) {
	if !p.CanRetry {
		if p.Kind == download.FailureUnsupportedVersion {
			fmt.Fprintln(a.out, "This backup was made by a newer version and cannot be restored.")
		} else {
			fmt.Fprintf(a.out, "The backup cannot be restored: %v\n", p.Err)
		}
		p.Cancel()
		return
	}

	reply, err := GetSimpleText(a.in, fmt.Sprintf("Restore failed: %v\nRetry? [y/N]", p.Err), a.out)
	if err != nil || !isYes(reply) {
		p.Cancel()
		return
	}
	p.Retry()
}

type addCommand struct {
	Kind    string `short:"k" long:"kind" default:"message" description:"record kind"`
	MediaID string `short:"m" long:"media-id" description:"id of the attached blob"`
	Args    struct {
		Payload string `positional-arg-name:"payload" required:"yes"`
	} `positional-args:"yes"`
	app *App
}

func (c *addCommand) Execute([]string) error {
	kind := models.RecordKind(c.Kind)
	if !kind.Valid() {
		return fmt.Errorf("unknown record kind %q", c.Kind)
	}

	svc, err := c.app.open(false, false)
	if err != nil {
		return err
	}
	return svc.AddRecord(c.app.ctx, models.Record{Kind: kind, Payload: []byte(c.Args.Payload), MediaID: c.MediaID})
}

type statusCommand struct {
	app *App
}

func (c *statusCommand) Execute([]string) error {
	a := c.app
	svc, err := a.open(false, false)
	if err != nil {
		return err
	}

	records, err := a.store.Records.Count(a.ctx)
	if err != nil {
		return err
	}
	media, err := a.store.Media.List(a.ctx)
	if err != nil {
		return err
	}
	restored, err := svc.RestoredFromBackup(a.ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Records:              %d\n", records)
	fmt.Fprintf(a.out, "Cached media objects: %d\n", len(media))
	fmt.Fprintf(a.out, "Restored from backup: %t\n", restored)
	return nil
}

func parseEphemeral(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	if len(key) != cryptox.KeySize {
		return nil, fmt.Errorf("ephemeral key: %w", cryptox.ErrInvalidKey)
	}
	return key, nil
}

func (a *App) progress() backup.ProgressFunc {
	return func(p backup.Progress) {
		if p.Total > 0 {
			fmt.Fprintf(a.out, "\r%-8s %s / %s", p.Step, humanize.Bytes(uint64(p.Current)), humanize.Bytes(uint64(p.Total)))
			return
		}
		fmt.Fprintf(a.out, "\r%-8s %s", p.Step, humanize.Bytes(uint64(p.Current)))
	}
}

func (a *App) endProgress() {
	fmt.Fprintln(a.out)
}
