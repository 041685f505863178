package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/nowplaying/nowplaying/internal/artwork"
	"github.com/nowplaying/nowplaying/internal/config"
	"github.com/nowplaying/nowplaying/internal/history"
	"github.com/nowplaying/nowplaying/internal/mpris"
	"github.com/nowplaying/nowplaying/internal/player"
	"github.com/nowplaying/nowplaying/internal/settings"
)

func runDoctor(cfg *config.Config, cfgPath string, w io.Writer) {
	fmt.Fprintln(w, "nowplaying doctor")
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)
	fmt.Fprintf(w, "Storage dir: %s\n", cfg.StorageDir)

	s, err := settings.Load(cfg.StorageDir)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Settings: ERROR - %v\n", err)
	case !s.IsConfigured():
		fmt.Fprintln(w, "Settings: NOT CONFIGURED (run nowplaying -configure)")
	default:
		if verr := settings.Validate(s); verr != nil {
			fmt.Fprintf(w, "Settings: INVALID - %v\n", verr)
		} else {
			fmt.Fprintf(w, "Settings: OK (%s, every %d track(s), artwork %s)\n", s.InstanceURL, s.Frequency(), onOff(s.AttachAlbumArt))
		}
	}

	if cache, err := artwork.NewUploadCache(cfg.StorageDir); err != nil {
		fmt.Fprintf(w, "Upload cache: ERROR - %v\n", err)
	} else {
		size := "empty"
		if info, err := os.Stat(cache.Path()); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(w, "Upload cache: %d entries (%s)\n", cache.Len(), size)
	}

	if cfg.History.Enabled {
		if hist, err := history.Open(history.Path(cfg.StorageDir)); err != nil {
			fmt.Fprintf(w, "History: ERROR - %v\n", err)
		} else {
			ctx, cancel := cfg.DeadlineContext()
			posted, _ := hist.Count(ctx, history.StatusPosted)
			failed, _ := hist.Count(ctx, history.StatusFailed)
			skipped, _ := hist.Count(ctx, history.StatusSkipped)
			cancel()
			hist.Close()
			fmt.Fprintf(w, "History: %s posted, %s failed, %s skipped\n",
				humanize.Comma(int64(posted)), humanize.Comma(int64(failed)), humanize.Comma(int64(skipped)))
		}
	} else {
		fmt.Fprintln(w, "History: disabled")
	}

	ctx, cancel := cfg.DeadlineContext()
	defer cancel()
	switch cfg.Player.Backend {
	case config.BackendMPRIS:
		players, err := mpris.Players(ctx)
		if err != nil {
			fmt.Fprintf(w, "MPRIS: NOT AVAILABLE - %v\n", err)
			return
		}
		fmt.Fprintf(w, "MPRIS: OK (%s)\n", strings.Join(players, ", "))
	default:
		ipc := cfg.Player.IPC
		if ipc == "" {
			ipc = player.DefaultIPCPath()
		}
		v, err := player.Probe(ctx, player.Options{IPCPath: ipc})
		switch {
		case err == nil:
			fmt.Fprintf(w, "mpv: OK (%s at %s)\n", v, ipc)
		case cfg.Player.Spawn:
			fmt.Fprintf(w, "mpv: not running at %s (will be spawned from %s)\n", ipc, cfg.Player.MPVPath)
		default:
			fmt.Fprintf(w, "mpv: NOT REACHABLE at %s - start mpv with --input-ipc-server=%s\n", ipc, ipc)
		}
	}
}

func runHistory(cfg *config.Config, limit int, clearAll bool, w io.Writer) error {
	if !cfg.History.Enabled {
		fmt.Fprintln(w, "History: disabled")
		return nil
	}
	hist, err := history.Open(history.Path(cfg.StorageDir))
	if err != nil {
		return err
	}
	defer hist.Close()

	ctx := context.Background()
	if clearAll {
		n, err := hist.Count(ctx, "")
		if err != nil {
			return err
		}
		if err := hist.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintf(w, "Cleared %s history entries.\n", humanize.Comma(int64(n)))
		return nil
	}

	entries, err := hist.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No posts yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tSTATUS\tTRACK\tDETAIL")
	for _, e := range entries {
		detail := e.NoteID
		if e.Status != history.StatusPosted {
			detail = e.Error
		} else if e.FileID != "" {
			detail += " (art " + e.FileID + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s / %s\t%s\n", humanize.Time(e.At), e.Status, e.Title, e.Artist, oneLine(detail, 60))
	}
	return tw.Flush()
}

// runReset deletes the storage directory after confirmation.
func runReset(cfg *config.Config, assumeYes bool, in io.Reader) error {
	dir := filepath.Clean(cfg.StorageDir)
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to delete %q", cfg.StorageDir)
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Nothing to delete at %s\n", dir)
		return nil
	}
	if !assumeYes {
		fmt.Printf("Delete %s (settings, upload cache, logs, history)? [y/N] ", dir)
		answer, _ := bufio.NewReader(in).ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", dir, err)
	}
	fmt.Printf("Deleted %s\n", dir)
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
