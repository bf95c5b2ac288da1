package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/lorafs/internal/ble"
	"github.com/chaz8081/lorafs/internal/ble/protocol"
	"github.com/chaz8081/lorafs/internal/config"
	"github.com/chaz8081/lorafs/internal/gateway"
	"github.com/chaz8081/lorafs/internal/store"
	"github.com/chaz8081/lorafs/internal/transfer"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withSession runs fn against a connected gateway.
func withSession(c *cli.Context, artifacts transfer.Sink, fn func(ctx context.Context, s *session) error) error {
	cfg, logger := setup(c)
	ctx, cancel := signalContext()
	defer cancel()

	s, err := connect(ctx, cfg, logger, artifacts)
	if err != nil {
		PrintFatal(os.Stderr, "%v", err)
	}
	defer s.close()

	if err := fn(ctx, s); err != nil {
		s.close()
		PrintFatal(os.Stderr, "%v", describe(err))
	}
	return nil
}

// describe renders gateway errors for humans.
func describe(err error) string {
	var perr *protocol.PeerError
	if errors.As(err, &perr) {
		return "gateway refused: " + perr.Message()
	}
	if errors.Is(err, transfer.ErrBusy) {
		return err.Error() + " (wait for the current transfer to finish)"
	}
	return err.Error()
}

func scanCommand(c *cli.Context) (err error) {
	cfg, _ := setup(c)
	PrintErr(os.Stderr, "Scanning for %s...", c.Duration("timeout"))
	devices, err := ble.ScanForDevices(ble.NewTinyGoAdapter(), cfg.Device.ServiceUUID, c.Duration("timeout"))
	if err != nil {
		PrintFatal(os.Stderr, "scan: %v", explain(err))
	}
	if len(devices) == 0 {
		PrintErr(os.Stderr, "No gateways found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tROLE")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, d.MAC, d.RSSI, d.Role())
	}
	w.Flush()
	PrintErr(os.Stderr, "\nSave one with %s or pass %s.", Cyan("device.address"), Cyan("--address"))
	return
}

func lsCommand(c *cli.Context) (err error) {
	return withSession(c, nil, func(ctx context.Context, s *session) error {
		files, err := s.client.ListFiles(ctx)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No files on gateway.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		var total int64
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\n", f.Name, humanSize(int64(f.Size)))
			total += int64(f.Size)
		}
		w.Flush()
		fmt.Printf("%d files, %s\n", len(files), humanSize(total))
		return nil
	})
}

func uploadCommand(c *cli.Context) (err error) {
	path := c.Args().First()
	if path == "" {
		PrintFatal(os.Stderr, "usage: lorafs upload <path> [--name NAME]")
	}
	f, err := os.Open(path)
	if err != nil {
		PrintFatal(os.Stderr, "%v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		PrintFatal(os.Stderr, "%v", err)
	}
	name := c.String("name")
	if name == "" {
		name = filepath.Base(path)
	}

	return withSession(c, nil, func(ctx context.Context, s *session) error {
		bar := newProgressLine(os.Stderr, name)
		err := s.client.Upload(ctx, name, f, info.Size(), bar.update)
		bar.done()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", Green("Uploaded"), name, humanSize(info.Size()))
		return nil
	})
}

func downloadCommand(c *cli.Context) (err error) {
	name := c.Args().First()
	if name == "" {
		PrintFatal(os.Stderr, "usage: lorafs download <name> [--stdout]")
	}
	var artifacts transfer.Sink
	if c.Bool("stdout") {
		artifacts = transfer.WriterSink{W: os.Stdout}
	}
	return withSession(c, artifacts, func(ctx context.Context, s *session) error {
		bar := newProgressLine(os.Stderr, name)
		ref, err := s.client.Download(ctx, name, bar.update)
		bar.done()
		if err != nil {
			return err
		}
		if ref.Path != "" {
			PrintErr(os.Stderr, "%s %s -> %s (%s)", Green("Downloaded"), name, ref.Path, humanSize(ref.Size))
			PrintErr(os.Stderr, "  blake2b-256 %s", ref.Digest)
		}
		return nil
	})
}

func rmCommand(c *cli.Context) (err error) {
	name := c.Args().First()
	if name == "" {
		PrintFatal(os.Stderr, "usage: lorafs rm <name>")
	}
	return withSession(c, nil, func(ctx context.Context, s *session) error {
		if err := s.client.Delete(ctx, name); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", Green("Deleted"), name)
		return nil
	})
}

func printRadioConfig(cfg protocol.RadioConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "bandwidth\t%d kHz\n", cfg.Bandwidth)
	fmt.Fprintf(w, "spreading factor\tSF%d\n", cfg.SpreadingFactor)
	fmt.Fprintf(w, "coding rate\t4/%d\n", cfg.CodingRate)
	fmt.Fprintf(w, "ack interval\t%d\n", cfg.AckInterval)
	fmt.Fprintf(w, "power\t%d dBm\n", cfg.Power)
	w.Flush()
}

func radioGetCommand(c *cli.Context) (err error) {
	if c.Bool("cached") {
		cfg, _ := setup(c)
		db, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			PrintFatal(os.Stderr, "history: %v", err)
		}
		defer db.Close()
		radio, err := db.GetRadioConfig()
		if errors.Is(err, store.ErrNotFound) {
			PrintFatal(os.Stderr, "No cached radio config; run %s once while connected.", Cyan("lorafs radio get"))
		} else if err != nil {
			PrintFatal(os.Stderr, "history: %v", err)
		}
		printRadioConfig(radio)
		return nil
	}
	return withSession(c, nil, func(ctx context.Context, s *session) error {
		radio, err := s.client.GetRadioConfig(ctx)
		if err != nil {
			return err
		}
		printRadioConfig(radio)
		return nil
	})
}

// radioFlags overlays the flags that were set on base.
func radioFlags(c *cli.Context, base protocol.RadioConfig) protocol.RadioConfig {
	for flag, field := range map[string]*int{
		"bw":    &base.Bandwidth,
		"sf":    &base.SpreadingFactor,
		"cr":    &base.CodingRate,
		"ack":   &base.AckInterval,
		"power": &base.Power,
	} {
		if c.IsSet(flag) {
			*field = c.Int(flag)
		}
	}
	return base
}

func radioSetCommand(c *cli.Context) (err error) {
	return withSession(c, nil, func(ctx context.Context, s *session) error {
		current, err := s.client.GetRadioConfig(ctx)
		if err != nil {
			return err
		}
		next := radioFlags(c, current)
		if err := next.Validate(); err != nil {
			return err
		}
		if next == current {
			fmt.Println("Radio config unchanged.")
			return nil
		}
		if err := s.client.SetRadioConfig(ctx, next); err != nil {
			return err
		}
		fmt.Println(Green("Radio config applied:"))
		printRadioConfig(next)
		return nil
	})
}

func radioTxCommand(c *cli.Context) (err error) {
	name := c.Args().First()
	if name == "" {
		PrintFatal(os.Stderr, "usage: lorafs radio tx <name>")
	}
	return withSession(c, nil, func(ctx context.Context, s *session) error {
		bar := newProgressLine(os.Stderr, name)
		sum, err := s.client.TransmitOverRadio(ctx, name, bar.update)
		bar.done()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s in %.1fs (%.2f kbps, %d retries)\n",
			Green("Transmitted"), sum.Name, humanSize(sum.Size), sum.Seconds, sum.Kbps, sum.Retries)
		return nil
	})
}

func watchCommand(c *cli.Context) (err error) {
	return withSession(c, nil, func(ctx context.Context, s *session) error {
		rx := s.client.RadioRxEvents(ctx)
		progress := s.client.DeviceProgress(ctx)
		links := make(chan gateway.LinkStateData, 8)
		off := s.client.Events().On(gateway.EventLinkState, func(ev gateway.Event) {
			if d, ok := ev.Data.(gateway.LinkStateData); ok {
				select {
				case links <- d:
				default:
				}
			}
		})
		defer off()

		PrintErr(os.Stderr, "Watching for LoRa receptions. Ctrl+C to stop.")
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-rx:
				if !ok {
					return nil
				}
				printRx(ev)
			case p, ok := <-progress:
				if !ok {
					return nil
				}
				s.logger.Debug("[CLI] device progress", "percent", p)
			case l := <-links:
				if l.Error != "" {
					PrintErr(os.Stderr, "%s link %s: %s", stamp(), l.State, Red(l.Error))
				} else {
					PrintErr(os.Stderr, "%s link %s", stamp(), l.State)
				}
			}
		}
	})
}

func stamp() string {
	return time.Now().Format("15:04:05")
}

func printRx(ev gateway.RxEvent) {
	switch ev.Phase {
	case gateway.RxStarted:
		fmt.Printf("%s receiving %s (%s)\n", stamp(), Cyan(ev.Name), humanSize(ev.Size))
	case gateway.RxProgress:
		fmt.Printf("%s   %d/%d fragments (%d%%)\n", stamp(), ev.Done, ev.Total, ev.Percent)
	case gateway.RxCompleted:
		fmt.Printf("%s %s %s (%s in %.1fs)\n", stamp(), Green("received"), ev.Name, humanSize(ev.Size), ev.Seconds)
	case gateway.RxFailed:
		fmt.Printf("%s %s %s: %s\n", stamp(), Red("reception failed"), ev.Name, ev.Reason)
	}
}

func historyCommand(c *cli.Context) (err error) {
	cfg, _ := setup(c)
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		PrintFatal(os.Stderr, "history: %v", err)
	}
	defer db.Close()

	records, err := db.ListTransfers(c.Int("limit"))
	if err != nil {
		PrintFatal(os.Stderr, "history: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tKIND\tNAME\tSIZE\tTOOK\tSTATUS")
	for _, r := range records {
		status := Green(r.Status)
		if r.Status == store.StatusFailed {
			status = Red(r.Status) + " " + r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Name,
			humanSize(r.Size), r.Duration().Round(100*time.Millisecond), status)
	}
	w.Flush()
	return
}

func configInitCommand(c *cli.Context) (err error) {
	path, err := config.WriteDefault()
	if err != nil {
		PrintFatal(os.Stderr, "%v", err)
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return
	}
	fmt.Printf("Wrote %s\n", Cyan(path))
	return
}
