// Command vx11-statedump inspects and compacts a gateway's persisted window
// state offline. Every command except prune opens the database read-only.
// prune needs the gateway stopped and writes a backup before it changes
// anything. The window history is otherwise append-only: pruning permanently
// discards audit records, and the backup is the only full copy left.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/vx11/vx11/pkg/storage"
	"github.com/vx11/vx11/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", "./vx11-data", "VX11 data directory")
	dbFile     = flag.String("db", "", "Path to the database file (default: <data-dir>/vx11.db)")
	backupPath = flag.String("out", "", "Backup destination (default: <db>.backup)")
	limit      = flag.Int("limit", 0, "Only dump the newest N transitions (0 = all)")
	keep       = flag.Int("keep", 1000, "Transitions prune keeps")
	dryRun     = flag.Bool("dry-run", false, "Show what prune would remove without changing anything")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: vx11-statedump [flags] dump|backup|verify|prune

  dump    print the state snapshot and transition log as JSON
  backup  write a consistent copy of the database
  verify  check the transition log against the snapshot
  prune   back up, then drop all but the newest -keep transitions.
          This DISCARDS window audit history; keep the backup if the
          history must be retained.

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	path := *dbFile
	if path == "" {
		path = filepath.Join(*dataDir, storage.FileName)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", path)
	}

	cmd := flag.Arg(0)
	readOnly := cmd != "prune" || *dryRun
	store, err := storage.OpenBoltStore(path, readOnly)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	dst := *backupPath
	if dst == "" {
		dst = path + ".backup"
	}

	switch cmd {
	case "dump":
		err = dump(os.Stdout, store, *limit)
	case "backup":
		if err = store.Backup(dst); err == nil {
			log.Printf("✓ Backup written to %s", dst)
		}
	case "verify":
		var problems []string
		problems, err = verify(store)
		for _, p := range problems {
			log.Printf("✗ %s", p)
		}
		if err == nil && len(problems) > 0 {
			err = fmt.Errorf("%d problem(s) found", len(problems))
		}
		if err == nil {
			log.Println("✓ Transition log and snapshot are consistent")
		}
	case "prune":
		err = prune(store, dst, *keep, *dryRun)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		store.Close()
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

// prune backs the database up to backup and then trims the log. A dry run
// only reports.
func prune(store *storage.BoltStore, backup string, keep int, dryRun bool) error {
	if keep < 0 {
		return fmt.Errorf("-keep must not be negative, got %d", keep)
	}
	all, err := store.Transitions(0)
	if err != nil {
		return err
	}
	drop := len(all) - keep
	if drop <= 0 {
		log.Printf("✓ %d transitions, nothing to prune", len(all))
		return nil
	}
	if dryRun {
		log.Printf("[DRY RUN] Would remove %d of %d transitions (seq %d to %d)", drop, len(all), all[0].Seq, all[drop-1].Seq)
		return nil
	}

	log.Printf("Creating backup: %s", backup)
	if err := store.Backup(backup); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	removed, err := store.Prune(keep)
	if err != nil {
		return err
	}
	log.Printf("✓ Removed %d transitions, kept %d", removed, len(all)-removed)
	log.Printf("Audit history up to seq %d now exists only in %s", all[drop-1].Seq, backup)
	return nil
}

// stateDump is the document written by the dump command
type stateDump struct {
	Snapshot    *types.WindowState  `json:"snapshot"`
	Transitions []*types.Transition `json:"transitions"`
}

func dump(w io.Writer, store storage.Store, limit int) error {
	snap, err := store.Snapshot()
	if err != nil {
		return err
	}
	transitions, err := store.Transitions(limit)
	if err != nil {
		return err
	}
	if transitions == nil {
		transitions = []*types.Transition{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stateDump{Snapshot: snap, Transitions: transitions})
}

// verify reports every inconsistency it finds. The error is reserved for
// failures to read the store.
func verify(store storage.Store) ([]string, error) {
	snap, err := store.Snapshot()
	if err != nil {
		return nil, err
	}
	transitions, err := store.Transitions(0)
	if err != nil {
		return nil, err
	}

	var problems []string
	if len(transitions) == 0 {
		if snap != nil && snap.Version != 0 {
			problems = append(problems, fmt.Sprintf("snapshot is at version %d but the log is empty", snap.Version))
		}
		return problems, nil
	}
	if snap == nil {
		return append(problems, fmt.Sprintf("log has %d transitions but no snapshot", len(transitions))), nil
	}

	var prev *types.Transition
	for _, t := range transitions {
		if prev != nil {
			if t.Seq != prev.Seq+1 {
				problems = append(problems, fmt.Sprintf("sequence gap between %d and %d", prev.Seq, t.Seq))
			}
			if t.Version != prev.Version+1 {
				problems = append(problems, fmt.Sprintf("seq %d: version %d does not follow %d", t.Seq, t.Version, prev.Version))
			}
			if t.From != prev.To {
				problems = append(problems, fmt.Sprintf("seq %d: starts from %s but previous transition ended in %s", t.Seq, t.From, prev.To))
			}
		}
		if err := checkCause(t); err != nil {
			problems = append(problems, fmt.Sprintf("seq %d: %v", t.Seq, err))
		}
		prev = t
	}

	if snap.Version != prev.Version {
		problems = append(problems, fmt.Sprintf("snapshot version %d does not match last transition version %d", snap.Version, prev.Version))
	}
	if snap.Mode != prev.To {
		problems = append(problems, fmt.Sprintf("snapshot mode %s does not match last transition target %s", snap.Mode, prev.To))
	}
	if snap.IsWindowed() && snap.WindowID != prev.WindowID {
		problems = append(problems, fmt.Sprintf("snapshot window %s was not opened by the last transition (%s)", snap.WindowID, prev.WindowID))
	}
	return problems, nil
}

func checkCause(t *types.Transition) error {
	switch t.Cause {
	case types.CauseOpen:
		if t.To != types.ModeWindowed {
			return fmt.Errorf("open transition ends in %s", t.To)
		}
		if t.WindowID == "" {
			return errors.New("open transition has no window id")
		}
	case types.CauseClose, types.CauseExpire:
		if t.To != types.ModeSolo {
			return fmt.Errorf("%s transition ends in %s", t.Cause, t.To)
		}
	default:
		return fmt.Errorf("unknown cause %q", t.Cause)
	}
	return nil
}
