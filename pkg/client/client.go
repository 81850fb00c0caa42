// Package client is the interactive shell used to queue records and
// trigger syncs by hand.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

var errExit = errors.New("exit")

const helpText = `Commands:
  save <collection> <json>     queue a record
  unsynced <collection>        list queued records
  drain [collection]           sync queued records
  submit <formType> <json>     submit a form, queueing it when offline
  online | offline             set connectivity
  status                       show worker status
  help                         show this help
  exit                         leave the shell
`

type Shell struct {
	rl  *readline.Instance
	app *appcontext.App
	out io.Writer
}

func NewShell(app *appcontext.App) (*Shell, error) {
	rl, err := readline.New("gitako> ")
	if err != nil {
		return nil, err
	}
	return &Shell{rl: rl, app: app, out: os.Stdout}, nil
}

func (s *Shell) Close() {
	if s.rl != nil {
		s.rl.Close()
	}
}

// Run reads commands until exit, EOF or interrupt.
func (s *Shell) Run(ctx context.Context) error {
	fmt.Fprint(s.out, helpText)
	for {
		s.rl.SetPrompt("gitako> ")
		line, err := s.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.Execute(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

// parseCommand splits line into the command, its first argument and the
// rest of the line.
func parseCommand(line string) (cmd, arg, rest string) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		rest = strings.TrimSpace(fields[2])
	}
	return cmd, arg, rest
}

// Execute runs one command line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	cmd, arg, rest := parseCommand(line)
	switch cmd {
	case "":
		return nil
	case "help":
		fmt.Fprint(s.out, helpText)
		return nil
	case "exit", "quit":
		return errExit
	case "save":
		return s.save(ctx, arg, rest)
	case "unsynced":
		return s.unsynced(ctx, arg)
	case "drain":
		return s.drain(ctx, arg)
	case "submit":
		return s.submit(ctx, arg, rest)
	case "online", "offline":
		s.app.Services.SetOnline(cmd == "online")
		fmt.Fprintf(s.out, "Connectivity set to %s\n", cmd)
		if cmd == "online" {
			return s.drain(ctx, "")
		}
		return nil
	case "status":
		return s.status(ctx)
	default:
		return fmt.Errorf("unknown command %q, type help", cmd)
	}
}

func (s *Shell) prompt(label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	if s.rl == nil {
		return "", fmt.Errorf("%s is required", label)
	}
	s.rl.SetPrompt(label + ": ")
	v, err := s.rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

func (s *Shell) collection(name string) (models.Collection, error) {
	name, err := s.prompt("Choose a collection", name)
	if err != nil {
		return "", err
	}
	c, ok := models.ParseCollection(name)
	if !ok {
		return "", fmt.Errorf("unknown collection %q", name)
	}
	return c, nil
}

func (s *Shell) save(ctx context.Context, name, payload string) error {
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	payload, err = s.prompt("Enter payload (JSON)", payload)
	if err != nil {
		return err
	}
	id, err := s.app.Queue.Save(ctx, c, []byte(payload))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Saved %s item %d\n", c, id)
	return nil
}

func (s *Shell) unsynced(ctx context.Context, name string) error {
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	records, err := s.app.Queue.Unsynced(ctx, c)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(s.out, "No unsynced %s\n", c)
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(s.out, "%d\t%s\t%s\n", r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), r.Payload)
	}
	return nil
}

func (s *Shell) drain(ctx context.Context, name string) error {
	if name == "" {
		report := s.app.Services.DrainAll(ctx)
		fmt.Fprintf(s.out, "Synced %d, failed %d\n", report.Synced(), report.Failed())
		return nil
	}
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	cr := s.app.Services.DrainCollection(ctx, c)
	if cr.Err != nil {
		return cr.Err
	}
	fmt.Fprintf(s.out, "Synced %d, failed %d\n", cr.Synced, cr.Failed)
	return nil
}

func (s *Shell) submit(ctx context.Context, formType, data string) error {
	formType, err := s.prompt("Form type", formType)
	if err != nil {
		return err
	}
	data, err = s.prompt("Enter form data (JSON)", data)
	if err != nil {
		return err
	}
	res, err := s.app.Services.Submit(ctx, formType, json.RawMessage(data))
	if err != nil {
		return err
	}
	if res.Offline {
		fmt.Fprintf(s.out, "Saved offline as %d. Will sync when connected.\n", res.ID)
		return nil
	}
	fmt.Fprintf(s.out, "Submitted: %s\n", res.Data)
	return nil
}

func (s *Shell) status(ctx context.Context) error {
	st, err := s.app.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "State: %s (claimed: %t)\n", st.State, st.Claimed)
	fmt.Fprintf(s.out, "Online: %t, storage: %t\n", st.Online, st.Storage)

	names := make([]string, 0, len(st.Pending))
	for c := range st.Pending {
		names = append(names, string(c))
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(s.out, "Pending %s: %d\n", n, st.Pending[models.Collection(n)])
	}
	if !st.LastSync.IsZero() {
		fmt.Fprintf(s.out, "Last sync: %s (%d synced, %d failed)\n",
			st.LastSync.Format("2006-01-02 15:04:05"), st.LastSynced, st.LastFailed)
	}
	fmt.Fprintf(s.out, "Caches: %s\n", strings.Join(st.Caches, ", "))
	return nil
}
