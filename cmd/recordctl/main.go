// Package main provides the recordctl CLI tool for inspecting and editing
// recordkv tables.
//
// Usage:
//
//	recordctl --home=<dir> [--table=<name>] <command> [args]
//
// Commands:
//
//	get <key>           Print the value stored under a key
//	put <key> <value>   Store a value under a key
//	append <value>      Append a record to a queue table
//	delete <key>        Delete a key
//	exists <key>        Report whether a key is present
//	scan                Print all records
//	count               Print the number of records
//	truncate            Delete every record
//	write-config <path> Write the resolved options as a YAML file
//
// Keys and values prefixed with 0x are decoded as hex.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/zeebo/xxh3"

	"github.com/aalhour/recordkv"
	"github.com/aalhour/recordkv/engine"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config       string `short:"c" help:"YAML options file." type:"existingfile"`
	Home         string `help:"Environment home directory." type:"path"`
	Engine       string `help:"Storage engine (memory, bolt, pebble)."`
	Table        string `short:"t" help:"Table name." default:"records"`
	Type         string `help:"Table type (btree, hash, queue, unknown)." enum:"btree,hash,queue,unknown" default:"btree"`
	RecordLength int    `help:"Record length of a queue table."`
	NoCreate     bool   `help:"Fail if the table does not exist."`
	Retries      int    `help:"Deadlocks absorbed per operation." default:"1"`
	IntKeys      bool   `name:"int" help:"Interpret keys as 32-bit record numbers."`
	Hex          bool   `help:"Print keys and values in hex."`
	LogLevel     string `help:"Log level (error, warn, info, debug)." default:"warn"`
	Stats        bool   `help:"Print statistics after the command."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Get         GetCmd         `cmd:"" help:"Print the value stored under a key."`
	Put         PutCmd         `cmd:"" help:"Store a value under a key."`
	Append      AppendCmd      `cmd:"" help:"Append a record to a queue table."`
	Delete      DeleteCmd      `cmd:"" help:"Delete a key."`
	Exists      ExistsCmd      `cmd:"" help:"Report whether a key is present."`
	Scan        ScanCmd        `cmd:"" help:"Print all records."`
	Count       CountCmd       `cmd:"" help:"Print the number of records."`
	Truncate    TruncateCmd    `cmd:"" help:"Delete every record."`
	Compact     CompactCmd     `cmd:"" help:"Reclaim space left by deleted records."`
	Verify      VerifyCmd      `cmd:"" help:"Check the table for damage."`
	Backup      BackupCmd      `cmd:"" help:"Copy the environment into a new directory."`
	WriteConfig WriteConfigCmd `cmd:"" help:"Write the resolved options as a YAML file."`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Exit))
}

// run parses args and executes the selected command. It returns the
// process exit code.
func run(args []string, stdout, stderr io.Writer, exit func(int)) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("recordctl"),
		kong.Description("Inspect and edit recordkv tables."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(exit),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	s := &session{globals: &cli.Globals, out: stdout}
	if err := kctx.Run(s); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// session carries the open environment through a command.
type session struct {
	globals *Globals
	out     io.Writer
	env     *recordkv.Environment
	table   *recordkv.Table
	stats   recordkv.Statistics
}

// resolve builds the environment options from --config and the flags.
// Flags given on the command line win over the file.
func (s *session) resolve() (*recordkv.EnvironmentOptions, *recordkv.TableOptions, error) {
	g := s.globals
	opts := recordkv.DefaultEnvironmentOptions()
	if g.Config != "" {
		loaded, err := recordkv.LoadOptionsFile(g.Config)
		if err != nil {
			return nil, nil, err
		}
		opts = loaded
	}
	if g.Home != "" {
		opts.HomeDir = g.Home
		if g.Config == "" {
			opts.Engine = recordkv.EngineBolt
		}
	}
	if g.Engine != "" {
		opts.Engine = g.Engine
	}
	opts.LogLevel = g.LogLevel

	var topts *recordkv.TableOptions
	for i := range opts.Tables {
		if opts.Tables[i].Name == g.Table {
			to := opts.Tables[i]
			topts = &to
		}
	}
	if topts == nil {
		typ, err := engine.ParseStoreType(g.Type)
		if err != nil {
			return nil, nil, err
		}
		topts = recordkv.DefaultTableOptions(g.Table)
		topts.Type = typ
		topts.RecordLength = g.RecordLength
		topts.Create = !g.NoCreate
		topts.MaxDeadlockRetries = g.Retries
	}
	return opts, topts, nil
}

func (s *session) open() error {
	opts, topts, err := s.resolve()
	if err != nil {
		return err
	}
	if s.globals.Stats {
		s.stats = recordkv.NewStatistics()
		opts.Statistics = s.stats
	}
	env, err := recordkv.OpenEnvironment(opts)
	if err != nil {
		return fmt.Errorf("failed to open environment: %w", err)
	}
	table, err := env.OpenTable(topts)
	if err != nil {
		env.Close()
		return fmt.Errorf("failed to open table %q: %w", topts.Name, err)
	}
	s.env, s.table = env, table
	return nil
}

func (s *session) close() error {
	if s.env == nil {
		return nil
	}
	err := s.env.Close()
	if s.stats != nil {
		fmt.Fprint(s.out, s.stats.String())
	}
	return err
}

// with opens the table, runs fn and closes the environment.
func (s *session) with(fn func(t *recordkv.Table) error) error {
	if err := s.open(); err != nil {
		return err
	}
	return errors.Join(fn(s.table), s.close())
}

func (s *session) key(arg string) (recordkv.Buffer, error) {
	if s.globals.IntKeys {
		n, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			return recordkv.Null(), fmt.Errorf("invalid record number %q: %w", arg, err)
		}
		return recordkv.Int32(int32(n)), nil
	}
	return recordkv.Bytes(parseInput(arg)), nil
}

func (s *session) formatKey(key []byte) string {
	if s.globals.IntKeys && len(key) == 4 {
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(key)), 10)
	}
	return s.format(key)
}

// format prints data as text when it is printable, else as hex.
func (s *session) format(data []byte) string {
	if s.globals.Hex {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func parseInput(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		decoded, err := hex.DecodeString(s[2:])
		if err == nil {
			return decoded
		}
	}
	return []byte(s)
}

// GetCmd prints one value.
type GetCmd struct {
	Key string `arg:"" help:"Key to read."`
}

func (c *GetCmd) Run(s *session) error {
	key, err := s.key(c.Key)
	if err != nil {
		return err
	}
	return s.with(func(t *recordkv.Table) error {
		value, st, err := t.Value(key)
		if err != nil {
			return err
		}
		if st != recordkv.StatusSuccess {
			return fmt.Errorf("key %s: %s", c.Key, st)
		}
		fmt.Fprintln(s.out, s.format(value))
		return nil
	})
}

// PutCmd stores one value.
type PutCmd struct {
	Key         string `arg:"" help:"Key to write."`
	Value       string `arg:"" help:"Value to store."`
	NoOverwrite bool   `help:"Leave an existing record alone."`
}

func (c *PutCmd) Run(s *session) error {
	key, err := s.key(c.Key)
	if err != nil {
		return err
	}
	return s.with(func(t *recordkv.Table) error {
		res, err := t.Put(&recordkv.WriteOptions{NoOverwrite: c.NoOverwrite}, key, recordkv.Bytes(parseInput(c.Value)))
		if err != nil {
			return err
		}
		if res.Status == recordkv.StatusKeyExists {
			fmt.Fprintln(s.out, "EXISTS")
			return nil
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	})
}

// AppendCmd adds a queue record.
type AppendCmd struct {
	Value string `arg:"" help:"Record to append."`
}

func (c *AppendCmd) Run(s *session) error {
	return s.with(func(t *recordkv.Table) error {
		res, err := t.Put(&recordkv.WriteOptions{Append: true}, recordkv.Null(), recordkv.Bytes(parseInput(c.Value)))
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, res.RecordNumber)
		return nil
	})
}

// DeleteCmd removes one key.
type DeleteCmd struct {
	Key string `arg:"" help:"Key to delete."`
}

func (c *DeleteCmd) Run(s *session) error {
	key, err := s.key(c.Key)
	if err != nil {
		return err
	}
	return s.with(func(t *recordkv.Table) error {
		ok, err := t.Delete(key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(s.out, "NOT FOUND")
			return nil
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	})
}

// ExistsCmd reports presence.
type ExistsCmd struct {
	Key string `arg:"" help:"Key to look up."`
}

func (c *ExistsCmd) Run(s *session) error {
	key, err := s.key(c.Key)
	if err != nil {
		return err
	}
	return s.with(func(t *recordkv.Table) error {
		st, err := t.Exists(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, st)
		return nil
	})
}

// ScanCmd prints records in table order.
type ScanCmd struct {
	From     string `help:"Skip keys before this one."`
	To       string `help:"Skip keys from this one on."`
	Limit    int    `help:"Stop after this many records (0 = unlimited)."`
	Checksum bool   `help:"Print an xxh3 checksum of each value."`
}

func (c *ScanCmd) Run(s *session) error {
	from, to := parseInput(c.From), parseInput(c.To)
	return s.with(func(t *recordkv.Table) error {
		count := 0
		for rec, err := range t.All() {
			if err != nil {
				return err
			}
			if c.From != "" && bytes.Compare(rec.Key, from) < 0 {
				continue
			}
			if c.To != "" && bytes.Compare(rec.Key, to) >= 0 {
				continue
			}
			if c.Checksum {
				fmt.Fprintf(s.out, "%s => %s [%016x]\n", s.formatKey(rec.Key), s.format(rec.Value), xxh3.Hash(rec.Value))
			} else {
				fmt.Fprintf(s.out, "%s => %s\n", s.formatKey(rec.Key), s.format(rec.Value))
			}
			count++
			if c.Limit > 0 && count >= c.Limit {
				break
			}
		}
		fmt.Fprintf(s.out, "(%d entries scanned)\n", count)
		return nil
	})
}

// CountCmd prints the record count.
type CountCmd struct{}

func (c *CountCmd) Run(s *session) error {
	return s.with(func(t *recordkv.Table) error {
		n, err := t.Count()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, n)
		return nil
	})
}

// TruncateCmd empties the table.
type TruncateCmd struct{}

func (c *TruncateCmd) Run(s *session) error {
	return s.with(func(t *recordkv.Table) error {
		n, err := t.Truncate()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "(%d records removed)\n", n)
		return nil
	})
}

// CompactCmd reclaims space.
type CompactCmd struct{}

func (c *CompactCmd) Run(s *session) error {
	return s.with(func(t *recordkv.Table) error {
		if err := t.Compact(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	})
}

// VerifyCmd checks the table.
type VerifyCmd struct{}

func (c *VerifyCmd) Run(s *session) error {
	return s.with(func(t *recordkv.Table) error {
		if err := t.Verify(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	})
}

// BackupCmd copies every table of the environment.
type BackupCmd struct {
	Dir string `arg:"" help:"Directory to create for the copy." type:"path"`
}

func (c *BackupCmd) Run(s *session) error {
	return s.with(func(*recordkv.Table) error {
		if err := s.env.Backup(c.Dir); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "backed up to %s\n", c.Dir)
		return nil
	})
}

// WriteConfigCmd writes the options recordctl would open with.
type WriteConfigCmd struct {
	Path string `arg:"" help:"File to write." type:"path"`
}

func (c *WriteConfigCmd) Run(s *session) error {
	opts, topts, err := s.resolve()
	if err != nil {
		return err
	}
	found := false
	for _, to := range opts.Tables {
		found = found || to.Name == topts.Name
	}
	if !found {
		opts.Tables = append(opts.Tables, *topts)
	}
	if err := recordkv.WriteOptionsFile(c.Path, opts); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %s\n", c.Path)
	return nil
}
