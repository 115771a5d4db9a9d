// Command bdbcli is a small operator tool for inspecting and driving the
// transaction log directly: list or recover leftover transaction logs,
// list a directory's temporary files, build a table, and run a level
// compaction end to end.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/mehdi-haji/txnlog/txnlog"

	"github.com/mehdi-haji/txnlog/storage"
)

type cmdTxnLs struct {
	Dir string `long:"dir" required:"true" description:"Directory to scan for transaction logs"`
}

func (c *cmdTxnLs) Execute([]string) error {
	logs, err := txnlog.GetLogFiles(c.Dir)
	if err != nil {
		return err
	}
	for _, p := range logs {
		fmt.Println(p)
	}
	return nil
}

type cmdTxnTmp struct {
	Dir string `long:"dir" required:"true" description:"Directory to report temporary files for"`
}

func (c *cmdTxnTmp) Execute([]string) error {
	files, err := txnlog.GetTemporaryFiles(c.Dir)
	if err != nil {
		return err
	}
	for p := range files {
		fmt.Println(p)
	}
	return nil
}

type cmdTxnRecover struct {
	Dir string `long:"dir" required:"true" description:"Directory to recover leftover transactions in"`
}

func (c *cmdTxnRecover) Execute([]string) error {
	if err := txnlog.RemoveUnfinishedLeftovers(c.Dir); err != nil {
		logrus.WithError(err).Warn("bdbcli: recovery completed with errors")
		return err
	}
	txnlog.WaitForDeletions()
	return nil
}

type cmdTableBuild struct {
	Dir      string `long:"dir" required:"true" description:"Directory to write the table's component files into"`
	Level    uint8  `long:"level" default:"1" description:"Level number embedded in the table's metadata"`
	Records  string `long:"records" default:"-" description:"Newline-delimited JSON records file, or - for stdin"`
	Compress bool   `long:"compress" description:"Snappy-compress the table's data component"`
}

func (c *cmdTableBuild) Execute([]string) error {
	in := os.Stdin
	if c.Records != "-" {
		f, err := os.Open(c.Records)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	builder := &storage.SSTBuilder{Path: c.Dir, Level: c.Level, Compress: c.Compress}
	if err := builder.SetUp(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec storage.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parsing record: %w", err)
		}
		if err := builder.Add(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	table, err := builder.Finish()
	if err != nil {
		return err
	}

	fmt.Println(table.BaseFilename())
	return nil
}

type cmdLevelCompact struct {
	Dir      string `long:"dir" required:"true" description:"Tree root directory containing the level to compact"`
	Level    uint16 `long:"level" required:"true" description:"Level number to compact"`
	Compress bool   `long:"compress" description:"Snappy-compress the merged table's data component"`
}

func (c *cmdLevelCompact) Execute([]string) error {
	lvl, err := storage.LoadLevel(c.Level, c.Dir)
	if err != nil {
		return err
	}

	tracker, err := storage.NewReadTracker(fmt.Sprintf("level-%d", c.Level))
	if err != nil {
		return err
	}
	lvl.WithTracker(tracker).WithCompression(c.Compress)

	merged, err := lvl.Compact()
	if err != nil {
		return err
	}

	fmt.Println(merged.BaseFilename())
	return nil
}

type commands struct {
	Txn struct {
		Ls      cmdTxnLs      `command:"ls" description:"List transaction logs in a directory"`
		Tmp     cmdTxnTmp     `command:"tmp" description:"List a directory's temporary (not-yet-owned) files"`
		Recover cmdTxnRecover `command:"recover" description:"Replay and clean up leftover transaction logs"`
	} `command:"txn" description:"Transaction log operations"`

	Table struct {
		Build cmdTableBuild `command:"build" description:"Build a table from newline-delimited JSON records"`
	} `command:"table" description:"Table operations"`

	Level struct {
		Compact cmdLevelCompact `command:"compact" description:"Compact a level's tables into one, through the transaction log"`
	} `command:"level" description:"Level operations"`
}

func main() {
	parser := flags.NewParser(&commands{}, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		logrus.WithError(err).Error("bdbcli: command failed")
		os.Exit(1)
	}
}
