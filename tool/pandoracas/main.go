/*
 * PandoraCAS
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command pandoracas is the operator CLI: it lists devices, tails the
// update feed, dispatches commands and fetches event history for the
// accounts named in the configuration file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/account"
	"github.com/gravitational/pandoracas/lib/asciitable"
	"github.com/gravitational/pandoracas/lib/config"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/device"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/pandora"
	"github.com/gravitational/pandoracas/lib/utils"
)

// CLIConf stores command line flag values.
type CLIConf struct {
	// Debug enables verbose logging.
	Debug bool
	// ConfigPath is the --config flag.
	ConfigPath string
	// Account restricts operations to one configured username.
	Account string
	// DeviceID is the device argument of exec and history.
	DeviceID int64
	// Command is the command argument of exec, a name or numeric ID.
	Command string
	// Timeout bounds the exec acknowledgement wait.
	Timeout time.Duration
	// Since is how far back history reaches.
	Since time.Duration
	// Limit caps the number of history records.
	Limit int
}

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and dispatches to the selected command.
func Run(args []string) error {
	var cf CLIConf
	utils.InitLogger(slog.LevelInfo, os.Stderr)

	app := utils.InitCLIParser("pandoracas", "Client for the Pandora/PanDECT vehicle security cloud.")
	app.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "Configuration file path.").Short('c').Envar(defaults.ConfigEnvar).StringVar(&cf.ConfigPath)
	app.Flag("account", "Restrict to the account with this username.").StringVar(&cf.Account)

	devicesCmd := app.Command("devices", "List the devices of the configured accounts.")

	watchCmd := app.Command("watch", "Tail events, track points, command outcomes and status transitions as JSON lines.")

	execCmd := app.Command("exec", "Send a command to a device and wait for the unit's acknowledgement.")
	execCmd.Arg("device", "Numeric device identifier.").Required().Int64Var(&cf.DeviceID)
	execCmd.Arg("command", "Command name (e.g. lock, start_engine) or numeric identifier.").Required().StringVar(&cf.Command)
	execCmd.Flag("timeout", "How long to wait for the acknowledgement.").Default("45s").DurationVar(&cf.Timeout)

	historyCmd := app.Command("history", "Show recent events of a device.")
	historyCmd.Arg("device", "Numeric device identifier.").Required().Int64Var(&cf.DeviceID)
	historyCmd.Flag("since", "How far back to fetch.").Default("24h").DurationVar(&cf.Since)
	historyCmd.Flag("limit", "Maximum number of records.").Default("20").IntVar(&cf.Limit)

	versionCmd := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	if cf.Debug {
		utils.InitLogger(slog.LevelDebug, os.Stderr)
	}

	if command == versionCmd.FullCommand() {
		fmt.Printf("pandoracas v%v %v\n", pandoracas.Version, runtime.Version())
		return nil
	}

	blocks, err := loadAccounts(&cf)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case devicesCmd.FullCommand():
		err = onDevices(ctx, blocks)
	case watchCmd.FullCommand():
		err = onWatch(ctx, blocks)
	case execCmd.FullCommand():
		err = onExec(ctx, blocks, &cf)
	case historyCmd.FullCommand():
		err = onHistory(ctx, blocks, &cf)
	default:
		err = trace.BadParameter("command %q not configured", command)
	}
	return trace.Wrap(err)
}

// loadAccounts reads the configuration file and returns the account
// blocks selected by --account.
func loadAccounts(cf *CLIConf) ([]config.Account, error) {
	fc, err := config.ReadConfigFile(cf.ConfigPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if fc == nil {
		return nil, trace.NotFound("no configuration found at %v, write one or pass --config", defaults.ConfigFilePath)
	}
	if cf.Account == "" {
		return fc.Accounts, nil
	}
	for _, block := range fc.Accounts {
		if block.Username == cf.Account {
			return []config.Account{block}, nil
		}
	}
	return nil, trace.NotFound("account %q is not configured", cf.Account)
}

// startAccount builds and starts one account. Websockets can be
// skipped for one-shot commands that only need a snapshot.
func startAccount(ctx context.Context, block *config.Account, withStream bool) (*account.Account, error) {
	cfg := block.AccountConfig()
	if !withStream {
		cfg.DisableWebsockets = true
	}
	acct, err := account.New(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := acct.Start(ctx); err != nil {
		closeAccount(ctx, acct)
		return nil, trace.Wrap(err)
	}
	return acct, nil
}

func closeAccount(ctx context.Context, acct *account.Account) {
	if err := acct.Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close the account cleanly.", "error", err)
	}
}

// hasDevice reports whether the account's inventory includes the
// device.
func hasDevice(acct *account.Account, deviceID int64) bool {
	for _, dev := range acct.Registry().Devices() {
		if dev.ID() == deviceID {
			return true
		}
	}
	return false
}

func onDevices(ctx context.Context, blocks []config.Account) error {
	table := asciitable.MakeTable([]string{"ID", "Name", "Model", "Firmware", "Account", "State"})
	for i := range blocks {
		block := &blocks[i]
		acct, err := startAccount(ctx, block, false)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, dev := range acct.Registry().Devices() {
			view := dev.Snapshot()
			if !block.DeviceEnabled(view.Info.ID) {
				continue
			}
			table.AddRow([]string{
				strconv.FormatInt(view.Info.ID, 10),
				view.Info.Name,
				view.Info.Model,
				view.Info.Firmware,
				block.Username,
				onlineText(view.State),
			})
		}
		closeAccount(ctx, acct)
	}
	table.SortRowsBy([]int{0}, true)
	fmt.Print(table.AsBuffer().String())
	return nil
}

func onlineText(state *pandora.State) string {
	switch {
	case state == nil || state.IsOnline == nil:
		return "unknown"
	case *state.IsOnline:
		return "online"
	default:
		return "offline"
	}
}

// watchRecord is one JSON line of the watch output.
type watchRecord struct {
	Time    string `json:"time"`
	Account string `json:"account"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// stateUpdate is the watch payload for telemetry merges.
type stateUpdate struct {
	DeviceID     int64    `json:"device_id"`
	Changed      []string `json:"changed"`
	Backpressure bool     `json:"backpressure,omitempty"`
}

func onWatch(ctx context.Context, blocks []config.Account) error {
	out := make(chan watchRecord, 256)
	var accounts []*account.Account
	defer func() {
		for _, acct := range accounts {
			closeAccount(ctx, acct)
		}
	}()

	for i := range blocks {
		block := &blocks[i]
		acct, err := account.New(block.AccountConfig())
		if err != nil {
			return trace.Wrap(err)
		}
		accounts = append(accounts, acct)
		username := block.Username

		// Subscribe before Start so the initial status transition is
		// not missed.
		sub := acct.Events().Subscribe()
		go func() {
			for msg := range sub.Events() {
				record := watchRecord{
					Time:    time.Now().UTC().Format(time.RFC3339),
					Account: username,
					Topic:   msg.Topic,
					Payload: msg.Payload,
				}
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
			}
		}()
		acct.Registry().Subscribe(func(update device.Update) {
			if update.Closed || !block.DeviceEnabled(update.DeviceID) {
				return
			}
			record := watchRecord{
				Time:    time.Now().UTC().Format(time.RFC3339),
				Account: username,
				Topic:   "pandora_cas_state",
				Payload: &stateUpdate{
					DeviceID:     update.DeviceID,
					Changed:      update.Changed,
					Backpressure: update.Backpressure,
				},
			}
			// Never block a registry notification on the printer.
			select {
			case out <- record:
			default:
			}
		})

		if err := acct.Start(ctx); err != nil {
			return trace.Wrap(err)
		}
	}

	for {
		select {
		case record := <-out:
			line, err := utils.FastMarshal(record)
			if err != nil {
				return trace.Wrap(err)
			}
			fmt.Fprintf(os.Stdout, "%s\n", line)
		case <-ctx.Done():
			return nil
		}
	}
}

func onExec(ctx context.Context, blocks []config.Account, cf *CLIConf) error {
	command, err := pandora.ParseCommand(cf.Command)
	if err != nil {
		return trace.Wrap(err)
	}

	for i := range blocks {
		block := &blocks[i]
		acct, err := startAccount(ctx, block, true)
		if err != nil {
			return trace.Wrap(err)
		}
		if !hasDevice(acct, cf.DeviceID) {
			closeAccount(ctx, acct)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, cf.Timeout)
		defer cancel()
		future, err := acct.Commander().Submit(waitCtx, cf.DeviceID, command)
		if err != nil {
			closeAccount(ctx, acct)
			return trace.Wrap(err)
		}
		result, err := future.Wait(waitCtx)
		closeAccount(ctx, acct)
		if err != nil {
			return trace.Wrap(err, "command %v did not complete", command)
		}

		switch result.Outcome {
		case events.OutcomeOK:
			fmt.Printf("device %v: %v acknowledged (result %v, reply %v)\n",
				cf.DeviceID, command, result.Result, result.Reply)
			return nil
		case events.OutcomeTimeout:
			return trace.LimitExceeded("command %v timed out waiting for the unit", command)
		default:
			return trace.Errorf("command %v %v (result %v, reply %v)",
				command, result.Outcome, result.Result, result.Reply)
		}
	}
	return trace.NotFound("device %v is not present in any configured account", cf.DeviceID)
}

func onHistory(ctx context.Context, blocks []config.Account, cf *CLIConf) error {
	for i := range blocks {
		block := &blocks[i]
		acct, err := startAccount(ctx, block, false)
		if err != nil {
			return trace.Wrap(err)
		}
		if !hasDevice(acct, cf.DeviceID) {
			closeAccount(ctx, acct)
			continue
		}

		from := time.Now().Add(-cf.Since)
		records, err := acct.History(ctx, cf.DeviceID, from, time.Time{}, cf.Limit)
		closeAccount(ctx, acct)
		if err != nil {
			return trace.Wrap(err)
		}

		rows := make([][]string, 0, len(records))
		for _, event := range records {
			rows = append(rows, []string{
				time.Unix(event.Timestamp, 0).UTC().Format(time.RFC3339),
				event.Type(),
				fmt.Sprintf("%d/%d", event.Primary, event.Secondary),
				historyDetails(event),
			})
		}
		table := asciitable.MakeTableWithTruncatedColumn(
			[]string{"Time", "Event", "Code", "Details"}, rows, "Details")
		fmt.Print(table.AsBuffer().String())
		return nil
	}
	return trace.NotFound("device %v is not present in any configured account", cf.DeviceID)
}

// historyDetails folds the optional telemetry of an event record into
// a short human-readable summary.
func historyDetails(event *pandora.Event) string {
	var parts []string
	if event.Latitude != nil && event.Longitude != nil {
		parts = append(parts, fmt.Sprintf("pos %.5f,%.5f", *event.Latitude, *event.Longitude))
	}
	if event.Fuel != nil {
		parts = append(parts, fmt.Sprintf("fuel %.0f", *event.Fuel))
	}
	if event.Voltage != nil {
		parts = append(parts, fmt.Sprintf("%.1fV", *event.Voltage))
	}
	if event.GSMLevel != nil {
		parts = append(parts, fmt.Sprintf("gsm %d", *event.GSMLevel))
	}
	if event.EngineRPM != nil {
		parts = append(parts, fmt.Sprintf("rpm %d", *event.EngineRPM))
	}
	return strings.Join(parts, " ")
}
