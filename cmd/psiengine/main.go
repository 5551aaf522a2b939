// Command psiengine is the outer CLI driver for the PSI + CKKS secure
// aggregation core: a subcommand switch with flag.NewFlagSet per verb,
// and an interactive fallback built on promptui when no subcommand is
// given.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/manifoldco/promptui"

	"github.com/auroradata-ai/psi-engine/internal/config"
	"github.com/auroradata-ai/psi-engine/internal/obs"
	"github.com/auroradata-ai/psi-engine/internal/protoerr"
	"github.com/auroradata-ai/psi-engine/internal/session"
	"github.com/auroradata-ai/psi-engine/internal/table"
)

// Exit codes: 0 success, 2 usage, 3 connection failed, 4 protocol error,
// 5 cryptographic failure.
const (
	exitOK            = 0
	exitUsage         = 2
	exitConnectFailed = 3
	exitProtocolError = 4
	exitCryptoFailure = 5
)

func main() {
	fmt.Println("psi-engine — PSI + CKKS secure aggregation")
	fmt.Println("===========================================")

	if len(os.Args) < 2 {
		runInteractive()
		return
	}

	switch os.Args[1] {
	case "start-server":
		runStartServer(os.Args[2:])
	case "repl":
		runREPL(os.Args[2:])
	case "-help", "--help", "help":
		showHelp()
	default:
		fmt.Printf("unknown subcommand: %s\n\n", os.Args[1])
		showHelp()
		os.Exit(exitUsage)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func showHelp() {
	fmt.Println("USAGE:")
	fmt.Println("  psiengine start-server --host H --port P --config FILE")
	fmt.Println("  psiengine repl --config FILE")
	fmt.Println()
	fmt.Println("Inside the repl, drive A's side of the protocol one command at a time:")
	fmt.Println("  connect --host H --port P")
	fmt.Println("  run-psi")
	fmt.Println("  run-join")
	fmt.Println("  run-aggregate --mode plain|secure")
	fmt.Println("  exit")
}

func runInteractive() {
	options := []string{
		"Start server (B side) — listen for a peer",
		"Start repl (A side) — drive the protocol against a peer",
		"Help",
		"Exit",
	}
	prompt := promptui.Select{Label: "Choose what you'd like to do:", Items: options}
	idx, _, err := prompt.Run()
	if err != nil {
		fmt.Println("no selection made")
		os.Exit(exitUsage)
	}

	switch idx {
	case 0:
		runStartServer(nil)
	case 1:
		runREPL(nil)
	case 2:
		showHelp()
	case 3:
		os.Exit(exitOK)
	}
}

func runStartServer(args []string) {
	fs := newFlagSet("start-server")
	host := fs.String("host", "0.0.0.0", "interface to listen on")
	port := fs.Int("port", 5000, "TCP port to listen on")
	configPath := fs.String("config", "", "optional YAML config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(exitUsage)
	}
	if *port != 0 {
		cfg.ListenPort = *port
	}
	if *host != "" {
		cfg.ListenHost = *host
	}

	if err := obs.Init(cfg, "server-"+uuid.NewString()); err != nil {
		fmt.Println("logger init:", err)
		os.Exit(exitUsage)
	}

	tbl, err := buildTable(cfg)
	if err != nil {
		fmt.Println("table error:", err)
		os.Exit(exitUsage)
	}

	srv := session.NewServer(cfg, tbl)
	fmt.Printf("listening on :%d\n", cfg.ListenPort)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Println("server error:", err)
		os.Exit(exitConnectFailed)
	}
}

func buildTable(cfg *config.Config) (table.Table, error) {
	switch cfg.Table.Type {
	case "csv":
		return table.NewCSV(cfg.Table.Filename)
	case "postgres":
		return table.NewPostgres(table.PostgresConfig{
			Host:     cfg.Table.Host,
			Port:     cfg.Table.Port,
			User:     cfg.Table.User,
			Password: cfg.Table.Password,
			DBName:   cfg.Table.DBName,
			Table:    cfg.Table.DBTable,
		})
	default:
		return table.NewMemory(), nil
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, nil
	}
	return config.Load(path)
}

// runREPL drives A's sequential state machine from stdin, one command per
// line, for as long as the process runs.
func runREPL(args []string) {
	fs := newFlagSet("repl")
	configPath := fs.String("config", "", "optional YAML config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(exitUsage)
	}
	if err := obs.Init(cfg, "client-"+uuid.NewString()); err != nil {
		fmt.Println("logger init:", err)
		os.Exit(exitUsage)
	}
	tbl, err := buildTable(cfg)
	if err != nil {
		fmt.Println("table error:", err)
		os.Exit(exitUsage)
	}
	localIDs, err := tbl.IDs()
	if err != nil {
		fmt.Println("table error:", err)
		os.Exit(exitUsage)
	}

	salaries := make(map[string]float64, len(localIDs))
	for _, id := range localIDs {
		row, err := tbl.Get(id)
		if err != nil {
			continue
		}
		if s := row["salary"]; s != "" {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				salaries[id] = v
			}
		}
	}

	var client *session.Client
	var intersection []string
	var joined []map[string]string

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: "",
	})
	if err != nil {
		fmt.Println("readline init:", err)
		os.Exit(exitUsage)
	}
	defer rl.Close()

	fmt.Println("repl ready; type \"help\" for commands")
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "connect":
			fs := newFlagSet("connect")
			host := fs.String("host", "127.0.0.1", "peer host")
			port := fs.Int("port", 5000, "peer port")
			fs.Parse(fields[1:])
			c, err := session.Connect(fmt.Sprintf("%s:%d", *host, *port))
			if err != nil {
				fmt.Println("connect failed:", err)
				os.Exit(exitConnectFailed)
			}
			client = c
			fmt.Println("connected")

		case "run-psi":
			if client == nil {
				fmt.Println("not connected")
				continue
			}
			result, err := client.RunPSI(localIDs)
			if err != nil {
				reportSessionErr(err)
				continue
			}
			intersection = result
			fmt.Printf("intersection size: %d\n", len(intersection))

		case "run-join":
			if client == nil {
				fmt.Println("not connected")
				continue
			}
			rows, err := client.RunJoin()
			if err != nil {
				reportSessionErr(err)
				continue
			}
			joined = rows
			fmt.Printf("joined %d rows\n", len(joined))

		case "run-aggregate":
			if client == nil {
				fmt.Println("not connected")
				continue
			}
			fs := newFlagSet("run-aggregate")
			mode := fs.String("mode", "plain", "plain|secure")
			fs.Parse(fields[1:])

			var totals map[string]float64
			var err error
			switch *mode {
			case "plain":
				totals, err = client.RunAggregatePlain(salaries, joined)
			case "secure":
				totals, err = client.RunAggregateSecure(intersection, salaries)
			default:
				fmt.Println("mode must be plain or secure")
				continue
			}
			if err != nil {
				reportSessionErr(err)
				continue
			}
			for dept, total := range totals {
				fmt.Printf("%s: %.2f\n", dept, total)
			}

		case "exit":
			if client != nil {
				client.Close()
			}
			fmt.Println("goodbye")
			os.Exit(exitOK)

		case "help":
			showHelp()

		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}
	}
}

func reportSessionErr(err error) {
	fmt.Println("error:", err)
	switch protoerr.KindOf(err) {
	case protoerr.CryptoContext:
		os.Exit(exitCryptoFailure)
	case protoerr.Framing, protoerr.Protocol, protoerr.Transport:
		os.Exit(exitProtocolError)
	}
}
