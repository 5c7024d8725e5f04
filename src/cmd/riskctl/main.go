package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jiaming2012/risk-daemon/src/cmd/riskctl/run"
	"github.com/jiaming2012/risk-daemon/src/dbutils"
	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/projectx"
	"github.com/jiaming2012/risk-daemon/src/utils"
)

func loadConfig() (*eventmodels.RiskDaemonConfigYAML, error) {
	if err := utils.InitEnvironmentVariables(); err != nil {
		return nil, fmt.Errorf("loadConfig: failed to load environment variables: %w", err)
	}

	configFile, err := utils.GetEnv("RISK_DAEMON_CONFIG")
	if err != nil {
		return nil, fmt.Errorf("loadConfig: %w", err)
	}

	config, err := eventmodels.NewRiskDaemonConfigFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("loadConfig: %w", err)
	}

	return config, nil
}

func newBroker(config *eventmodels.RiskDaemonConfigYAML) (*projectx.BrokerAdapter, error) {
	userName, err := utils.GetEnv("PROJECTX_USERNAME")
	if err != nil {
		return nil, fmt.Errorf("newBroker: %w", err)
	}

	apiKey, err := utils.GetEnv("PROJECTX_API_KEY")
	if err != nil {
		return nil, fmt.Errorf("newBroker: %w", err)
	}

	client := projectx.NewClient(config.Broker.BaseURL, userName, apiKey)
	broker := projectx.NewBrokerAdapter(client)

	if err := broker.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("newBroker: failed to connect: %w", err)
	}

	return broker, nil
}

func renderPositions(accountID string, positions []*eventmodels.Position) string {
	display := &strings.Builder{}
	p := message.NewPrinter(language.English)

	table := tablewriter.NewWriter(display)
	table.SetHeader([]string{"Symbol", "Side", "Qty", "Entry", "Unrealized PnL", "Stop"})
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetColumnSeparator("")
	display.WriteString(fmt.Sprintf("Open positions for %s:\n", accountID))

	for _, pos := range positions {
		entry, _ := pos.EntryPrice.Float64()
		unrealized, _ := pos.UnrealizedPnL.Float64()

		stop := "none"
		if pos.StopLossPrice != nil {
			stopPrice, _ := pos.StopLossPrice.Float64()
			stop = fmt.Sprintf("$%s", p.Sprintf("%.2f", stopPrice))
		}

		table.Append([]string{
			pos.Symbol,
			string(pos.Side),
			fmt.Sprintf("%d", pos.Quantity),
			fmt.Sprintf("$%s", p.Sprintf("%.2f", entry)),
			fmt.Sprintf("$%s", p.Sprintf("%.2f", unrealized)),
			stop,
		})
	}

	table.Render()
	return display.String()
}

var positionsCmd = &cobra.Command{
	Use:   "positions --account ACC1",
	Short: "Show the broker's open positions for an account",
	Run: func(cmd *cobra.Command, args []string) {
		accountID, err := cmd.Flags().GetString("account")
		if err != nil {
			log.Fatalf("error getting account: %v", err)
		}

		config, err := loadConfig()
		if err != nil {
			log.Fatalf("error loading config: %v", err)
		}

		broker, err := newBroker(config)
		if err != nil {
			log.Fatalf("error connecting to broker: %v", err)
		}

		positions, err := broker.GetCurrentPositions(context.Background(), accountID)
		if err != nil {
			log.Fatalf("error fetching positions: %v", err)
		}

		if len(positions) == 0 {
			fmt.Printf("no open positions for %s\n", accountID)
			return
		}

		fmt.Println(renderPositions(accountID, positions))
	},
}

var flattenCmd = &cobra.Command{
	Use:   "flatten --account ACC1",
	Short: "Close every open position in an account",
	Run: func(cmd *cobra.Command, args []string) {
		accountID, err := cmd.Flags().GetString("account")
		if err != nil {
			log.Fatalf("error getting account: %v", err)
		}

		dryRun, err := cmd.Flags().GetBool("dry-run")
		if err != nil {
			log.Fatalf("error getting dry-run: %v", err)
		}

		config, err := loadConfig()
		if err != nil {
			log.Fatalf("error loading config: %v", err)
		}

		broker, err := newBroker(config)
		if err != nil {
			log.Fatalf("error connecting to broker: %v", err)
		}

		if dryRun {
			positions, err := broker.GetCurrentPositions(context.Background(), accountID)
			if err != nil {
				log.Fatalf("error fetching positions: %v", err)
			}

			if len(positions) == 0 {
				fmt.Printf("no open positions for %s, nothing to flatten\n", accountID)
				return
			}

			fmt.Println(renderPositions(accountID, positions))
			fmt.Printf("dry run: %d position(s) would be closed\n", len(positions))
			return
		}

		results, err := broker.FlattenAccount(context.Background(), accountID)
		if err != nil {
			log.Fatalf("error flattening account: %v", err)
		}

		for _, result := range results {
			if result.Success {
				fmt.Printf("closed %s x%d (order %s)\n", result.Symbol, result.Quantity, result.OrderID)
			} else {
				fmt.Printf("close rejected for %s: %s\n", result.Symbol, result.Reason)
			}
		}

		fmt.Printf("flattened %s: %d order(s)\n", accountID, len(results))
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit --account ACC1",
	Short: "List enforcement actions recorded by the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		accountID, err := cmd.Flags().GetString("account")
		if err != nil {
			log.Fatalf("error getting account: %v", err)
		}

		outDir, err := cmd.Flags().GetString("outDir")
		if err != nil {
			log.Fatalf("error getting outDir: %v", err)
		}

		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			log.Fatalf("error getting limit: %v", err)
		}

		config, err := loadConfig()
		if err != nil {
			log.Fatalf("error loading config: %v", err)
		}

		db, err := dbutils.InitSQLite(config.Daemon.DatabasePath)
		if err != nil {
			log.Fatalf("error opening database: %v", err)
		}

		actions, err := run.FetchEnforcementActions(db, accountID, limit)
		if err != nil {
			log.Fatalf("error fetching enforcement actions: %v", err)
		}

		if len(actions) == 0 {
			fmt.Println("no enforcement actions recorded")
			return
		}

		if outDir != "" {
			csvPath, err := run.ExportToCsv(outDir, actions, "enforcement_audit")
			if err != nil {
				log.Fatalf("error exporting to CSV: %v", err)
			}

			fmt.Println("CSV file written to: ", csvPath)
			return
		}

		fmt.Println(run.RenderEnforcementActions(actions))
	},
}

var lockoutCmd = &cobra.Command{
	Use:   "lockout --account ACC1 --until 2025-03-14T17:00:00Z",
	Short: "Set or clear an account trading lockout",
	Run: func(cmd *cobra.Command, args []string) {
		accountID, err := cmd.Flags().GetString("account")
		if err != nil {
			log.Fatalf("error getting account: %v", err)
		}

		until, err := cmd.Flags().GetString("until")
		if err != nil {
			log.Fatalf("error getting until: %v", err)
		}

		clear, err := cmd.Flags().GetBool("clear")
		if err != nil {
			log.Fatalf("error getting clear: %v", err)
		}

		if until == "" && !clear {
			log.Fatalf("either --until or --clear is required")
		}

		config, err := loadConfig()
		if err != nil {
			log.Fatalf("error loading config: %v", err)
		}

		db, err := dbutils.InitSQLite(config.Daemon.DatabasePath)
		if err != nil {
			log.Fatalf("error opening database: %v", err)
		}

		if clear {
			if err := run.SetLockout(db, accountID, nil); err != nil {
				log.Fatalf("error clearing lockout: %v", err)
			}

			fmt.Printf("lockout cleared for %s\n", accountID)
			return
		}

		lockoutUntil, err := time.Parse(time.RFC3339, until)
		if err != nil {
			log.Fatalf("error parsing --until, expected RFC3339: %v", err)
		}

		if err := run.SetLockout(db, accountID, &lockoutUntil); err != nil {
			log.Fatalf("error setting lockout: %v", err)
		}

		fmt.Printf("lockout set for %s until %s\n", accountID, lockoutUntil.Format(time.RFC3339))
	},
}

var cooldownCmd = &cobra.Command{
	Use:   "cooldown --account ACC1 --until 2025-03-14T17:00:00Z",
	Short: "Set or clear an account trading cooldown",
	Run: func(cmd *cobra.Command, args []string) {
		accountID, err := cmd.Flags().GetString("account")
		if err != nil {
			log.Fatalf("error getting account: %v", err)
		}

		until, err := cmd.Flags().GetString("until")
		if err != nil {
			log.Fatalf("error getting until: %v", err)
		}

		clear, err := cmd.Flags().GetBool("clear")
		if err != nil {
			log.Fatalf("error getting clear: %v", err)
		}

		if until == "" && !clear {
			log.Fatalf("either --until or --clear is required")
		}

		config, err := loadConfig()
		if err != nil {
			log.Fatalf("error loading config: %v", err)
		}

		db, err := dbutils.InitSQLite(config.Daemon.DatabasePath)
		if err != nil {
			log.Fatalf("error opening database: %v", err)
		}

		if clear {
			if err := run.SetCooldown(db, accountID, nil); err != nil {
				log.Fatalf("error clearing cooldown: %v", err)
			}

			fmt.Printf("cooldown cleared for %s\n", accountID)
			return
		}

		cooldownUntil, err := time.Parse(time.RFC3339, until)
		if err != nil {
			log.Fatalf("error parsing --until, expected RFC3339: %v", err)
		}

		if err := run.SetCooldown(db, accountID, &cooldownUntil); err != nil {
			log.Fatalf("error setting cooldown: %v", err)
		}

		fmt.Printf("cooldown set for %s until %s\n", accountID, cooldownUntil.Format(time.RFC3339))
	},
}

var rootCmd = &cobra.Command{
	Use:   "riskctl",
	Short: "Operator console for the risk daemon",
}

func main() {
	positionsCmd.Flags().String("account", "", "Broker account ID")
	positionsCmd.MarkFlagRequired("account")

	flattenCmd.Flags().String("account", "", "Broker account ID")
	flattenCmd.Flags().Bool("dry-run", false, "Show what would be closed without placing orders")
	flattenCmd.MarkFlagRequired("account")

	auditCmd.Flags().String("account", "", "Filter to one broker account ID")
	auditCmd.Flags().String("outDir", "", "Export to a CSV file in this directory instead of printing")
	auditCmd.Flags().Int("limit", 100, "Maximum number of actions to fetch")

	lockoutCmd.Flags().String("account", "", "Broker account ID")
	lockoutCmd.Flags().String("until", "", "Lockout expiry in RFC3339")
	lockoutCmd.Flags().Bool("clear", false, "Clear an existing lockout")
	lockoutCmd.MarkFlagRequired("account")

	cooldownCmd.Flags().String("account", "", "Broker account ID")
	cooldownCmd.Flags().String("until", "", "Cooldown expiry in RFC3339")
	cooldownCmd.Flags().Bool("clear", false, "Clear an existing cooldown")
	cooldownCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(flattenCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(lockoutCmd)
	rootCmd.AddCommand(cooldownCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
