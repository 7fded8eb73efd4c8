package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ferrumproject/ferrum/pkg/api"
	"github.com/ferrumproject/ferrum/pkg/conductor"
	"github.com/ferrumproject/ferrum/pkg/config"
	"github.com/ferrumproject/ferrum/pkg/drivers"
	"github.com/ferrumproject/ferrum/pkg/drivers/fake"
	"github.com/ferrumproject/ferrum/pkg/events"
	"github.com/ferrumproject/ferrum/pkg/imageservice"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/metrics"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ferrum",
	Short: "Ferrum - Bare metal provisioning conductor",
	Long: `Ferrum manages fleets of physical servers: enrollment, cleaning,
image deployment, rescue and tear-down, driven by a per-node state
machine and coordinated between conductors through the shared store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Ferrum version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file")

	rootCmd.AddCommand(conductorCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(allocationCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*storage.BoltStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return storage.NewBoltStore(cfg.DataDir)
}

// Conductor commands
var conductorCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Run the conductor service",
}

var conductorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the conductor",
	Long: `Start the conductor: register with the store, begin heartbeating,
and serve health and metrics endpoints until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		debug, _ := cmd.Flags().GetBool("debug")
		level := log.InfoLevel
		if debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		registry := drivers.NewRegistry()
		if err := registry.Register(fake.HardwareType(fake.NewHardware())); err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		images := imageservice.New(cfg.Image)

		cond := conductor.New(cfg, store, registry, broker, images)
		ctx := context.Background()
		if err := cond.Start(ctx); err != nil {
			return err
		}

		collector := metrics.NewCollector(store, cfg.MetricsInterval, cfg.ConductorTimeout)
		collector.Start(ctx)

		health := api.NewHealthServer(store, cfg.Hostname, cfg.ConductorTimeout)
		errCh := make(chan error, 1)
		go func() {
			if err := health.Start(cfg.HealthAddr); err != nil {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()

		fmt.Printf("Conductor %s is running. Press Ctrl+C to stop.\n", cfg.Hostname)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = health.Stop(shutdownCtx)
		collector.Stop()
		cond.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	conductorCmd.AddCommand(conductorStartCmd)

	conductorStartCmd.Flags().String("data-dir", "", "Override the data directory")
	conductorStartCmd.Flags().Bool("debug", false, "Enable debug logging")
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Enroll a new node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		name, _ := cmd.Flags().GetString("name")
		driver, _ := cmd.Flags().GetString("driver")
		resourceClass, _ := cmd.Flags().GetString("resource-class")

		node := &types.Node{
			UUID:           uuid.NewString(),
			Name:           name,
			Driver:         driver,
			ResourceClass:  resourceClass,
			ProvisionState: types.StateEnroll,
		}
		if err := store.CreateNode(node); err != nil {
			return err
		}

		fmt.Printf("Node %s enrolled\n", node.UUID)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		nodes, err := store.ListNodes()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UUID\tNAME\tDRIVER\tPROVISION STATE\tPOWER\tMAINTENANCE")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				n.UUID, n.Name, n.Driver, n.ProvisionState, n.PowerState, n.Maintenance)
		}
		return w.Flush()
	},
}

var nodeShowCmd = &cobra.Command{
	Use:   "show IDENT",
	Short: "Show a node by UUID or name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		node, err := store.GetNodeByIdent(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("UUID:             %s\n", node.UUID)
		fmt.Printf("Name:             %s\n", node.Name)
		fmt.Printf("Driver:           %s\n", node.Driver)
		fmt.Printf("Provision state:  %s\n", node.ProvisionState)
		fmt.Printf("Target state:     %s\n", node.TargetProvisionState)
		fmt.Printf("Power state:      %s\n", node.PowerState)
		fmt.Printf("Reservation:      %s\n", node.Reservation)
		fmt.Printf("Maintenance:      %v\n", node.Maintenance)
		if node.LastError != "" {
			fmt.Printf("Last error:       %s\n", node.LastError)
		}
		return nil
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete UUID",
	Short: "Delete a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteNode(args[0]); err != nil {
			return err
		}
		fmt.Printf("Node %s deleted\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeShowCmd)
	nodeCmd.AddCommand(nodeDeleteCmd)

	nodeCreateCmd.Flags().String("name", "", "Node name")
	nodeCreateCmd.Flags().String("driver", fake.HardwareTypeName, "Hardware type")
	nodeCreateCmd.Flags().String("resource-class", "", "Resource class for scheduling")
}

// Allocation commands
var allocationCmd = &cobra.Command{
	Use:   "allocation",
	Short: "Manage allocations",
}

var allocationCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Request a node allocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		name, _ := cmd.Flags().GetString("name")
		resourceClass, _ := cmd.Flags().GetString("resource-class")
		traits, _ := cmd.Flags().GetStringSlice("trait")

		alloc := &types.Allocation{
			UUID:          uuid.NewString(),
			Name:          name,
			ResourceClass: resourceClass,
			Traits:        traits,
			State:         types.AllocationAllocating,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		if err := store.CreateAllocation(alloc); err != nil {
			return err
		}

		fmt.Printf("Allocation %s created\n", alloc.UUID)
		return nil
	},
}

var allocationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		allocations, err := store.ListAllocations()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UUID\tNAME\tRESOURCE CLASS\tSTATE\tNODE")
		for _, a := range allocations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.UUID, a.Name, a.ResourceClass, a.State, a.NodeUUID)
		}
		return w.Flush()
	},
}

func init() {
	allocationCmd.AddCommand(allocationCreateCmd)
	allocationCmd.AddCommand(allocationListCmd)

	allocationCreateCmd.Flags().String("name", "", "Allocation name")
	allocationCreateCmd.Flags().String("resource-class", "", "Required resource class")
	allocationCreateCmd.Flags().StringSlice("trait", nil, "Required trait (repeatable)")
}
