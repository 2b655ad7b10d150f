package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OpenMined/sbenv/internal/activate"
	"github.com/OpenMined/sbenv/internal/config"
	"github.com/OpenMined/sbenv/internal/env"
	"github.com/OpenMined/sbenv/internal/logtail"
)

func main() {
	initLogger()

	root := &cobra.Command{
		Use:           "sbenv",
		Short:         "SyftBox Env - virtualenv for SyftBox daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		initCmd(),
		removeCmd(),
		listCmd(),
		activateCmd(),
		deactivateCmd(),
		startCmd(),
		stopCmd(),
		statusCmd(),
		infoCmd(),
		logsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newManager() (*env.Manager, error) {
	home, err := config.Home()
	if err != nil {
		return nil, err
	}
	return env.NewManager(home)
}

// resolveName picks the environment name from args, falling back to the
// session's active environment.
func resolveName(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if s := activate.Current(); s.Name != "" {
		return s.Name, nil
	}
	return "", errors.New("no environment given and none active")
}

func initCmd() *cobra.Command {
	var (
		dev       bool
		port      int
		serverURL string
		email     string
	)
	cmd := &cobra.Command{
		Use:     "init [name]",
		Aliases: []string{"create"},
		Short:   "Create a new SyftBox environment",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			} else {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				name = strings.ToLower(filepath.Base(cwd))
			}

			mgr, err := newManager()
			if err != nil {
				return err
			}
			rec, err := mgr.Create(name, env.CreateOptions{
				DevMode:   dev,
				Port:      port,
				ServerURL: serverURL,
				Email:     email,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created environment %s\n", activeStyle.Render(rec.Name))
			fmt.Printf("  Root: %s\n", rec.RootDir)
			fmt.Printf("  Port: %s\n", portStyle.Render(fmt.Sprint(rec.Port)))
			fmt.Printf("  Server: %s\n", rec.ServerURL)
			fmt.Printf("\nRun `sbenv activate %s` to use it.\n", rec.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "use a local dev server and disable auth")
	cmd.Flags().IntVar(&port, "port", 0, "preferred daemon port")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL override")
	cmd.Flags().StringVar(&email, "email", "", "email recorded in the client config")
	return cmd
}

func removeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a SyftBox environment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			if err := mgr.Remove(args[0], force); err != nil {
				return err
			}
			fmt.Printf("Removed environment %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "stop the daemon if running and remove anyway")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all SyftBox environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			envs, err := mgr.List()
			if err != nil {
				return err
			}
			if len(envs) == 0 {
				fmt.Println(dimStyle.Render("No environments. Run `sbenv init <name>` to create one."))
				return nil
			}

			active := activate.Current().Name
			fmt.Println(headerStyle.Render(fmt.Sprintf("%-20s %-8s %-10s %s", "NAME", "PORT", "STATUS", "ROOT")))
			for _, e := range envs {
				name := nameStyle.Render(fmt.Sprintf("%-20s", e.Name))
				if e.Name == active {
					name = activeStyle.Render(fmt.Sprintf("%-20s", e.Name+" *"))
				}
				fmt.Printf("%s %s %-10s %s\n",
					name,
					portStyle.Render(fmt.Sprintf("%-8d", e.Port)),
					renderStatus(e.Status),
					dimStyle.Render(e.RootDir),
				)
			}
			return nil
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <name>",
		Short: "Print the directives that bind this shell to an environment",
		Long: "Prints export directives for the shell integration to eval:\n" +
			"  eval \"$(sbenv activate myenv)\"",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			directives, err := activate.Activate(mgr.Store(), args[0])
			if err != nil {
				return err
			}
			for _, d := range directives {
				fmt.Println(d)
			}
			return nil
		},
	}
}

func deactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Print the directives that unbind this shell from its environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			directives, err := activate.Deactivate(activate.Current())
			if err != nil {
				return err
			}
			for _, d := range directives {
				fmt.Println(d)
			}
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [name]",
		Short: "Start the SyftBox daemon for an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := resolveName(args)
			if err != nil {
				return err
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			rec, err := mgr.Supervisor().Start(name)
			if err != nil {
				return err
			}
			fmt.Printf("Started %s (pid %d) on port %s\n",
				activeStyle.Render(rec.Name), *rec.PID, portStyle.Render(fmt.Sprint(rec.Port)))
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop the SyftBox daemon for an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := resolveName(args)
			if err != nil {
				return err
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			if err := mgr.Supervisor().Stop(name); err != nil {
				return err
			}
			fmt.Printf("Stopped %s\n", name)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show the reconciled daemon status for an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := resolveName(args)
			if err != nil {
				return err
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			status, err := mgr.Supervisor().Status(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", name, renderStatus(status))
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [name]",
		Short: "Show details for an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := resolveName(args)
			if err != nil {
				return err
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			rec, err := mgr.Get(name)
			if err != nil {
				return err
			}

			pid := "-"
			if rec.PID != nil {
				pid = fmt.Sprint(*rec.PID)
			}
			fmt.Println(headerStyle.Render(rec.Name))
			fmt.Printf("  Status:  %s\n", renderStatus(rec.Status))
			fmt.Printf("  Port:    %s\n", portStyle.Render(fmt.Sprint(rec.Port)))
			fmt.Printf("  PID:     %s\n", pid)
			fmt.Printf("  Root:    %s\n", rec.RootDir)
			fmt.Printf("  Server:  %s\n", rec.ServerURL)
			fmt.Printf("  Config:  %s\n", rec.ConfigPath)
			fmt.Printf("  Log:     %s\n", rec.LogPath)
			fmt.Printf("  Dev:     %v\n", rec.DevMode)
			fmt.Printf("  Created: %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs [name]",
		Short: "Show the daemon log for an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := resolveName(args)
			if err != nil {
				return err
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			rec, err := mgr.Get(name)
			if err != nil {
				return err
			}

			if !follow {
				tail, err := logtail.Read(rec.LogPath, lines)
				if err != nil {
					return err
				}
				for _, line := range tail {
					fmt.Println(line)
				}
				return nil
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ch, cleanup, err := logtail.Follow(ctx, rec.LogPath, lines)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-ch:
					if !ok {
						return nil
					}
					fmt.Println(line)
				}
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming appended lines")
	return cmd
}
