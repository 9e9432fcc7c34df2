package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cinemaindex/pgsync/internal/config"
	"github.com/cinemaindex/pgsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create and check the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	Long: `Write a pgsync.toml with every setting.

On a terminal the connection settings are asked for interactively; otherwise,
or with --defaults, the built-in defaults are written unchanged.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		defaults, _ := cmd.Flags().GetBool("defaults")

		path := configPath
		if path == "" {
			path = config.DefaultFile
		}

		cfg := config.Default()
		if !defaults && term.IsTerminal(int(os.Stdin.Fd())) {
			answers := answersFrom(cfg)
			if err := answers.form().Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted")
					return
				}
				fatalf("%v", err)
			}
			if err := answers.apply(cfg); err != nil {
				fatalf("%v", err)
			}
		}

		if err := config.Write(path, cfg, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				fatalf("%v (use --force to overwrite)", err)
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the config and report problems",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		source := cfg.File
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Printf("%s Config OK (%s)\n", ui.RenderPass("✓"), source)
	},
}

// answers holds the interactive form fields as text.
type answers struct {
	Host         string
	Port         string
	Database     string
	User         string
	Password     string
	Address      string
	PollInterval string
	SideIndexes  bool
}

func answersFrom(c *config.Config) *answers {
	a := &answers{
		Host:         c.Postgres.Host,
		Port:         strconv.Itoa(c.Postgres.Port),
		Database:     c.Postgres.Database,
		User:         c.Postgres.User,
		Password:     c.Postgres.Password,
		PollInterval: c.App.PollInterval.Std().String(),
		SideIndexes:  c.App.SideIndexes,
	}
	if len(c.Elasticsearch.Addresses) > 0 {
		a.Address = c.Elasticsearch.Addresses[0]
	}
	return a
}

func (a *answers) form() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Postgres host").Value(&a.Host).Validate(notEmpty),
			huh.NewInput().Title("Postgres port").Value(&a.Port).Validate(validPort),
			huh.NewInput().Title("Database").Value(&a.Database).Validate(notEmpty),
			huh.NewInput().Title("User").Value(&a.User).Validate(notEmpty),
			huh.NewInput().Title("Password").Value(&a.Password).EchoMode(huh.EchoModePassword),
		),
		huh.NewGroup(
			huh.NewInput().Title("Elasticsearch address").Value(&a.Address).Validate(notEmpty),
			huh.NewInput().Title("Poll interval").Description("Sleep between idle passes, e.g. 10s").
				Value(&a.PollInterval).Validate(validInterval),
			huh.NewConfirm().Title("Maintain persons and genres indexes?").Value(&a.SideIndexes),
		),
	)
}

// apply copies the answers into c.
func (a *answers) apply(c *config.Config) error {
	port, err := strconv.Atoi(strings.TrimSpace(a.Port))
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", a.Port, err)
	}
	interval, err := time.ParseDuration(strings.TrimSpace(a.PollInterval))
	if err != nil {
		return fmt.Errorf("invalid poll interval %q: %w", a.PollInterval, err)
	}

	c.Postgres.Host = strings.TrimSpace(a.Host)
	c.Postgres.Port = port
	c.Postgres.Database = strings.TrimSpace(a.Database)
	c.Postgres.User = strings.TrimSpace(a.User)
	c.Postgres.Password = a.Password
	c.Elasticsearch.Addresses = []string{strings.TrimSpace(a.Address)}
	c.App.PollInterval = config.Duration(interval)
	c.App.SideIndexes = a.SideIndexes
	return c.Validate()
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func validPort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return errors.New("must be a number between 1 and 65535")
	}
	return nil
}

func validInterval(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().Bool("defaults", false, "Write defaults without prompting")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
