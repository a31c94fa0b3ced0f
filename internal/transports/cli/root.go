// Package cli - локальный интерфейс оператора на cobra.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trafficmon/internal/app"
	"trafficmon/internal/config"
	"trafficmon/internal/core"
	"trafficmon/internal/storage"
	"trafficmon/pkg/logger"
)

const (
	defaultConfigPath = "/etc/trafficmon/config.yaml"
	statusTimeout     = 10 * time.Second
)

var errNoTraffic = errors.New("traffic monitor is not configured (remnawave.base_url is empty)")

type rootOptions struct {
	configPath string
	version    string
}

// New создает корневую CLI-команду.
func New(version string) *cobra.Command {
	opts := &rootOptions{version: version}
	root := &cobra.Command{
		Use:           "trafficmon",
		Short:         "Мониторинг прироста трафика пользователей Remnawave",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "путь к YAML конфигу")

	root.AddCommand(
		newVersionCmd(version),
		newServeCmd(opts),
		newCheckCmd(opts),
		newStatusCmd(opts),
		newAccountsCmd(opts),
	)
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

// open загружает конфиг и собирает приложение. Логи CLI идут в stderr,
// чтобы stdout оставался пригодным для разбора.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Agent.LogLevel).With("version", o.version)
	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить плановые проверки и транспорты",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("close failed", "err", err)
				}
			}()
			return a.Serve(cmd.Context())
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "check fast|daily",
		Short:     "Выполнить проверку вне расписания",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"fast", "daily"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraffic(cmd, opts, 0, strings.ToLower(args[0]), nil)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Показать состояние мониторинга",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraffic(cmd, opts, statusTimeout, "status", nil)
		},
	}
}

// runTraffic выполняет команду модуля traffic напрямую через реестр.
// timeout 0 означает ожидание до конца проверки.
func runTraffic(cmd *cobra.Command, opts *rootOptions, timeout time.Duration, command string, args []string) error {
	a, _, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Monitor == nil {
		return errNoTraffic
	}

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := a.Registry.Execute(ctx, "traffic", command, args)
	if perr := printResponse(cmd, resp); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("traffic %s: %s", command, resp.ErrorCode)
	}
	return nil
}

func printResponse(cmd *cobra.Command, resp core.Response) error {
	out := cmd.OutOrStdout()
	if resp.Message != "" {
		fmt.Fprintln(out, resp.Message)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	accounts := &cobra.Command{
		Use:   "accounts",
		Short: "Локальный справочник пользователей для уведомлений",
	}

	var acc storage.Account
	set := &cobra.Command{
		Use:   "set <id>",
		Short: "Задать отображаемое имя и внешний идентификатор пользователя",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			acc.ID = strings.TrimSpace(args[0])
			if err := a.Store.UpsertAccount(cmd.Context(), acc); err != nil {
				return fmt.Errorf("save account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s saved\n", acc.ID)
			return nil
		},
	}
	set.Flags().StringVar(&acc.DisplayName, "name", "", "отображаемое имя")
	set.Flags().StringVar(&acc.ExternalID, "external-id", "", "внешний идентификатор (например, Telegram ID)")
	set.Flags().StringVar(&acc.Username, "username", "", "логин")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Показать запись справочника",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			found, ok, err := a.Store.LookupAccount(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("account %s not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(found)
		},
	}

	accounts.AddCommand(set, show)
	return accounts
}
